package spec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var studySchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("study_spec.schema.json", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile("study_spec.schema.json")
}

// Wire shapes. Both YAML and JSON decode strictly into these; unknown fields
// are rejected so that typos surface as validation errors instead of silently
// changing the spec hash.
type rawStudy struct {
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Materials   map[string]rawMaterial `yaml:"materials" json:"materials"`
	Geometry    rawGeometry            `yaml:"geometry" json:"geometry"`
	Settings    rawSettings            `yaml:"settings" json:"settings"`
	NuclearData rawNuclearData         `yaml:"nuclear_data" json:"nuclear_data"`
}

type rawMaterial struct {
	Density      float64      `yaml:"density" json:"density"`
	DensityUnits string       `yaml:"density_units" json:"density_units"`
	Temperature  float64      `yaml:"temperature" json:"temperature"`
	Nuclides     []rawNuclide `yaml:"nuclides" json:"nuclides"`
}

type rawNuclide struct {
	Name         string  `yaml:"name" json:"name"`
	Fraction     float64 `yaml:"fraction" json:"fraction"`
	FractionType string  `yaml:"fraction_type" json:"fraction_type"`
}

type rawGeometry struct {
	Script *rawGeometryScript `yaml:"script,omitempty" json:"script,omitempty"`
	Inline map[string]any     `yaml:"inline,omitempty" json:"inline,omitempty"`
}

type rawGeometryScript struct {
	Path  string `yaml:"path" json:"path"`
	Entry string `yaml:"entry" json:"entry"`
}

type rawSource struct {
	Type  string     `yaml:"type" json:"type"`
	Lower [3]float64 `yaml:"lower" json:"lower"`
	Upper [3]float64 `yaml:"upper" json:"upper"`
}

type rawSettings struct {
	Batches   int        `yaml:"batches" json:"batches"`
	Inactive  int        `yaml:"inactive" json:"inactive"`
	Particles int        `yaml:"particles" json:"particles"`
	Seed      int64      `yaml:"seed" json:"seed"`
	Source    *rawSource `yaml:"source,omitempty" json:"source,omitempty"`
}

type rawNuclearData struct {
	Library string `yaml:"library" json:"library"`
	Path    string `yaml:"path" json:"path"`
}

// Parse decodes an untrusted YAML or JSON study document into a validated
// StudySpec. Failures return a *ValidationError describing every finding.
func Parse(raw []byte) (*StudySpec, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ValidationError{Issues: []Issue{{Field: "(document)", Message: "empty document"}}}
	}

	// Schema check runs against the generic tree first so structural problems
	// report with schema paths before the strict typed decode.
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Field: "(document)", Message: err.Error()}}}
	}
	jsonTree, err := json.Marshal(tree)
	if err != nil {
		return nil, &ValidationError{Issues: []Issue{{Field: "(document)", Message: err.Error()}}}
	}
	var doc any
	if err := json.Unmarshal(jsonTree, &doc); err != nil {
		return nil, &ValidationError{Issues: []Issue{{Field: "(document)", Message: err.Error()}}}
	}
	if err := studySchema.Validate(doc); err != nil {
		return nil, schemaValidationError(err)
	}

	var rs rawStudy
	if looksLikeJSON(raw) {
		if err := decodeJSONStrict(raw, &rs); err != nil {
			return nil, &ValidationError{Issues: []Issue{{Field: "(document)", Message: err.Error()}}}
		}
	} else {
		if err := decodeYAMLStrict(raw, &rs); err != nil {
			return nil, &ValidationError{Issues: []Issue{{Field: "(document)", Message: err.Error()}}}
		}
	}

	s, err := fromRaw(&rs)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Decode round-trips a canonical JSON document previously produced by
// CanonicalBytes. The stored form is re-validated on the way in.
func Decode(canonical []byte) (*StudySpec, error) {
	return Parse(canonical)
}

func fromRaw(rs *rawStudy) (*StudySpec, error) {
	s := &StudySpec{
		Name:        rs.Name,
		Description: rs.Description,
		Materials:   make(map[string]Material, len(rs.Materials)),
		Settings: Settings{
			Batches:   rs.Settings.Batches,
			Inactive:  rs.Settings.Inactive,
			Particles: rs.Settings.Particles,
			Seed:      rs.Settings.Seed,
		},
		NuclearData: NuclearData{
			Library: rs.NuclearData.Library,
			Path:    rs.NuclearData.Path,
		},
	}
	for name, rm := range rs.Materials {
		nuclides := make([]Nuclide, len(rm.Nuclides))
		for i, rn := range rm.Nuclides {
			nuclides[i] = Nuclide{
				Name:         rn.Name,
				Fraction:     rn.Fraction,
				FractionType: FractionType(rn.FractionType),
			}
		}
		s.Materials[name] = Material{
			Density:      rm.Density,
			DensityUnits: DensityUnits(rm.DensityUnits),
			Temperature:  rm.Temperature,
			Nuclides:     nuclides,
		}
	}
	switch {
	case rs.Geometry.Script != nil && rs.Geometry.Inline != nil:
		return nil, &ValidationError{Issues: []Issue{{Field: "geometry", Message: "exactly one of script or inline is allowed"}}}
	case rs.Geometry.Inline != nil:
		// The inline geometry grammar is undefined in v1.
		return nil, &ValidationError{Issues: []Issue{{Field: "geometry.inline", Message: "inline geometry is not supported"}}}
	case rs.Geometry.Script != nil:
		s.Geometry = GeometryScript{Path: rs.Geometry.Script.Path, Entry: rs.Geometry.Script.Entry}
	}
	if rs.Settings.Source != nil {
		s.Settings.Source = &Source{
			Type:  rs.Settings.Source.Type,
			Lower: rs.Settings.Source.Lower,
			Upper: rs.Settings.Source.Upper,
		}
	}
	return s, nil
}

func schemaValidationError(err error) *ValidationError {
	verr := &ValidationError{}
	var ve *jsonschema.ValidationError
	if ok := asSchemaError(err, &ve); ok {
		for _, cause := range flattenSchemaError(ve) {
			field := strings.TrimPrefix(cause.InstanceLocation, "/")
			if field == "" {
				field = "(document)"
			}
			verr.add(strings.ReplaceAll(field, "/", "."), "%s", cause.Message)
		}
		return verr
	}
	verr.add("(document)", "%s", err.Error())
	return verr
}

func asSchemaError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false
	}
	*target = ve
	return true
}

// flattenSchemaError returns leaf causes; intermediate nodes repeat their
// children's messages with less specific locations.
func flattenSchemaError(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, flattenSchemaError(c)...)
	}
	return out
}

func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func decodeJSONStrict(b []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}
