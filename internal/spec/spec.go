// Package spec defines the validated study model and its canonical,
// content-addressed serialization.
package spec

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

type DensityUnits string

const (
	DensityGramsPerCC  DensityUnits = "g/cm3"
	DensityAtomPerBCm  DensityUnits = "atom/b-cm"
)

type FractionType string

const (
	FractionAtom   FractionType = "atom"
	FractionWeight FractionType = "weight"
)

// Nuclide names follow the element+mass convention used by solver data
// libraries: U235, H1, O16, Am242_m1.
var nuclideNamePattern = regexp.MustCompile(`^[A-Z][a-z]?[0-9]{1,3}(_m[0-9])?$`)

// fractionSumTolerance bounds the accepted sum of nuclide fractions per
// material: [1-fractionSumTolerance, 1+fractionSumTolerance]. The epsilon
// keeps sums that land exactly on the bound from being rejected for float
// rounding.
const (
	fractionSumTolerance = 0.01
	fractionSumEps       = 1e-9
)

type Nuclide struct {
	Name         string
	Fraction     float64
	FractionType FractionType
}

type Material struct {
	Density      float64
	DensityUnits DensityUnits
	Temperature  float64 // Kelvin

	// Nuclides is order-preserving: declaration order is part of the
	// canonical identity of the material.
	Nuclides []Nuclide
}

// Geometry is a sum type. v1 supports only script-produced geometry; the
// inline form is rejected at parse time because its grammar is undefined.
type Geometry interface {
	isGeometry()
}

// GeometryScript references an external script that emits the solver's
// geometry file on stdout when fed the canonical materials object.
type GeometryScript struct {
	Path  string
	Entry string
}

func (GeometryScript) isGeometry() {}

// Source describes the starting particle distribution. When nil, the bundler
// emits a fixed default (uniform over a declared bounding box).
type Source struct {
	Type  string // "box"
	Lower [3]float64
	Upper [3]float64
}

type Settings struct {
	Batches   int
	Inactive  int
	Particles int
	Seed      int64
	Source    *Source
}

type NuclearData struct {
	Library string
	Path    string
}

// StudySpec is an immutable, validated description of a Monte Carlo
// neutronics problem. Its identity is the SHA-256 of CanonicalBytes.
type StudySpec struct {
	Name        string
	Description string
	Materials   map[string]Material
	Geometry    Geometry
	Settings    Settings
	NuclearData NuclearData
}

// MaterialNames returns material names in sorted order, the iteration order
// used everywhere determinism matters.
func (s *StudySpec) MaterialNames() []string {
	names := make([]string, 0, len(s.Materials))
	for name := range s.Materials {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Issue is a single validation finding, addressed by a dotted field path.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a submitted spec. It never enters the run
// lifecycle; submitters receive it synchronously.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid study spec"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, iss := range e.Issues {
		parts = append(parts, fmt.Sprintf("%s: %s", iss.Field, iss.Message))
	}
	return "invalid study spec: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Issues = append(e.Issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the semantic invariants that the wire schema cannot
// express. A nil return means the spec is admissible.
func (s *StudySpec) Validate() error {
	verr := &ValidationError{}

	if strings.TrimSpace(s.Name) == "" {
		verr.add("name", "must be non-empty")
	}
	if len(s.Materials) == 0 {
		verr.add("materials", "at least one material is required")
	}
	for _, name := range s.MaterialNames() {
		m := s.Materials[name]
		field := "materials." + name
		if m.Density <= 0 {
			verr.add(field+".density", "must be positive (got %v)", m.Density)
		}
		switch m.DensityUnits {
		case DensityGramsPerCC, DensityAtomPerBCm:
		default:
			verr.add(field+".density_units", "unknown units %q (want %q or %q)", m.DensityUnits, DensityGramsPerCC, DensityAtomPerBCm)
		}
		if m.Temperature <= 0 {
			verr.add(field+".temperature", "must be positive Kelvin (got %v)", m.Temperature)
		}
		if len(m.Nuclides) == 0 {
			verr.add(field+".nuclides", "at least one nuclide is required")
		}
		sum := 0.0
		for i, n := range m.Nuclides {
			nf := fmt.Sprintf("%s.nuclides[%d]", field, i)
			if !nuclideNamePattern.MatchString(n.Name) {
				verr.add(nf+".name", "invalid nuclide name %q", n.Name)
			}
			if n.Fraction <= 0 || n.Fraction > 1 {
				verr.add(nf+".fraction", "must be in (0, 1] (got %v)", n.Fraction)
			}
			switch n.FractionType {
			case FractionAtom, FractionWeight:
			default:
				verr.add(nf+".fraction_type", "unknown fraction type %q (want %q or %q)", n.FractionType, FractionAtom, FractionWeight)
			}
			sum += n.Fraction
		}
		if len(m.Nuclides) > 0 && (sum < 1-fractionSumTolerance-fractionSumEps || sum > 1+fractionSumTolerance+fractionSumEps) {
			verr.add(field+".nuclides", "fractions sum to %v, outside [%v, %v]", sum, 1-fractionSumTolerance, 1+fractionSumTolerance)
		}
	}

	switch g := s.Geometry.(type) {
	case GeometryScript:
		if strings.TrimSpace(g.Path) == "" {
			verr.add("geometry.script.path", "must be non-empty")
		}
		if strings.TrimSpace(g.Entry) == "" {
			verr.add("geometry.script.entry", "must be non-empty")
		}
	case nil:
		verr.add("geometry", "is required")
	default:
		verr.add("geometry", "unsupported geometry form")
	}

	if s.Settings.Batches <= 0 {
		verr.add("settings.batches", "must be > 0 (got %d)", s.Settings.Batches)
	}
	if s.Settings.Inactive < 0 {
		verr.add("settings.inactive", "must be >= 0 (got %d)", s.Settings.Inactive)
	}
	if s.Settings.Batches > 0 && s.Settings.Inactive >= s.Settings.Batches {
		verr.add("settings.inactive", "must be < batches (%d >= %d)", s.Settings.Inactive, s.Settings.Batches)
	}
	if s.Settings.Particles <= 0 {
		verr.add("settings.particles", "must be > 0 (got %d)", s.Settings.Particles)
	}
	if src := s.Settings.Source; src != nil {
		if src.Type != "box" {
			verr.add("settings.source.type", "unsupported source type %q", src.Type)
		}
		for i := 0; i < 3; i++ {
			if src.Lower[i] >= src.Upper[i] {
				verr.add("settings.source", "lower[%d] must be < upper[%d]", i, i)
			}
		}
	}

	if strings.TrimSpace(s.NuclearData.Library) == "" {
		verr.add("nuclear_data.library", "must be non-empty")
	}
	if strings.TrimSpace(s.NuclearData.Path) == "" {
		verr.add("nuclear_data.path", "must be non-empty")
	}

	if len(verr.Issues) > 0 {
		return verr
	}
	return nil
}
