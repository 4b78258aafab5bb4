// Package bundle materializes a validated study into the self-contained
// on-disk directory the solver runs from.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"github.com/openneutron/aonp/internal/spec"
)

// ErrorKind classifies bundling failures for the run error taxonomy.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindGeometryScript ErrorKind = "geometry_script"
	KindIO             ErrorKind = "io"
)

// Error wraps a bundling failure with its classification.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bundle %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func ioErr(op string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

// Manifest is the provenance record written to run_manifest.json. It
// reflects state at creation and is never rewritten; Status is always
// "created" and Error always null.
type Manifest struct {
	SchemaVersion int              `json:"schema_version"`
	RunID         string           `json:"run_id"`
	SpecHash      string           `json:"spec_hash"`
	CreatedAt     time.Time        `json:"created_at"`
	Status        string           `json:"status"`
	Error         *string          `json:"error"`
	Inputs        map[string]Input `json:"inputs"`
	NuclearData   NuclearDataRef   `json:"nuclear_data"`
	GeometryBy    string           `json:"geometry_script,omitempty"`
}

// Input records one file under inputs/ with its size and content hash.
type Input struct {
	Bytes  int64  `json:"bytes"`
	BLAKE3 string `json:"blake3"`
}

// NuclearDataRef points at the cross-section library the bundle was built
// against. The data itself is referenced, never copied.
type NuclearDataRef struct {
	Library string `json:"library"`
	Path    string `json:"path"`
}

// Bundle is a completed run directory.
type Bundle struct {
	Dir      string
	Manifest Manifest
}

// InputsDir is where the solver is invoked from.
func (b *Bundle) InputsDir() string { return filepath.Join(b.Dir, "inputs") }

// OutputsDir collects solver products: logs, statepoints, the summary file.
func (b *Bundle) OutputsDir() string { return filepath.Join(b.Dir, "outputs") }

const manifestName = "run_manifest.json"

// Create builds the bundle directory for a run under runsRoot. The directory
// must not already exist; a partial directory left by a failure is removed so
// a retry starts clean.
func Create(ctx context.Context, s *spec.StudySpec, runID, runsRoot string) (*Bundle, error) {
	if err := s.Validate(); err != nil {
		return nil, &Error{Kind: KindValidation, Op: "validate", Err: err}
	}
	dir := filepath.Join(runsRoot, runID)
	if _, err := os.Stat(dir); err == nil {
		return nil, &Error{Kind: KindIO, Op: "create", Err: fmt.Errorf("bundle directory %s already exists", dir)}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ioErr("create", err)
	}

	b, err := build(ctx, s, runID, dir)
	if err != nil {
		// A half-written bundle must not survive; the retry recreates it.
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return b, nil
}

func build(ctx context.Context, s *spec.StudySpec, runID, dir string) (*Bundle, error) {
	inputsDir := filepath.Join(dir, "inputs")
	outputsDir := filepath.Join(dir, "outputs")
	for _, d := range []string{inputsDir, outputsDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, ioErr("mkdir", err)
		}
	}

	canonical := spec.CanonicalBytes(s)
	if err := os.WriteFile(filepath.Join(dir, "study_spec.json"), canonical, 0o644); err != nil {
		return nil, ioErr("write study_spec.json", err)
	}

	if err := writeMaterialsXML(filepath.Join(inputsDir, "materials.xml"), s); err != nil {
		return nil, err
	}
	if err := writeSettingsXML(filepath.Join(inputsDir, "settings.xml"), s); err != nil {
		return nil, err
	}

	var scriptCopy string
	gs, ok := s.Geometry.(spec.GeometryScript)
	if !ok {
		return nil, &Error{Kind: KindValidation, Op: "geometry", Err: fmt.Errorf("unsupported geometry form %T", s.Geometry)}
	}
	geomXML, err := runGeometryScript(ctx, gs, s)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(inputsDir, "geometry.xml"), geomXML, 0o644); err != nil {
		return nil, ioErr("write geometry.xml", err)
	}
	// Copy the script into inputs/ so the run is reproducible even if the
	// source tree moves. It is checksummed with the other inputs.
	scriptCopy = filepath.Base(gs.Path)
	src, err := os.ReadFile(gs.Path)
	if err != nil {
		return nil, ioErr("copy geometry script", err)
	}
	if err := os.WriteFile(filepath.Join(inputsDir, scriptCopy), src, 0o755); err != nil {
		return nil, ioErr("copy geometry script", err)
	}

	ref := NuclearDataRef{Library: s.NuclearData.Library, Path: s.NuclearData.Path}
	refJSON, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return nil, ioErr("encode nuclear_data.ref.json", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nuclear_data.ref.json"), append(refJSON, '\n'), 0o644); err != nil {
		return nil, ioErr("write nuclear_data.ref.json", err)
	}

	inputs, err := checksumInputs(inputsDir)
	if err != nil {
		return nil, err
	}
	m := Manifest{
		SchemaVersion: 1,
		RunID:         runID,
		SpecHash:      spec.Hash(s),
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond),
		Status:        "created",
		Inputs:        inputs,
		NuclearData:   ref,
		GeometryBy:    scriptCopy,
	}
	if err := writeManifest(dir, m); err != nil {
		return nil, err
	}
	return &Bundle{Dir: dir, Manifest: m}, nil
}

func checksumInputs(inputsDir string) (map[string]Input, error) {
	entries, err := os.ReadDir(inputsDir)
	if err != nil {
		return nil, ioErr("read inputs", err)
	}
	inputs := make(map[string]Input, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(inputsDir, e.Name()))
		if err != nil {
			return nil, ioErr("read "+e.Name(), err)
		}
		sum := blake3.Sum256(data)
		inputs[e.Name()] = Input{
			Bytes:  int64(len(data)),
			BLAKE3: fmt.Sprintf("%x", sum),
		}
	}
	return inputs, nil
}

func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return ioErr("encode manifest", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), append(data, '\n'), 0o644); err != nil {
		return ioErr("write manifest", err)
	}
	return nil
}

// ReadManifest loads the manifest from an existing bundle directory.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Manifest{}, ioErr("read manifest", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, ioErr("decode manifest", err)
	}
	return m, nil
}

// Verify re-hashes the bundle inputs against the manifest. Used before
// execution when a worker resumes a run it did not bundle itself.
func Verify(dir string) error {
	m, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	got, err := checksumInputs(filepath.Join(dir, "inputs"))
	if err != nil {
		return err
	}
	for name, want := range m.Inputs {
		g, ok := got[name]
		if !ok {
			return &Error{Kind: KindIO, Op: "verify", Err: fmt.Errorf("input %s missing", name)}
		}
		if g.BLAKE3 != want.BLAKE3 {
			return &Error{Kind: KindIO, Op: "verify", Err: fmt.Errorf("input %s checksum mismatch", name)}
		}
	}
	return nil
}
