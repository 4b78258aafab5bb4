package bundle

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openneutron/aonp/internal/spec"
)

const specTemplate = `
name: pin-cell
materials:
  fuel:
    density: 10.4
    density_units: g/cm3
    temperature: 900
    nuclides:
      - { name: U235, fraction: 0.03, fraction_type: atom }
      - { name: U238, fraction: 0.27, fraction_type: atom }
      - { name: O16, fraction: 0.70, fraction_type: atom }
geometry:
  script: { path: SCRIPT, entry: build }
settings:
  batches: 120
  inactive: 20
  particles: 10000
  seed: 42
nuclear_data:
  library: endfb80
  path: /data/endfb80/cross_sections.xml
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "geometry.sh")
	if err := os.WriteFile(path, []byte("#!/usr/bin/env bash\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func parseWithScript(t *testing.T, script string) *spec.StudySpec {
	t.Helper()
	doc := strings.Replace(specTemplate, "SCRIPT", script, 1)
	s, err := spec.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return s
}

func TestCreate_Layout(t *testing.T) {
	script := writeScript(t, `echo '<geometry><cell id="1" region="-1"/></geometry>'`)
	s := parseWithScript(t, script)
	root := t.TempDir()

	b, err := Create(context.Background(), s, "run-1", root)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Dir != filepath.Join(root, "run-1") {
		t.Fatalf("dir: %s", b.Dir)
	}

	for _, rel := range []string{
		"study_spec.json",
		"run_manifest.json",
		"nuclear_data.ref.json",
		"inputs/geometry.sh",
		"inputs/materials.xml",
		"inputs/settings.xml",
		"inputs/geometry.xml",
	} {
		if _, err := os.Stat(filepath.Join(b.Dir, rel)); err != nil {
			t.Fatalf("missing %s: %v", rel, err)
		}
	}
	if fi, err := os.Stat(b.OutputsDir()); err != nil || !fi.IsDir() {
		t.Fatalf("outputs dir: %v", err)
	}

	// study_spec.json is the canonical serialization, byte for byte.
	got, err := os.ReadFile(filepath.Join(b.Dir, "study_spec.json"))
	if err != nil {
		t.Fatalf("read study_spec.json: %v", err)
	}
	if !bytes.Equal(got, spec.CanonicalBytes(s)) {
		t.Fatal("study_spec.json is not the canonical bytes")
	}

	if b.Manifest.SpecHash != spec.Hash(s) {
		t.Fatalf("manifest spec_hash: %s", b.Manifest.SpecHash)
	}
	if len(b.Manifest.Inputs) != 4 {
		t.Fatalf("manifest inputs: %+v", b.Manifest.Inputs)
	}
	for name, in := range b.Manifest.Inputs {
		if in.Bytes == 0 || len(in.BLAKE3) != 64 {
			t.Fatalf("input %s: %+v", name, in)
		}
	}
}

func TestCreate_GeometryScriptReceivesCanonicalSpec(t *testing.T) {
	// The script echoes stdin back wrapped in a comment so the test can
	// observe what it was fed.
	script := writeScript(t, `payload=$(cat); echo "<geometry><!-- $payload --></geometry>"`)
	s := parseWithScript(t, script)

	b, err := Create(context.Background(), s, "run-1", t.TempDir())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	geom, err := os.ReadFile(filepath.Join(b.InputsDir(), "geometry.xml"))
	if err != nil {
		t.Fatalf("read geometry.xml: %v", err)
	}
	if !bytes.Contains(geom, []byte(`\"U235\"`)) && !bytes.Contains(geom, []byte(`"U235"`)) {
		t.Fatalf("geometry script did not receive spec JSON: %s", geom)
	}
}

func TestCreate_SettingsXMLDefaults(t *testing.T) {
	script := writeScript(t, `echo '<geometry/>'`)
	s := parseWithScript(t, script)
	b, err := Create(context.Background(), s, "run-1", t.TempDir())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(b.InputsDir(), "settings.xml"))
	if err != nil {
		t.Fatalf("read settings.xml: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		"<run_mode>eigenvalue</run_mode>",
		"<particles>10000</particles>",
		"<batches>120</batches>",
		"<inactive>20</inactive>",
		"<seed>42</seed>",
		`type="box"`,
		"-0.63 -0.63 -1 0.63 0.63 1",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("settings.xml missing %q:\n%s", want, text)
		}
	}
}

func TestCreate_MaterialsXML(t *testing.T) {
	script := writeScript(t, `echo '<geometry/>'`)
	s := parseWithScript(t, script)
	b, err := Create(context.Background(), s, "run-1", t.TempDir())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(b.InputsDir(), "materials.xml"))
	if err != nil {
		t.Fatalf("read materials.xml: %v", err)
	}
	text := string(data)
	for _, want := range []string{
		`name="fuel"`,
		`value="10.4"`,
		`units="g/cm3"`,
		`<nuclide name="U235" ao="0.03"`,
		"<temperature>900</temperature>",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("materials.xml missing %q:\n%s", want, text)
		}
	}
}

func TestCreate_ConflictOnExistingDir(t *testing.T) {
	script := writeScript(t, `echo '<geometry/>'`)
	s := parseWithScript(t, script)
	root := t.TempDir()
	if _, err := Create(context.Background(), s, "run-1", root); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := Create(context.Background(), s, "run-1", root)
	var berr *Error
	if !errors.As(err, &berr) || berr.Kind != KindIO {
		t.Fatalf("want IO conflict, got %v", err)
	}
}

func TestCreate_ScriptFailureCleansUp(t *testing.T) {
	script := writeScript(t, `echo "boom: bad geometry" >&2; exit 3`)
	s := parseWithScript(t, script)
	root := t.TempDir()

	_, err := Create(context.Background(), s, "run-1", root)
	var berr *Error
	if !errors.As(err, &berr) || berr.Kind != KindGeometryScript {
		t.Fatalf("want geometry script error, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom: bad geometry") {
		t.Fatalf("stderr tail missing from error: %v", err)
	}
	// Partial bundle removed so a retry starts clean.
	if _, statErr := os.Stat(filepath.Join(root, "run-1")); !os.IsNotExist(statErr) {
		t.Fatalf("partial bundle left behind: %v", statErr)
	}
}

func TestCreate_EmptyScriptOutputFails(t *testing.T) {
	script := writeScript(t, `exit 0`)
	s := parseWithScript(t, script)
	_, err := Create(context.Background(), s, "run-1", t.TempDir())
	var berr *Error
	if !errors.As(err, &berr) || berr.Kind != KindGeometryScript {
		t.Fatalf("want geometry script error, got %v", err)
	}
}

func TestVerify_DetectsTamper(t *testing.T) {
	script := writeScript(t, `echo '<geometry/>'`)
	s := parseWithScript(t, script)
	b, err := Create(context.Background(), s, "run-1", t.TempDir())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := Verify(b.Dir); err != nil {
		t.Fatalf("verify clean bundle: %v", err)
	}
	if err := os.WriteFile(filepath.Join(b.InputsDir(), "settings.xml"), []byte("<settings/>"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if err := Verify(b.Dir); err == nil {
		t.Fatal("verify accepted tampered bundle")
	}
}

func TestReadManifest_RoundTrip(t *testing.T) {
	script := writeScript(t, `echo '<geometry/>'`)
	s := parseWithScript(t, script)
	b, err := Create(context.Background(), s, "run-1", t.TempDir())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := ReadManifest(b.Dir)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if m.RunID != "run-1" || m.SpecHash != b.Manifest.SpecHash || m.SchemaVersion != 1 {
		t.Fatalf("manifest: %+v", m)
	}
	if m.Status != "created" || m.Error != nil {
		t.Fatalf("manifest status: %q error=%v", m.Status, m.Error)
	}
}
