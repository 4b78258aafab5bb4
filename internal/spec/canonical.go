package spec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf8"
)

// CanonicalBytes produces the deterministic serialization used for hashing
// and on-disk persistence: JSON with lexicographically sorted object keys at
// every depth, no insignificant whitespace, shortest round-trip numbers
// (integers without a fractional part), and only the escapes JSON mandates.
//
// Nuclide lists are ordered and keep declaration order; the materials mapping
// is set-like and serializes under sorted material names.
func CanonicalBytes(s *StudySpec) []byte {
	var buf bytes.Buffer
	encodeCanonical(&buf, s.canonicalTree())
	return buf.Bytes()
}

// Hash is the lowercase hex SHA-256 of CanonicalBytes: the identity of a
// Study, stable across reformatting of the source document.
func Hash(s *StudySpec) string {
	sum := sha256.Sum256(CanonicalBytes(s))
	return hex.EncodeToString(sum[:])
}

func (s *StudySpec) canonicalTree() map[string]any {
	materials := make(map[string]any, len(s.Materials))
	for name, m := range s.Materials {
		nuclides := make([]any, len(m.Nuclides))
		for i, n := range m.Nuclides {
			nuclides[i] = map[string]any{
				"name":          n.Name,
				"fraction":      n.Fraction,
				"fraction_type": string(n.FractionType),
			}
		}
		materials[name] = map[string]any{
			"density":       m.Density,
			"density_units": string(m.DensityUnits),
			"temperature":   m.Temperature,
			"nuclides":      nuclides,
		}
	}

	tree := map[string]any{
		"name":      s.Name,
		"materials": materials,
		"geometry":  canonicalGeometry(s.Geometry),
		"settings":  canonicalSettings(s.Settings),
		"nuclear_data": map[string]any{
			"library": s.NuclearData.Library,
			"path":    s.NuclearData.Path,
		},
	}
	if s.Description != "" {
		tree["description"] = s.Description
	}
	return tree
}

func canonicalGeometry(g Geometry) map[string]any {
	switch gs := g.(type) {
	case GeometryScript:
		return map[string]any{
			"script": map[string]any{
				"path":  gs.Path,
				"entry": gs.Entry,
			},
		}
	default:
		return map[string]any{}
	}
}

func canonicalSettings(st Settings) map[string]any {
	m := map[string]any{
		"batches":   int64(st.Batches),
		"inactive":  int64(st.Inactive),
		"particles": int64(st.Particles),
		"seed":      st.Seed,
	}
	if st.Source != nil {
		m["source"] = map[string]any{
			"type":  st.Source.Type,
			"lower": []any{st.Source.Lower[0], st.Source.Lower[1], st.Source.Lower[2]},
			"upper": []any{st.Source.Upper[0], st.Source.Upper[1], st.Source.Upper[2]},
		}
	}
	return m
}

func encodeCanonical(buf *bytes.Buffer, v any) {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeCanonicalString(buf, t)
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case float64:
		encodeCanonicalNumber(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeCanonical(buf, elem)
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeCanonicalString(buf, k)
			buf.WriteByte(':')
			encodeCanonical(buf, t[k])
		}
		buf.WriteByte('}')
	default:
		// canonicalTree only emits the cases above; anything else is a bug.
		panic(fmt.Sprintf("canonical encode: unsupported type %T", v))
	}
}

// encodeCanonicalNumber writes the shortest decimal that round-trips the
// float64; integral values serialize without a fractional part.
func encodeCanonicalNumber(buf *bytes.Buffer, f float64) {
	if f == float64(int64(f)) && f >= -1e15 && f <= 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

// encodeCanonicalString escapes only what JSON requires: quote, backslash,
// and control characters. No HTML-safety escaping.
func encodeCanonicalString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else if r == utf8.RuneError {
				buf.WriteString(`�`)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
