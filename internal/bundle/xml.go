package bundle

import (
	"encoding/xml"
	"os"
	"strconv"
	"strings"

	"github.com/openneutron/aonp/internal/spec"
)

// The input files follow the OpenMC XML schema so a stock solver binary can
// consume a bundle unmodified.

type xmlMaterials struct {
	XMLName   xml.Name      `xml:"materials"`
	Materials []xmlMaterial `xml:"material"`
}

type xmlMaterial struct {
	ID          int          `xml:"id,attr"`
	Name        string       `xml:"name,attr"`
	Density     xmlDensity   `xml:"density"`
	Temperature float64      `xml:"temperature"`
	Nuclides    []xmlNuclide `xml:"nuclide"`
}

type xmlDensity struct {
	Value float64 `xml:"value,attr"`
	Units string  `xml:"units,attr"`
}

type xmlNuclide struct {
	Name string  `xml:"name,attr"`
	AO   *string `xml:"ao,attr,omitempty"`
	WO   *string `xml:"wo,attr,omitempty"`
}

func writeMaterialsXML(path string, s *spec.StudySpec) error {
	doc := xmlMaterials{}
	// Material IDs assign in sorted-name order so identical specs always
	// produce identical XML.
	for i, name := range s.MaterialNames() {
		m := s.Materials[name]
		xm := xmlMaterial{
			ID:          i + 1,
			Name:        name,
			Density:     xmlDensity{Value: m.Density, Units: string(m.DensityUnits)},
			Temperature: m.Temperature,
		}
		for _, n := range m.Nuclides {
			frac := formatFloat(n.Fraction)
			xn := xmlNuclide{Name: n.Name}
			if n.FractionType == spec.FractionWeight {
				xn.WO = &frac
			} else {
				xn.AO = &frac
			}
			xm.Nuclides = append(xm.Nuclides, xn)
		}
		doc.Materials = append(doc.Materials, xm)
	}
	return writeXML(path, doc)
}

type xmlSettings struct {
	XMLName   xml.Name   `xml:"settings"`
	RunMode   string     `xml:"run_mode"`
	Particles int        `xml:"particles"`
	Batches   int        `xml:"batches"`
	Inactive  int        `xml:"inactive"`
	Seed      int64      `xml:"seed"`
	Source    *xmlSource `xml:"source,omitempty"`
}

type xmlSource struct {
	Space xmlSpace `xml:"space"`
}

type xmlSpace struct {
	Type       string `xml:"type,attr"`
	Parameters string `xml:"parameters"`
}

// defaultSource bounds the starting distribution when the spec omits one: a
// 2x2cm pin-pitch box around the origin.
var defaultSource = spec.Source{
	Type:  "box",
	Lower: [3]float64{-0.63, -0.63, -1},
	Upper: [3]float64{0.63, 0.63, 1},
}

func writeSettingsXML(path string, s *spec.StudySpec) error {
	src := s.Settings.Source
	if src == nil {
		d := defaultSource
		src = &d
	}
	params := make([]string, 0, 6)
	for _, v := range src.Lower {
		params = append(params, formatFloat(v))
	}
	for _, v := range src.Upper {
		params = append(params, formatFloat(v))
	}
	doc := xmlSettings{
		RunMode:   "eigenvalue",
		Particles: s.Settings.Particles,
		Batches:   s.Settings.Batches,
		Inactive:  s.Settings.Inactive,
		Seed:      s.Settings.Seed,
		Source: &xmlSource{
			Space: xmlSpace{Type: src.Type, Parameters: strings.Join(params, " ")},
		},
	}
	return writeXML(path, doc)
}

func writeXML(path string, doc any) error {
	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return ioErr("encode "+path, err)
	}
	out := append([]byte(xml.Header), data...)
	out = append(out, '\n')
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return ioErr("write "+path, err)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
