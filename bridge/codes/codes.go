// Package codes holds the static clinical code tables the bridge queries and
// recognizes. Tables are data, not branching logic: the aggregator reads them
// to decompose queries and the transformer reads them to recognize values.
// Deployments can replace the defaults from a YAML file at process start.
package codes

import (
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const LOINCSystem = "http://loinc.org"

// Group is one clinically-coded group queried as a unit. Codes lists every
// code accepted for the group; the first code is the one used in search
// parameters when the upstream expects a single primary code.
type Group struct {
	Label   string   `mapstructure:"label"`
	Display string   `mapstructure:"display"`
	System  string   `mapstructure:"system"`
	Codes   []string `mapstructure:"codes"`
}

var vitalGroups = []Group{
	{Label: "heart-rate", Display: "Heart rate", System: LOINCSystem, Codes: []string{"8867-4"}},
	{Label: "blood-pressure", Display: "Blood pressure panel", System: LOINCSystem, Codes: []string{"85354-9", "55284-4"}},
	{Label: "temperature", Display: "Body temperature", System: LOINCSystem, Codes: []string{"8310-5"}},
	{Label: "respiratory-rate", Display: "Respiratory rate", System: LOINCSystem, Codes: []string{"9279-1"}},
	{Label: "oxygen-saturation", Display: "Oxygen saturation", System: LOINCSystem, Codes: []string{"2708-6", "59408-5"}},
	{Label: "glasgow-coma-score", Display: "Glasgow coma score", System: LOINCSystem, Codes: []string{"9269-2"}},
}

var criticalLabGroups = []Group{
	{Label: "lactate", Display: "Lactate", System: LOINCSystem, Codes: []string{"2524-7", "32693-4"}},
	{Label: "white-blood-cells", Display: "Leukocytes", System: LOINCSystem, Codes: []string{"6690-2"}},
	{Label: "creatinine", Display: "Creatinine", System: LOINCSystem, Codes: []string{"2160-0"}},
	{Label: "bilirubin", Display: "Bilirubin total", System: LOINCSystem, Codes: []string{"1975-2"}},
	{Label: "platelets", Display: "Platelets", System: LOINCSystem, Codes: []string{"777-3"}},
	{Label: "procalcitonin", Display: "Procalcitonin", System: LOINCSystem, Codes: []string{"33959-8"}},
}

var fluidGroups = []Group{
	{Label: "fluid-intake", Display: "Fluid intake", System: LOINCSystem, Codes: []string{"9192-6", "9102-5"}},
	{Label: "fluid-output", Display: "Fluid output", System: LOINCSystem, Codes: []string{"9187-6", "3167-4"}},
}

// Blood pressure panel component codes.
const (
	SystolicCode  = "8480-6"
	DiastolicCode = "8462-4"
)

// VitalGroups returns the vital-sign code groups in stable decomposition
// order.
func VitalGroups() []Group { return copyGroups(vitalGroups) }

// CriticalLabGroups returns the sepsis-relevant lab panel in stable order.
func CriticalLabGroups() []Group { return copyGroups(criticalLabGroups) }

// FluidGroups returns the intake/output groups in stable order.
func FluidGroups() []Group { return copyGroups(fluidGroups) }

func copyGroups(src []Group) []Group {
	out := make([]Group, len(src))
	copy(out, src)
	return out
}

// FindGroup locates a group by label across all tables.
func FindGroup(label string) (Group, bool) {
	for _, tbl := range [][]Group{vitalGroups, criticalLabGroups, fluidGroups} {
		for _, g := range tbl {
			if g.Label == label {
				return g, true
			}
		}
	}
	return Group{}, false
}

// Recognizes reports whether the group accepts the given code.
func (g Group) Recognizes(code string) bool {
	for _, c := range g.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// Conversion rewrites a recognized alternate unit into the canonical one.
// Offset is applied before Factor.
type Conversion struct {
	Code   string  `mapstructure:"code"` // empty applies to any code
	Unit   string  `mapstructure:"unit"`
	To     string  `mapstructure:"to"`
	Factor float64 `mapstructure:"factor"`
	Offset float64 `mapstructure:"offset"`
}

var conversions = []Conversion{
	{Unit: "degF", To: "Cel", Factor: 5.0 / 9.0, Offset: -32},
	{Unit: "[degF]", To: "Cel", Factor: 5.0 / 9.0, Offset: -32},
	// Lactate reported in mg/dL instead of mmol/L.
	{Code: "2524-7", Unit: "mg/dL", To: "mmol/L", Factor: 1.0 / 9.01},
	{Unit: "L", To: "mL", Factor: 1000},
}

// Convert coerces value/unit to the canonical unit for the code when a
// recognized alternate unit is present. The boolean reports whether a
// conversion applied.
func Convert(code string, value float64, unit string) (float64, string, bool) {
	for _, c := range conversions {
		if c.Unit != unit {
			continue
		}
		if c.Code != "" && c.Code != code {
			continue
		}
		return (value + c.Offset) * c.Factor, c.To, true
	}
	return value, unit, false
}

type overrides struct {
	Vitals       []Group      `mapstructure:"vitals"`
	CriticalLabs []Group      `mapstructure:"critical_labs"`
	Fluids       []Group      `mapstructure:"fluids"`
	Conversions  []Conversion `mapstructure:"conversions"`
}

// LoadOverrides replaces the default tables with the contents of a YAML file.
// Call once at process start, before any queries run; tables are read-only
// afterwards.
func LoadOverrides(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "could not read code table file %s", path)
	}

	var o overrides
	if err := v.Unmarshal(&o, func(dc *mapstructure.DecoderConfig) { dc.ErrorUnused = true }); err != nil {
		return errors.Wrapf(err, "could not parse code table file %s", path)
	}

	if len(o.Vitals) > 0 {
		vitalGroups = o.Vitals
	}
	if len(o.CriticalLabs) > 0 {
		criticalLabGroups = o.CriticalLabs
	}
	if len(o.Fluids) > 0 {
		fluidGroups = o.Fluids
	}
	if len(o.Conversions) > 0 {
		conversions = o.Conversions
	}
	return nil
}
