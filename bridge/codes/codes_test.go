package codes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVitalGroupsStableOrder(t *testing.T) {
	want := []string{"heart-rate", "blood-pressure", "temperature",
		"respiratory-rate", "oxygen-saturation", "glasgow-coma-score"}

	groups := VitalGroups()
	assert.Len(t, groups, len(want))
	for i, g := range groups {
		assert.Equal(t, want[i], g.Label)
	}
}

func TestRecognizes(t *testing.T) {
	g, ok := FindGroup("oxygen-saturation")
	assert.True(t, ok)
	assert.True(t, g.Recognizes("2708-6"))
	assert.True(t, g.Recognizes("59408-5"))
	assert.False(t, g.Recognizes("8867-4"))

	_, ok = FindGroup("no-such-group")
	assert.False(t, ok)
}

func TestConvert(t *testing.T) {
	v, unit, ok := Convert("8310-5", 98.6, "degF")
	assert.True(t, ok)
	assert.Equal(t, "Cel", unit)
	assert.InDelta(t, 37.0, v, 0.01)

	v, unit, ok = Convert("2524-7", 18.02, "mg/dL")
	assert.True(t, ok)
	assert.Equal(t, "mmol/L", unit)
	assert.InDelta(t, 2.0, v, 0.01)

	// mg/dL coercion is lactate-specific
	_, _, ok = Convert("2160-0", 1.0, "mg/dL")
	assert.False(t, ok)

	v, unit, ok = Convert("9187-6", 1.5, "L")
	assert.True(t, ok)
	assert.Equal(t, "mL", unit)
	assert.InDelta(t, 1500, v, 0.01)

	_, _, ok = Convert("8867-4", 72, "/min")
	assert.False(t, ok)
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "codes.yaml")
	content := `
vitals:
  - label: heart-rate
    display: Heart rate
    system: http://loinc.org
    codes: ["8867-4", "8889-8"]
`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0600))

	orig := VitalGroups()
	t.Cleanup(func() { vitalGroups = orig })

	assert.NoError(t, LoadOverrides(path))
	groups := VitalGroups()
	assert.Len(t, groups, 1)
	assert.True(t, groups[0].Recognizes("8889-8"))

	assert.Error(t, LoadOverrides(filepath.Join(dir, "missing.yaml")))
}
