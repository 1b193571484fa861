package transform

import (
	"encoding/json"
	"time"

	"github.com/clinsight/fhir-bridge/bridge/codes"
)

// Helpers for walking the loosely-typed resource maps the upstream returns.
// Upstream data is heterogeneous by nature, so every accessor tolerates a
// missing or differently-typed field.

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func items(m map[string]interface{}, key string) []interface{} {
	s, _ := m[key].([]interface{})
	return s
}

// firstCoding returns the code and display of the first coding in the
// CodeableConcept at key. An empty key treats m itself as the concept.
func firstCoding(m map[string]interface{}, key string) (code, display string) {
	concept := m
	if key != "" {
		var ok bool
		if concept, ok = m[key].(map[string]interface{}); !ok {
			return "", ""
		}
	}
	for _, c := range items(concept, "coding") {
		coding, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if code = str(coding, "code"); code != "" {
			return code, str(coding, "display")
		}
	}
	return "", ""
}

// recognizedCode scans every coding on the resource's code element for one
// the group accepts. When none matches, the first code seen comes back with
// ok == false so callers can log it.
func recognizedCode(res map[string]interface{}, group codes.Group) (string, bool) {
	concept, ok := res["code"].(map[string]interface{})
	if !ok {
		return "", false
	}

	var first string
	for _, c := range items(concept, "coding") {
		coding, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		code := str(coding, "code")
		if code == "" {
			continue
		}
		if first == "" {
			first = code
		}
		if group.Recognizes(code) {
			return code, true
		}
	}
	return first, false
}

// quantity extracts value and unit from the Quantity element at key.
func quantity(m map[string]interface{}, key string) (value float64, unit string, ok bool) {
	q, isMap := m[key].(map[string]interface{})
	if !isMap {
		return 0, "", false
	}

	switch v := q["value"].(type) {
	case float64:
		value = v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, "", false
		}
		value = f
	default:
		return 0, "", false
	}

	if unit = str(q, "unit"); unit == "" {
		unit = str(q, "code")
	}
	return value, unit, true
}

// effectiveTime finds the observation timestamp: effectiveDateTime, then the
// start of effectivePeriod, then issued.
func effectiveTime(res map[string]interface{}) (time.Time, bool) {
	if t, ok := parseTime(str(res, "effectiveDateTime")); ok {
		return t, true
	}
	if period, ok := res["effectivePeriod"].(map[string]interface{}); ok {
		if t, ok := parseTime(str(period, "start")); ok {
			return t, true
		}
	}
	return parseTime(str(res, "issued"))
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func convertOrKeep(code string, value float64, unit string) (float64, string, bool) {
	return codes.Convert(code, value, unit)
}
