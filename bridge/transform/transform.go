// Package transform maps raw search-result bundles into canonical records.
// Mapping rules are category-specific but share one value-extraction
// strategy: locate the clinically-coded value by its recognized code, coerce
// the unit when a recognized alternate is present, and attach the original
// timestamp. A malformed entry is skipped and counted, never fatal; only an
// unrecognizable top-level bundle shape fails the call.
package transform

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clinsight/fhir-bridge/bridge/codes"
	berrors "github.com/clinsight/fhir-bridge/bridge/errors"
	"github.com/clinsight/fhir-bridge/bridge/models"
	fhirmodels "github.com/clinsight/fhir-bridge/bridge/models/fhir"
	"github.com/clinsight/fhir-bridge/log"
)

// entryTransform maps one entry's resource to a record. ok is false when the
// entry is malformed for its category.
type entryTransform func(res map[string]interface{}, group codes.Group) (models.CanonicalRecord, bool)

// The category-to-transform table. Adding a category means adding a row here,
// not branching at call sites.
var categoryTransforms = map[models.Category]entryTransform{
	models.CategoryVitals:       vitalSign,
	models.CategoryLabs:         labResult,
	models.CategoryConditions:   condition,
	models.CategoryMedications:  medication,
	models.CategoryEncounters:   encounter,
	models.CategoryFluidBalance: fluidBalance,
}

var logger logrus.FieldLogger = log.Aggregator

// Bundle transforms a raw bundle into canonical records for the category.
// skipped counts malformed entries that were dropped. Entries whose code the
// group does not recognize are dropped silently (logged, not counted).
func Bundle(b *fhirmodels.Bundle, category models.Category, group codes.Group) (records []models.CanonicalRecord, skipped int, err error) {
	if err := validateShape(b); err != nil {
		return nil, 0, err
	}

	et, ok := categoryTransforms[category]
	if !ok {
		return nil, 0, errors.Errorf("no transform for category %s", category)
	}

	for _, entry := range b.Entries {
		res, ok := entry["resource"].(map[string]interface{})
		if !ok {
			skipped++
			continue
		}

		// Recognition applies only to coded categories with a group.
		if len(group.Codes) > 0 {
			if code, ok := recognizedCode(res, group); !ok {
				logger.WithFields(logrus.Fields{
					"category": category,
					"code":     code,
				}).Debug("dropping entry with unrecognized code")
				continue
			}
		}

		record, ok := et(res, group)
		if !ok {
			skipped++
			continue
		}
		records = append(records, record)
	}

	if skipped > 0 {
		logger.WithFields(logrus.Fields{
			"category": category,
			"skipped":  skipped,
		}).Info("dropped malformed bundle entries")
	}

	return records, skipped, nil
}

// Patient maps a patient search bundle to a single demographic record.
func Patient(b *fhirmodels.Bundle) (*models.PatientRecord, error) {
	if err := validateShape(b); err != nil {
		return nil, err
	}
	if len(b.Entries) == 0 {
		return nil, nil
	}

	res, ok := b.Entries[0]["resource"].(map[string]interface{})
	if !ok {
		return nil, &berrors.MalformedResponseError{Msg: "patient entry missing resource"}
	}

	record := &models.PatientRecord{
		ID:        str(res, "id"),
		BirthDate: str(res, "birthDate"),
		Gender:    str(res, "gender"),
	}
	if record.ID == "" {
		return nil, &berrors.MalformedResponseError{Msg: "patient resource missing id"}
	}

	if names := items(res, "name"); len(names) > 0 {
		if name, ok := names[0].(map[string]interface{}); ok {
			record.FamilyName = str(name, "family")
			if given := items(name, "given"); len(given) > 0 {
				record.GivenName, _ = given[0].(string)
			}
		}
	}
	if ids := items(res, "identifier"); len(ids) > 0 {
		if ident, ok := ids[0].(map[string]interface{}); ok {
			record.Identifier = str(ident, "value")
		}
	}

	return record, nil
}

func validateShape(b *fhirmodels.Bundle) error {
	if b == nil || b.ResourceType != "Bundle" {
		return &berrors.MalformedResponseError{Msg: "payload is not a bundle"}
	}
	if b.Entries == nil && b.Total > 0 {
		return &berrors.MalformedResponseError{Msg: "bundle is missing its entry list"}
	}
	return nil
}

func vitalSign(res map[string]interface{}, group codes.Group) (models.CanonicalRecord, bool) {
	code, _ := recognizedCode(res, group)

	effective, ok := effectiveTime(res)
	if !ok {
		return nil, false
	}

	record := models.VitalSign{
		Code:          code,
		Display:       group.Display,
		EffectiveTime: effective,
		SourceID:      str(res, "id"),
	}

	if value, unit, ok := quantity(res, "valueQuantity"); ok {
		record.Value, record.Unit, _ = convertOrKeep(code, value, unit)
		return record, true
	}

	// Panel observations (e.g. blood pressure) carry component values.
	for _, c := range items(res, "component") {
		comp, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		compCode, compDisplay := firstCoding(comp, "code")
		value, unit, ok := quantity(comp, "valueQuantity")
		if !ok || compCode == "" {
			continue
		}
		record.Components = append(record.Components, models.VitalComponent{
			Code:    compCode,
			Display: compDisplay,
			Value:   value,
			Unit:    unit,
		})
	}
	if len(record.Components) == 0 {
		return nil, false
	}
	return record, true
}

func labResult(res map[string]interface{}, group codes.Group) (models.CanonicalRecord, bool) {
	code, _ := recognizedCode(res, group)
	if code == "" {
		code, _ = firstCoding(res, "code")
	}
	if code == "" {
		return nil, false
	}

	effective, ok := effectiveTime(res)
	if !ok {
		return nil, false
	}
	value, unit, ok := quantity(res, "valueQuantity")
	if !ok {
		return nil, false
	}

	display := group.Display
	if display == "" {
		_, display = firstCoding(res, "code")
	}

	record := models.LabResult{
		Code:          code,
		Display:       display,
		EffectiveTime: effective,
		SourceID:      str(res, "id"),
	}
	record.Value, record.Unit, _ = convertOrKeep(code, value, unit)

	if interps := items(res, "interpretation"); len(interps) > 0 {
		if interp, ok := interps[0].(map[string]interface{}); ok {
			record.Interpretation, _ = firstCoding(interp, "")
		}
	}

	return record, true
}

func condition(res map[string]interface{}, _ codes.Group) (models.CanonicalRecord, bool) {
	code, display := firstCoding(res, "code")
	if code == "" {
		return nil, false
	}

	record := models.ConditionRecord{
		Code:     code,
		Display:  display,
		SourceID: str(res, "id"),
	}
	record.ClinicalStatus, _ = firstCoding(res, "clinicalStatus")
	record.VerificationStatus, _ = firstCoding(res, "verificationStatus")

	if onset, ok := parseTime(str(res, "onsetDateTime")); ok {
		record.OnsetTime = onset
	} else if recorded, ok := parseTime(str(res, "recordedDate")); ok {
		record.OnsetTime = recorded
	}

	return record, true
}

func medication(res map[string]interface{}, _ codes.Group) (models.CanonicalRecord, bool) {
	code, display := firstCoding(res, "medicationCodeableConcept")
	if code == "" {
		return nil, false
	}

	record := models.MedicationRecord{
		Code:     code,
		Display:  display,
		Status:   str(res, "status"),
		SourceID: str(res, "id"),
	}

	if authored, ok := parseTime(str(res, "authoredOn")); ok {
		record.AuthoredTime = authored
	}

	if dosages := items(res, "dosageInstruction"); len(dosages) > 0 {
		if dosage, ok := dosages[0].(map[string]interface{}); ok {
			record.Route, _ = firstCoding(dosage, "route")
			if rates := items(dosage, "doseAndRate"); len(rates) > 0 {
				if rate, ok := rates[0].(map[string]interface{}); ok {
					record.DoseValue, record.DoseUnit, _ = quantity(rate, "doseQuantity")
				}
			}
		}
	}

	return record, true
}

func encounter(res map[string]interface{}, _ codes.Group) (models.CanonicalRecord, bool) {
	record := models.EncounterRecord{
		Status:   str(res, "status"),
		SourceID: str(res, "id"),
	}

	if class, ok := res["class"].(map[string]interface{}); ok {
		record.Class = str(class, "code")
	}
	if types := items(res, "type"); len(types) > 0 {
		if typ, ok := types[0].(map[string]interface{}); ok {
			_, record.Type = firstCoding(typ, "")
		}
	}

	period, ok := res["period"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	start, ok := parseTime(str(period, "start"))
	if !ok {
		return nil, false
	}
	record.PeriodStart = start
	if end, ok := parseTime(str(period, "end")); ok {
		record.PeriodEnd = end
	}

	return record, true
}

func fluidBalance(res map[string]interface{}, group codes.Group) (models.CanonicalRecord, bool) {
	code, _ := recognizedCode(res, group)

	effective, ok := effectiveTime(res)
	if !ok {
		return nil, false
	}
	value, unit, ok := quantity(res, "valueQuantity")
	if !ok {
		return nil, false
	}

	kind := "intake"
	if group.Label == "fluid-output" {
		kind = "output"
	}

	record := models.FluidBalanceRecord{
		Kind:          kind,
		Code:          code,
		Display:       group.Display,
		EffectiveTime: effective,
		SourceID:      str(res, "id"),
	}
	record.Volume, record.Unit, _ = convertOrKeep(code, value, unit)
	return record, true
}
