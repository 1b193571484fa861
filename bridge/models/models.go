package models

import (
	"net/url"
	"time"
)

// Category identifies one logical class of clinical data retrievable from the
// upstream server.
type Category string

const (
	CategoryVitals       Category = "vital-signs"
	CategoryLabs         Category = "laboratory"
	CategoryConditions   Category = "condition"
	CategoryMedications  Category = "medication"
	CategoryEncounters   Category = "encounter"
	CategoryFluidBalance Category = "fluid-balance"
)

// ClinicalQuery is one logical request for a patient's data in a category.
// Immutable once constructed; decomposition into sub-queries is pure.
type ClinicalQuery struct {
	PatientID string
	Category  Category

	// Code restricts the query to a single code group (e.g. just heart rate).
	// Empty means all groups for the category.
	Code string

	From time.Time
	To   time.Time

	// Latest pins each sub-query to the single most recent result.
	Latest bool
}

// SubQuery is one upstream HTTP call derived from a ClinicalQuery.
type SubQuery struct {
	// Label names the slot this sub-query's result occupies in the
	// aggregated response (e.g. "heart-rate").
	Label  string
	Path   string
	Params url.Values
}

// CanonicalRecord is the normalized representation of a clinical fact. Each
// category has its own variant carrying typed fields.
type CanonicalRecord interface {
	Category() Category
	Effective() time.Time
	// Source is the upstream resource ID the record was derived from.
	Source() string
}

// VitalComponent is one component of a panel observation, e.g. the systolic
// reading inside a blood pressure panel.
type VitalComponent struct {
	Code    string
	Display string
	Value   float64
	Unit    string
}

type VitalSign struct {
	Code          string
	Display       string
	Value         float64
	Unit          string
	Components    []VitalComponent
	EffectiveTime time.Time
	SourceID      string
}

func (VitalSign) Category() Category { return CategoryVitals }
func (v VitalSign) Effective() time.Time { return v.EffectiveTime }
func (v VitalSign) Source() string { return v.SourceID }

type LabResult struct {
	Code           string
	Display        string
	Value          float64
	Unit           string
	Interpretation string
	EffectiveTime  time.Time
	SourceID       string
}

func (LabResult) Category() Category { return CategoryLabs }
func (l LabResult) Effective() time.Time { return l.EffectiveTime }
func (l LabResult) Source() string { return l.SourceID }

type ConditionRecord struct {
	Code               string
	Display            string
	ClinicalStatus     string
	VerificationStatus string
	OnsetTime          time.Time
	SourceID           string
}

func (ConditionRecord) Category() Category { return CategoryConditions }
func (c ConditionRecord) Effective() time.Time { return c.OnsetTime }
func (c ConditionRecord) Source() string { return c.SourceID }

type MedicationRecord struct {
	Code         string
	Display      string
	Status       string
	Route        string
	DoseValue    float64
	DoseUnit     string
	AuthoredTime time.Time
	SourceID     string
}

func (MedicationRecord) Category() Category { return CategoryMedications }
func (m MedicationRecord) Effective() time.Time { return m.AuthoredTime }
func (m MedicationRecord) Source() string { return m.SourceID }

type EncounterRecord struct {
	Class       string
	Type        string
	Status      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	SourceID    string
}

func (EncounterRecord) Category() Category { return CategoryEncounters }
func (e EncounterRecord) Effective() time.Time { return e.PeriodStart }
func (e EncounterRecord) Source() string { return e.SourceID }

type FluidBalanceRecord struct {
	// Kind is "intake" or "output".
	Kind          string
	Code          string
	Display       string
	Volume        float64
	Unit          string
	EffectiveTime time.Time
	SourceID      string
}

func (FluidBalanceRecord) Category() Category { return CategoryFluidBalance }
func (f FluidBalanceRecord) Effective() time.Time { return f.EffectiveTime }
func (f FluidBalanceRecord) Source() string { return f.SourceID }

// PatientRecord is the demographic record returned by patient lookups. It is
// not part of any aggregation category.
type PatientRecord struct {
	ID         string
	Identifier string
	GivenName  string
	FamilyName string
	BirthDate  string
	Gender     string
}

// CategoryError is a category-scoped soft failure embedded in an aggregated
// response, never raised to the caller.
type CategoryError struct {
	Label      string
	StatusCode int
	Message    string
}

// CategoryResult is one slot of an aggregated response. A nil Err with an
// empty Records slice means the upstream genuinely had no data; a non-nil Err
// means the fetch for this slot failed.
type CategoryResult struct {
	Label   string
	Records []CanonicalRecord
	// Skipped counts malformed entries dropped during transformation.
	Skipped int
	Err     *CategoryError
}

// Failed reports whether this slot's fetch failed.
func (r CategoryResult) Failed() bool { return r.Err != nil }

// AggregatedResponse is the final result set for one ClinicalQuery. Every
// decomposed sub-query has a slot, in decomposition order.
type AggregatedResponse struct {
	PatientID string
	Category  Category
	Results   []CategoryResult
	Total     int
}

// FailedCount returns the number of slots whose fetch failed.
func (a *AggregatedResponse) FailedCount() int {
	var n int
	for _, r := range a.Results {
		if r.Failed() {
			n++
		}
	}
	return n
}

// Records returns all records across slots, preserving slot order.
func (a *AggregatedResponse) Records() []CanonicalRecord {
	var out []CanonicalRecord
	for _, r := range a.Results {
		out = append(out, r.Records...)
	}
	return out
}
