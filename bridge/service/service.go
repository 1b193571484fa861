// Package service is the produced interface of the integration layer: one
// call per logical clinical category. Routing and scoring layers depend on
// this package only.
package service

import (
	"context"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clinsight/fhir-bridge/bridge/aggregator"
	"github.com/clinsight/fhir-bridge/bridge/client"
	"github.com/clinsight/fhir-bridge/bridge/models"
	"github.com/clinsight/fhir-bridge/bridge/transform"
	"github.com/clinsight/fhir-bridge/log"
)

// criticalLabWindow is how far back FetchCriticalLabs looks.
const criticalLabWindow = 72 * time.Hour

// Service exposes patient-scoped clinical retrieval, one call per category.
// Category calls return a partial-success AggregatedResponse; they fail
// outright only on an authorization failure or when every sub-query failed.
type Service interface {
	FetchVitals(ctx context.Context, patientID string, from, to time.Time) (*models.AggregatedResponse, error)
	FetchLatestVitals(ctx context.Context, patientID string) (*models.AggregatedResponse, error)
	FetchLabs(ctx context.Context, patientID, code string, from, to time.Time) (*models.AggregatedResponse, error)
	FetchCriticalLabs(ctx context.Context, patientID string) (*models.AggregatedResponse, error)
	FetchEncounter(ctx context.Context, patientID string) (*models.EncounterRecord, error)
	FetchConditions(ctx context.Context, patientID string) (*models.AggregatedResponse, error)
	FetchMedications(ctx context.Context, patientID string, from, to time.Time) (*models.AggregatedResponse, error)
	FetchFluidBalance(ctx context.Context, patientID string, from, to time.Time) (*models.AggregatedResponse, error)
	MatchPatient(ctx context.Context, identifier string) (*models.PatientRecord, error)
	FetchPatient(ctx context.Context, patientID string) (*models.PatientRecord, error)
}

type service struct {
	agg    aggregator.Aggregator
	api    client.APIClient
	logger logrus.FieldLogger
	now    func() time.Time
}

var _ Service = &service{}

// New builds the service on an API client. The aggregator it needs is
// constructed internally from the same client.
func New(api client.APIClient) Service {
	return &service{
		agg:    aggregator.New(api),
		api:    api,
		logger: log.API,
		now:    time.Now,
	}
}

func (s *service) FetchVitals(ctx context.Context, patientID string, from, to time.Time) (*models.AggregatedResponse, error) {
	return s.agg.Aggregate(ctx, models.ClinicalQuery{
		PatientID: patientID,
		Category:  models.CategoryVitals,
		From:      from,
		To:        to,
	})
}

func (s *service) FetchLatestVitals(ctx context.Context, patientID string) (*models.AggregatedResponse, error) {
	return s.agg.Aggregate(ctx, models.ClinicalQuery{
		PatientID: patientID,
		Category:  models.CategoryVitals,
		Latest:    true,
	})
}

func (s *service) FetchLabs(ctx context.Context, patientID, code string, from, to time.Time) (*models.AggregatedResponse, error) {
	return s.agg.Aggregate(ctx, models.ClinicalQuery{
		PatientID: patientID,
		Category:  models.CategoryLabs,
		Code:      code,
		From:      from,
		To:        to,
	})
}

func (s *service) FetchCriticalLabs(ctx context.Context, patientID string) (*models.AggregatedResponse, error) {
	to := s.now()
	return s.agg.Aggregate(ctx, models.ClinicalQuery{
		PatientID: patientID,
		Category:  models.CategoryLabs,
		From:      to.Add(-criticalLabWindow),
		To:        to,
	})
}

// FetchEncounter returns the patient's most recent encounter, or nil when
// the patient has none on record.
func (s *service) FetchEncounter(ctx context.Context, patientID string) (*models.EncounterRecord, error) {
	resp, err := s.agg.Aggregate(ctx, models.ClinicalQuery{
		PatientID: patientID,
		Category:  models.CategoryEncounters,
		Latest:    true,
	})
	if err != nil {
		return nil, err
	}

	records := resp.Records()
	if len(records) == 0 {
		return nil, nil
	}
	enc := records[0].(models.EncounterRecord)
	return &enc, nil
}

func (s *service) FetchConditions(ctx context.Context, patientID string) (*models.AggregatedResponse, error) {
	return s.agg.Aggregate(ctx, models.ClinicalQuery{
		PatientID: patientID,
		Category:  models.CategoryConditions,
	})
}

func (s *service) FetchMedications(ctx context.Context, patientID string, from, to time.Time) (*models.AggregatedResponse, error) {
	return s.agg.Aggregate(ctx, models.ClinicalQuery{
		PatientID: patientID,
		Category:  models.CategoryMedications,
		From:      from,
		To:        to,
	})
}

func (s *service) FetchFluidBalance(ctx context.Context, patientID string, from, to time.Time) (*models.AggregatedResponse, error) {
	return s.agg.Aggregate(ctx, models.ClinicalQuery{
		PatientID: patientID,
		Category:  models.CategoryFluidBalance,
		From:      from,
		To:        to,
	})
}

// MatchPatient resolves a business identifier (such as an MRN) to a
// demographic record. nil means the upstream has no matching patient.
func (s *service) MatchPatient(ctx context.Context, identifier string) (*models.PatientRecord, error) {
	return s.patientSearch(ctx, url.Values{"identifier": []string{identifier}})
}

// FetchPatient looks a patient up by upstream resource ID.
func (s *service) FetchPatient(ctx context.Context, patientID string) (*models.PatientRecord, error) {
	return s.patientSearch(ctx, url.Values{"_id": []string{patientID}})
}

func (s *service) patientSearch(ctx context.Context, params url.Values) (*models.PatientRecord, error) {
	params.Set("_count", "1")
	bundle, err := s.api.Execute(ctx, models.SubQuery{
		Label:  "patient",
		Path:   "Patient",
		Params: params,
	})
	if err != nil {
		return nil, err
	}

	record, err := transform.Patient(bundle)
	if err != nil {
		return nil, err
	}
	if record == nil {
		s.logger.WithFields(logrus.Fields{"params": params.Encode()}).Info("patient lookup found no match")
	}
	return record, nil
}
