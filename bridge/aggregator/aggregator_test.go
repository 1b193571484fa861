package aggregator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	berrors "github.com/clinsight/fhir-bridge/bridge/errors"
	"github.com/clinsight/fhir-bridge/bridge/models"
	fhirmodels "github.com/clinsight/fhir-bridge/bridge/models/fhir"
)

// fakeAPI resolves sub-queries from canned per-label bundles or errors.
type fakeAPI struct {
	mu      sync.Mutex
	bundles map[string]*fhirmodels.Bundle
	errs    map[string]error
	calls   int32

	// block, when set, makes every call wait for ctx cancellation and
	// return ctx.Err. Used to observe sibling cancellation.
	block map[string]bool
}

func (f *fakeAPI) Execute(ctx context.Context, sq models.SubQuery) (*fhirmodels.Bundle, error) {
	atomic.AddInt32(&f.calls, 1)

	if f.block[sq.Label] {
		<-ctx.Done()
		return nil, &berrors.NetworkError{Err: ctx.Err()}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[sq.Label]; ok {
		return nil, err
	}
	if b, ok := f.bundles[sq.Label]; ok {
		return b, nil
	}
	return emptyBundle(), nil
}

func emptyBundle() *fhirmodels.Bundle {
	return &fhirmodels.Bundle{
		Resource: fhirmodels.Resource{ResourceType: "Bundle"},
		Entries:  []fhirmodels.BundleEntry{},
	}
}

func obsBundle(code string, readings ...float64) *fhirmodels.Bundle {
	b := emptyBundle()
	base := time.Date(2026, 8, 1, 6, 0, 0, 0, time.UTC)
	for i, v := range readings {
		b.Entries = append(b.Entries, fhirmodels.BundleEntry{
			"resource": map[string]interface{}{
				"resourceType": "Observation",
				"id":           fmt.Sprintf("obs-%s-%d", code, i),
				"code": map[string]interface{}{
					"coding": []interface{}{
						map[string]interface{}{"code": code},
					},
				},
				"effectiveDateTime": base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
				"valueQuantity":     map[string]interface{}{"value": v, "unit": "/min"},
			},
		})
	}
	b.Total = uint(len(b.Entries))
	return b
}

type AggregatorTestSuite struct {
	suite.Suite
	api *fakeAPI
	agg Aggregator
}

func (s *AggregatorTestSuite) SetupTest() {
	s.api = &fakeAPI{
		bundles: map[string]*fhirmodels.Bundle{},
		errs:    map[string]error{},
		block:   map[string]bool{},
	}
	s.agg = New(s.api)
}

func (s *AggregatorTestSuite) TestVitalsAllSlotsPresent() {
	s.api.bundles["heart-rate"] = obsBundle("8867-4", 80, 84, 90)
	s.api.bundles["respiratory-rate"] = obsBundle("9279-1", 18)

	resp, err := s.agg.Aggregate(context.Background(), models.ClinicalQuery{
		PatientID: "pat-1",
		Category:  models.CategoryVitals,
	})
	s.NoError(err)
	s.Require().NotNil(resp)

	// One slot per vital-sign group, in decomposition order, including the
	// groups that came back empty.
	s.Len(resp.Results, 6)
	s.Equal("heart-rate", resp.Results[0].Label)
	s.Equal("blood-pressure", resp.Results[1].Label)
	s.Equal(4, resp.Total)
	s.Zero(resp.FailedCount())
	s.Len(resp.Records(), 4)
}

func (s *AggregatorTestSuite) TestPartialSuccess() {
	s.api.bundles["heart-rate"] = obsBundle("8867-4", 72)
	s.api.errs["temperature"] = &berrors.UpstreamError{StatusCode: 503}

	resp, err := s.agg.Aggregate(context.Background(), models.ClinicalQuery{
		PatientID: "pat-1",
		Category:  models.CategoryVitals,
	})
	s.NoError(err)
	s.Equal(1, resp.FailedCount())

	var failed *models.CategoryResult
	for i := range resp.Results {
		if resp.Results[i].Failed() {
			failed = &resp.Results[i]
		}
	}
	s.Require().NotNil(failed)
	s.Equal("temperature", failed.Label)
	s.Equal(503, failed.Err.StatusCode)
	s.Equal(1, resp.Total)
}

func (s *AggregatorTestSuite) TestForbiddenSlotIsContained() {
	// A resource-level denial on one category degrades that slot only; it
	// must not abort the aggregation the way a rejected token does.
	s.api.bundles["heart-rate"] = obsBundle("8867-4", 76)
	s.api.bundles["respiratory-rate"] = obsBundle("9279-1", 16)
	s.api.errs["glasgow-coma-score"] = berrors.ClassifyStatus(403, nil)

	resp, err := s.agg.Aggregate(context.Background(), models.ClinicalQuery{
		PatientID: "pat-1",
		Category:  models.CategoryVitals,
	})
	s.Require().NoError(err)
	s.Require().NotNil(resp)
	s.Len(resp.Results, 6)
	s.Equal(1, resp.FailedCount())
	s.Equal(2, resp.Total)

	last := resp.Results[5]
	s.Equal("glasgow-coma-score", last.Label)
	s.Require().True(last.Failed())
	s.Equal(403, last.Err.StatusCode)
}

func (s *AggregatorTestSuite) TestAllSlotsFailed() {
	for _, label := range []string{"heart-rate", "blood-pressure", "temperature", "respiratory-rate", "oxygen-saturation", "glasgow-coma-score"} {
		s.api.errs[label] = &berrors.UpstreamError{StatusCode: 500}
	}

	resp, err := s.agg.Aggregate(context.Background(), models.ClinicalQuery{
		PatientID: "pat-1",
		Category:  models.CategoryVitals,
	})
	s.Error(err)
	s.Nil(resp)
}

func (s *AggregatorTestSuite) TestAuthFailureCancelsSiblings() {
	authErr := &berrors.AuthError{StatusCode: 401}
	s.api.errs["heart-rate"] = authErr
	for _, label := range []string{"blood-pressure", "temperature", "respiratory-rate", "oxygen-saturation", "glasgow-coma-score"} {
		s.api.block[label] = true
	}

	done := make(chan struct{})
	var resp *models.AggregatedResponse
	var err error
	go func() {
		defer close(done)
		resp, err = s.agg.Aggregate(context.Background(), models.ClinicalQuery{
			PatientID: "pat-1",
			Category:  models.CategoryVitals,
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.FailNow("aggregation did not unblock after auth failure")
	}

	s.Nil(resp)
	s.Require().Error(err)
	s.IsType(&berrors.AuthError{}, err)
}

func (s *AggregatorTestSuite) TestLatestOrdersMostRecentFirst() {
	s.api.bundles["heart-rate"] = obsBundle("8867-4", 70, 75, 80)

	resp, err := s.agg.Aggregate(context.Background(), models.ClinicalQuery{
		PatientID: "pat-1",
		Category:  models.CategoryVitals,
		Code:      "heart-rate",
		Latest:    true,
	})
	s.Require().NoError(err)
	s.Require().Len(resp.Results, 1)

	records := resp.Results[0].Records
	s.Require().Len(records, 3)
	s.True(records[0].Effective().After(records[1].Effective()))
	s.True(records[1].Effective().After(records[2].Effective()))
}

func (s *AggregatorTestSuite) TestRangeOrdersChronologically() {
	s.api.bundles["fluid-output"] = obsBundle("9187-6", 200, 150, 240)

	resp, err := s.agg.Aggregate(context.Background(), models.ClinicalQuery{
		PatientID: "pat-1",
		Category:  models.CategoryFluidBalance,
	})
	s.Require().NoError(err)
	s.Require().Len(resp.Results, 2)

	records := resp.Results[1].Records
	s.Require().Len(records, 3)
	s.True(records[0].Effective().Before(records[1].Effective()))
	s.True(records[1].Effective().Before(records[2].Effective()))
}

func (s *AggregatorTestSuite) TestSeventyTwoHourWindow() {
	s.api.bundles["lactate"] = obsBundle("2524-7", 2.1, 3.4)
	s.api.bundles["creatinine"] = obsBundle("2160-0", 1.1)
	s.api.bundles["platelets"] = obsBundle("777-3", 140, 120, 95)

	to := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	resp, err := s.agg.Aggregate(context.Background(), models.ClinicalQuery{
		PatientID: "pat-1",
		Category:  models.CategoryLabs,
		From:      to.Add(-72 * time.Hour),
		To:        to,
	})
	s.Require().NoError(err)
	s.Len(resp.Results, 6)
	s.Equal(6, resp.Total)
	s.Equal(int32(6), atomic.LoadInt32(&s.api.calls))
}

func TestAggregatorTestSuite(t *testing.T) {
	suite.Run(t, new(AggregatorTestSuite))
}

func TestDecomposeVitals(t *testing.T) {
	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	q := models.ClinicalQuery{
		PatientID: "pat-9",
		Category:  models.CategoryVitals,
		From:      from,
		To:        from.Add(24 * time.Hour),
	}

	subs, err := Decompose(q)
	require.NoError(t, err)
	require.Len(t, subs, 6)

	labels := make([]string, 0, len(subs))
	for _, sq := range subs {
		labels = append(labels, sq.Label)
		assert.Equal(t, "Observation", sq.Path)
		assert.Equal(t, "pat-9", sq.Params.Get("patient"))
		assert.Equal(t, []string{"ge2026-08-01T00:00:00Z", "le2026-08-02T00:00:00Z"}, sq.Params["date"])
	}
	assert.Equal(t, []string{"heart-rate", "blood-pressure", "temperature", "respiratory-rate", "oxygen-saturation", "glasgow-coma-score"}, labels)

	assert.Equal(t, "http://loinc.org|85354-9,http://loinc.org|55284-4", subs[1].Params.Get("code"))

	// Decomposition is deterministic.
	again, err := Decompose(q)
	require.NoError(t, err)
	assert.Equal(t, subs, again)
}

func TestDecomposeLatest(t *testing.T) {
	subs, err := Decompose(models.ClinicalQuery{
		PatientID: "pat-9",
		Category:  models.CategoryVitals,
		Code:      "heart-rate",
		Latest:    true,
	})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "1", subs[0].Params.Get("_count"))
	assert.Equal(t, "-date", subs[0].Params.Get("_sort"))
}

func TestDecomposeCodeRestriction(t *testing.T) {
	// A raw code restricts to the group that recognizes it.
	subs, err := Decompose(models.ClinicalQuery{
		PatientID: "pat-9",
		Category:  models.CategoryLabs,
		Code:      "32693-4",
	})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "lactate", subs[0].Label)

	_, err = Decompose(models.ClinicalQuery{
		PatientID: "pat-9",
		Category:  models.CategoryLabs,
		Code:      "heart-rate",
	})
	assert.Error(t, err)
}

func TestDecomposeUncodedCategories(t *testing.T) {
	for category, path := range map[models.Category]string{
		models.CategoryConditions:  "Condition",
		models.CategoryMedications: "MedicationRequest",
		models.CategoryEncounters:  "Encounter",
	} {
		subs, err := Decompose(models.ClinicalQuery{PatientID: "pat-9", Category: category})
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, path, subs[0].Path)
		assert.Empty(t, subs[0].Params.Get("code"))
	}
}
