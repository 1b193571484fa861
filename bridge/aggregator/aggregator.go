// Package aggregator fans one clinical query out into its upstream
// sub-queries, runs them with bounded parallelism, and folds the results
// into a single response. Failures are partial by default: a slot that
// fails is reported alongside the slots that succeeded. The one exception
// is an authorization failure, which cancels the remaining sub-queries and
// fails the whole call, since every sibling would hit the same wall.
package aggregator

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clinsight/fhir-bridge/bridge/client"
	"github.com/clinsight/fhir-bridge/bridge/constants"
	berrors "github.com/clinsight/fhir-bridge/bridge/errors"
	"github.com/clinsight/fhir-bridge/bridge/models"
	"github.com/clinsight/fhir-bridge/bridge/monitoring"
	"github.com/clinsight/fhir-bridge/bridge/transform"
	"github.com/clinsight/fhir-bridge/bridge/utils"
	"github.com/clinsight/fhir-bridge/log"
)

// Aggregator runs clinical queries against the upstream server.
type Aggregator interface {
	Aggregate(ctx context.Context, q models.ClinicalQuery) (*models.AggregatedResponse, error)
}

type aggregator struct {
	api           client.APIClient
	maxConcurrent int
	logger        logrus.FieldLogger
}

var _ Aggregator = &aggregator{}

// New builds an aggregator on the given API client. Concurrency is bounded
// by CDS_MAX_CONCURRENT.
func New(api client.APIClient) Aggregator {
	return &aggregator{
		api:           api,
		maxConcurrent: utils.GetEnvInt("CDS_MAX_CONCURRENT", constants.DefaultMaxConcurrent),
		logger:        log.Aggregator,
	}
}

type slotOutcome struct {
	result  models.CategoryResult
	authErr *berrors.AuthError
}

func (a *aggregator) Aggregate(ctx context.Context, q models.ClinicalQuery) (*models.AggregatedResponse, error) {
	subs, err := Decompose(q)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]slotOutcome, len(subs))
	sem := make(chan struct{}, a.maxConcurrent)
	var wg sync.WaitGroup

	for i, sq := range subs {
		wg.Add(1)
		go func(i int, sq models.SubQuery) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = canceledOutcome(sq)
				return
			}

			outcomes[i] = a.runSubQuery(ctx, q, sq)
			if outcomes[i].authErr != nil {
				cancel()
			}
		}(i, sq)
	}
	wg.Wait()

	resp := &models.AggregatedResponse{
		PatientID: q.PatientID,
		Category:  q.Category,
	}
	for _, o := range outcomes {
		if o.authErr != nil {
			a.logger.WithFields(logrus.Fields{
				"patient_id": q.PatientID,
				"category":   q.Category,
			}).Error("aborting aggregation on authorization failure")
			return nil, o.authErr
		}
		resp.Results = append(resp.Results, o.result)
		resp.Total += len(o.result.Records)
	}

	if resp.FailedCount() == len(resp.Results) {
		return nil, errors.Errorf("all %d sub-queries failed for patient %s category %s",
			len(resp.Results), q.PatientID, q.Category)
	}

	a.logger.WithFields(logrus.Fields{
		"patient_id": q.PatientID,
		"category":   q.Category,
		"records":    resp.Total,
		"failed":     resp.FailedCount(),
	}).Info("aggregation complete")
	return resp, nil
}

func (a *aggregator) runSubQuery(ctx context.Context, q models.ClinicalQuery, sq models.SubQuery) slotOutcome {
	txn := monitoring.FromContext(ctx)
	seg := monitoring.StartSegment(txn, sq.Label)
	bundle, err := a.api.Execute(ctx, sq)
	monitoring.EndSegment(seg)
	if err != nil {
		monitoring.NoticeError(txn, err)
		return failedOutcome(sq, err)
	}

	records, skipped, err := transform.Bundle(bundle, q.Category, GroupFor(sq.Label))
	if err != nil {
		return failedOutcome(sq, err)
	}
	sortRecords(records, q.Latest)

	return slotOutcome{result: models.CategoryResult{
		Label:   sq.Label,
		Records: records,
		Skipped: skipped,
	}}
}

// sortRecords orders a slot's records: most recent first when the caller
// asked for latest values, chronological otherwise. Ties keep upstream
// order.
func sortRecords(records []models.CanonicalRecord, latest bool) {
	sort.SliceStable(records, func(i, j int) bool {
		if latest {
			return records[i].Effective().After(records[j].Effective())
		}
		return records[i].Effective().Before(records[j].Effective())
	})
}

func failedOutcome(sq models.SubQuery, err error) slotOutcome {
	if authErr, ok := err.(*berrors.AuthError); ok {
		return slotOutcome{authErr: authErr}
	}

	cerr := &models.CategoryError{Label: sq.Label, Message: err.Error()}
	if uerr, ok := err.(*berrors.UpstreamError); ok {
		cerr.StatusCode = uerr.StatusCode
	}
	return slotOutcome{result: models.CategoryResult{Label: sq.Label, Err: cerr}}
}

func canceledOutcome(sq models.SubQuery) slotOutcome {
	return slotOutcome{result: models.CategoryResult{
		Label: sq.Label,
		Err:   &models.CategoryError{Label: sq.Label, Message: "canceled before dispatch"},
	}}
}
