package monitoring

import (
	"context"
	"fmt"

	"github.com/newrelic/go-agent/v3/newrelic"
	log "github.com/sirupsen/logrus"

	"github.com/clinsight/fhir-bridge/conf"
)

var a *apm

type apm struct {
	App *newrelic.Application
}

// Start opens a transaction for one logical clinical query. Returns nil when
// the agent is not configured; End and the segment helpers tolerate nil.
func (a *apm) Start(msg string) *newrelic.Transaction {
	if a.App != nil {
		return a.App.StartTransaction(msg)
	}
	return nil
}

func (a *apm) End(txn *newrelic.Transaction) {
	if a.App != nil {
		txn.End()
	}
}

// NewContext stores a transaction on the context so lower layers can attach
// segments to it.
func NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext returns the transaction carried by the context, or nil.
func FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// StartSegment times one sub-query inside an open transaction.
func StartSegment(txn *newrelic.Transaction, name string) *newrelic.Segment {
	if txn == nil {
		return nil
	}
	return txn.StartSegment(name)
}

func EndSegment(seg *newrelic.Segment) {
	if seg != nil {
		seg.End()
	}
}

func NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

func GetMonitor() *apm {
	if a == nil {
		target := conf.GetEnv("DEPLOYMENT_TARGET")
		if target == "" {
			target = "local"
		}
		app, err := newrelic.NewApplication(
			newrelic.ConfigAppName(fmt.Sprintf("FHIR-Bridge-%s", target)),
			newrelic.ConfigLicense(conf.GetEnv("NEW_RELIC_LICENSE_KEY")),
			newrelic.ConfigEnabled(conf.GetEnv("NEW_RELIC_LICENSE_KEY") != ""),
			func(cfg *newrelic.Config) {
				cfg.HighSecurity = true
			},
		)
		if err != nil {
			log.Error(err)
		}
		a = &apm{
			App: app,
		}
	}
	return a
}
