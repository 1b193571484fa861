// Package client issues authenticated, retrying requests against the
// clinical data server.
package client

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clinsight/fhir-bridge/bridge/client/fhir"
	"github.com/clinsight/fhir-bridge/bridge/constants"
	berrors "github.com/clinsight/fhir-bridge/bridge/errors"
	"github.com/clinsight/fhir-bridge/bridge/models"
	fhirmodels "github.com/clinsight/fhir-bridge/bridge/models/fhir"
	"github.com/clinsight/fhir-bridge/conf"
	"github.com/clinsight/fhir-bridge/log"
)

// TokenProvider supplies auth headers for upstream requests. ForceRefresh
// takes the rejected token so concurrent callers observing the same 401 do
// not serialize duplicate token requests.
type TokenProvider interface {
	AuthHeader(ctx context.Context) (http.Header, error)
	ForceRefresh(ctx context.Context, rejected string) error
}

// APIClient is the surface the aggregator depends on.
type APIClient interface {
	Execute(ctx context.Context, sq models.SubQuery) (*fhirmodels.Bundle, error)
}

// CDSClient executes one sub-query against the clinical data server with
// bounded retry. Transient transport failures and 5xx responses are retried
// with exponential backoff; a 401 triggers a single forced token refresh
// before the next attempt; other failures surface immediately.
type CDSClient struct {
	httpClient  *http.Client
	fhirClient  fhir.Client
	serverBase  string
	tokens      TokenProvider
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	logger      logrus.FieldLogger
}

// Ensure CDSClient satisfies the interface
var _ APIClient = &CDSClient{}

// clientConfig is checked out of conf as a unit; zero-valued fields keep
// their defaults.
type clientConfig struct {
	ServerLocation string `conf:"CDS_SERVER_LOCATION"`
	TimeoutMS      int    `conf:"CDS_TIMEOUT_MS"`
	RetryMax       int    `conf:"CDS_RETRY_MAX"`
	BackoffBaseMS  int    `conf:"CDS_BACKOFF_BASE_MS"`
	BackoffCapMS   int    `conf:"CDS_BACKOFF_CAP_MS"`
	PageSize       int    `conf:"CDS_PAGE_SIZE"`
}

func NewCDSClient(tokens TokenProvider) (*CDSClient, error) {
	cfg := clientConfig{
		TimeoutMS:     constants.DefaultTimeoutMS,
		RetryMax:      constants.DefaultRetryMax,
		BackoffBaseMS: constants.DefaultBackoffBaseMS,
		BackoffCapMS:  constants.DefaultBackoffCapMS,
	}
	if err := conf.Checkout(&cfg); err != nil {
		return nil, errors.Wrap(err, "could not read client configuration")
	}
	if cfg.ServerLocation == "" {
		return nil, errors.New("missing conf var CDS_SERVER_LOCATION")
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}

	return &CDSClient{
		httpClient:  httpClient,
		fhirClient:  fhir.NewClient(httpClient, cfg.PageSize),
		serverBase:  strings.TrimSuffix(cfg.ServerLocation, "/"),
		tokens:      tokens,
		maxAttempts: cfg.RetryMax,
		backoffBase: time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		backoffCap:  time.Duration(cfg.BackoffCapMS) * time.Millisecond,
		logger:      log.CDS,
	}, nil
}

// GetMetadata fetches the server's capability statement. Used to verify
// connectivity and announced capabilities; no token is required.
func (c *CDSClient) GetMetadata(ctx context.Context) (string, error) {
	requestURL := c.serverBase + "/metadata"
	req, err := http.NewRequestWithContext(ctx, "GET", requestURL, nil)
	if err != nil {
		return "", &berrors.NetworkError{Err: err, URL: requestURL}
	}
	req.Header.Set("Accept", constants.FHIRJSONContentType)
	return c.fhirClient.DoRaw(req)
}

// Execute runs the sub-query, following pagination links, and returns the
// merged bundle. The returned error is always a member of the taxonomy.
func (c *CDSClient) Execute(ctx context.Context, sq models.SubQuery) (*fhirmodels.Bundle, error) {
	var (
		bundle    *fhirmodels.Bundle
		refreshed bool
	)

	op := func() error {
		header, err := c.tokens.AuthHeader(ctx)
		if err != nil {
			// Credential failure is fatal for this call; the token manager
			// does not hand out retries.
			return backoff.Permanent(err)
		}

		bundle, err = c.fetchAllPages(ctx, sq, header)
		if err == nil {
			return nil
		}

		switch e := err.(type) {
		case *berrors.AuthError:
			// The server rejected a locally-unexpired token. Treat once as
			// recoverable with a forced refresh, then fail if it recurs.
			if !refreshed && e.StatusCode == http.StatusUnauthorized {
				refreshed = true
				rejected := strings.TrimPrefix(header.Get("Authorization"), "Bearer ")
				if rerr := c.tokens.ForceRefresh(ctx, rejected); rerr != nil {
					return backoff.Permanent(rerr)
				}
				return err
			}
			return backoff.Permanent(err)
		case *berrors.NetworkError:
			return err
		case *berrors.UpstreamError:
			if e.Retryable() {
				return err
			}
			return backoff.Permanent(err)
		default:
			return backoff.Permanent(err)
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.backoffBase
	expo.MaxInterval = c.backoffCap
	expo.MaxElapsedTime = 0

	/* #nosec -- maxAttempts is a small positive conf value */
	b := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.maxAttempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (c *CDSClient) fetchAllPages(ctx context.Context, sq models.SubQuery, header http.Header) (*fhirmodels.Bundle, error) {
	requestID := uuid.NewRandom()

	requestURL := c.serverBase + "/" + strings.TrimPrefix(sq.Path, "/")
	req, err := c.newRequest(ctx, requestURL, header, requestID)
	if err != nil {
		return nil, &berrors.NetworkError{Err: err, URL: requestURL}
	}
	req.URL.RawQuery = sq.Params.Encode()

	var merged *fhirmodels.Bundle
	for {
		c.logRequest(req, sq, requestID)

		bundle, next, err := c.fhirClient.DoBundleRequest(req)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"sub_query":  sq.Label,
				"error":      err,
			}).Warn("sub-query page failed")
			return nil, err
		}

		if merged == nil {
			merged = bundle
		} else {
			merged.Entries = append(merged.Entries, bundle.Entries...)
		}

		if next == nil {
			return merged, nil
		}

		req, err = c.newRequest(ctx, next.String(), header, requestID)
		if err != nil {
			return nil, &berrors.NetworkError{Err: err, URL: next.String()}
		}
	}
}

func (c *CDSClient) newRequest(ctx context.Context, rawURL string, header http.Header, requestID uuid.UUID) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, err
	}

	for key, values := range header {
		for _, v := range values {
			req.Header.Set(key, v)
		}
	}
	req.Header.Set("X-Request-Id", requestID.String())
	return req, nil
}

func (c *CDSClient) logRequest(req *http.Request, sq models.SubQuery, requestID uuid.UUID) {
	c.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"sub_query":  sq.Label,
		"cds_uri":    req.URL.Path,
	}).Infoln("clinical data server request")
}
