package errors

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	fhirmodels "github.com/clinsight/fhir-bridge/bridge/models/fhir"
)

// Classify maps a transport-level failure to the taxonomy. Classification is
// total: anything not recognized as a transport fault comes back as a generic
// UpstreamError with the raw message attached for diagnostics.
func Classify(err error, requestURL string) error {
	if err == nil {
		return nil
	}

	var (
		netErr   net.Error
		urlErr   *url.Error
		recHdr   tls.RecordHeaderError
		unkAuth  x509.UnknownAuthorityError
		certErr  x509.CertificateInvalidError
		hostErr  x509.HostnameError
		opErr    *net.OpError
		dnsErr   *net.DNSError
	)
	switch {
	case goerrors.As(err, &netErr) && netErr.Timeout():
		return &NetworkError{Err: err, URL: requestURL}
	case goerrors.As(err, &recHdr),
		goerrors.As(err, &unkAuth),
		goerrors.As(err, &certErr),
		goerrors.As(err, &hostErr):
		return &NetworkError{Err: err, URL: requestURL}
	case goerrors.As(err, &opErr), goerrors.As(err, &dnsErr):
		return &NetworkError{Err: err, URL: requestURL}
	case goerrors.As(err, &urlErr):
		// url.Error wraps everything the http client can produce; by this
		// point the interesting subtypes were checked, but a bare url.Error
		// is still a transport fault.
		return &NetworkError{Err: err, URL: requestURL}
	}

	return &UpstreamError{Err: err, StatusCode: 0}
}

// ClassifyStatus maps a non-2xx HTTP status to the taxonomy. Only a 401
// means the token itself was rejected and becomes an AuthError; a 403 is a
// resource-level denial (e.g. a consent restriction on one resource type)
// and stays an UpstreamError so one denied category cannot sink a whole
// aggregation. When the body is an operation outcome, its first issue is
// carried in the error message for diagnostics; auth failures carry only a
// body digest.
func ClassifyStatus(statusCode int, body []byte) error {
	err := fmt.Errorf("%s", http.StatusText(statusCode))

	if statusCode == http.StatusUnauthorized {
		return &AuthError{Err: err, StatusCode: statusCode, BodyDigest: Digest(body)}
	}

	if issue := outcomeIssue(body); issue != "" {
		err = fmt.Errorf("%s: %s", http.StatusText(statusCode), issue)
	}
	return &UpstreamError{Err: err, StatusCode: statusCode}
}

// outcomeIssue summarizes the first issue of an operation-outcome body, or
// returns "" when the body is not one.
func outcomeIssue(body []byte) string {
	var oo fhirmodels.OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil {
		return ""
	}
	if oo.ResourceType != "OperationOutcome" || len(oo.Issues) == 0 {
		return ""
	}

	issue := oo.Issues[0]
	msg := issue.Severity + " " + issue.Code
	if issue.Diagnostics != "" {
		msg += ": " + issue.Diagnostics
	}
	return msg
}

// Digest returns a short SHA-256 digest of an upstream payload, suitable for
// logging without leaking its content.
func Digest(body []byte) string {
	if len(body) == 0 {
		return "empty"
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}
