package errors

import "fmt"

// AuthError indicates the credential or token exchange failed. It is systemic:
// an aggregation that sees one fails as a whole. BodyDigest carries a hash of
// the upstream response body so diagnostics never include raw secrets.
type AuthError struct {
	Err        error
	StatusCode int
	BodyDigest string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failure (status %d, body digest %s): %s", e.StatusCode, e.BodyDigest, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NetworkError is a transient transport failure: timeout, connection refused,
// TLS failure. Retried locally by the fetcher, surfaced if retries exhaust.
type NetworkError struct {
	Err error
	URL string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure for %s: %s", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// UpstreamError is a non-2xx response from the clinical data server. Retried
// only for 5xx statuses.
type UpstreamError struct {
	Err        error
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Retryable reports whether the status is a server fault worth another attempt.
func (e *UpstreamError) Retryable() bool { return e.StatusCode >= 500 }

// MalformedResponseError indicates the top-level shape of an upstream payload
// was unrecognizable. Not retried.
type MalformedResponseError struct {
	Err error
	Msg string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response: %s: %s", e.Msg, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }
