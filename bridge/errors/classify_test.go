package errors

import (
	"context"
	goerrors "errors"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTimeout(t *testing.T) {
	err := Classify(&url.Error{Op: "Get", URL: "https://cds.example.com", Err: timeoutErr{}}, "https://cds.example.com")

	var netErr *NetworkError
	assert.True(t, goerrors.As(err, &netErr))
	assert.Equal(t, "https://cds.example.com", netErr.URL)
}

func TestClassifyConnectionRefused(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: goerrors.New("connection refused")}
	err := Classify(&url.Error{Op: "Get", URL: "https://cds.example.com", Err: opErr}, "https://cds.example.com")

	var netErr *NetworkError
	assert.True(t, goerrors.As(err, &netErr))
}

func TestClassifyUnknownFailure(t *testing.T) {
	// An unrecognized failure must classify, never fall through.
	err := Classify(context.Canceled, "https://cds.example.com")

	var upErr *UpstreamError
	assert.True(t, goerrors.As(err, &upErr))
	assert.Equal(t, 0, upErr.StatusCode)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantAuth  bool
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, true, false},
		{"forbidden", http.StatusForbidden, false, false},
		{"not found", http.StatusNotFound, false, false},
		{"server error", http.StatusInternalServerError, false, true},
		{"unavailable", http.StatusServiceUnavailable, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyStatus(tt.status, []byte(`{"error":"details"}`))

			var authErr *AuthError
			var upErr *UpstreamError
			if tt.wantAuth {
				assert.True(t, goerrors.As(err, &authErr))
				assert.Equal(t, tt.status, authErr.StatusCode)
				assert.NotContains(t, authErr.Error(), "details")
			} else {
				assert.True(t, goerrors.As(err, &upErr))
				assert.Equal(t, tt.status, upErr.StatusCode)
				assert.Equal(t, tt.retryable, upErr.Retryable())
			}
		})
	}
}

func TestClassifyStatusOperationOutcome(t *testing.T) {
	body := []byte(`{"resourceType": "OperationOutcome",
		"issue": [{"severity": "error", "code": "too-costly", "diagnostics": "narrow the date range"}]}`)

	err := ClassifyStatus(http.StatusBadRequest, body)

	var upErr *UpstreamError
	assert.True(t, goerrors.As(err, &upErr))
	assert.Contains(t, upErr.Error(), "too-costly")
	assert.Contains(t, upErr.Error(), "narrow the date range")

	// Auth responses never carry upstream text, outcome or not.
	err = ClassifyStatus(http.StatusUnauthorized, body)
	var authErr *AuthError
	assert.True(t, goerrors.As(err, &authErr))
	assert.NotContains(t, authErr.Error(), "narrow the date range")
}

func TestDigest(t *testing.T) {
	assert.Equal(t, "empty", Digest(nil))
	assert.Len(t, Digest([]byte("client_secret=oops")), 16)
	assert.NotEqual(t, Digest([]byte("a")), Digest([]byte("b")))
}
