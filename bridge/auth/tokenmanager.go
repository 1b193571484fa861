package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/clinsight/fhir-bridge/bridge/constants"
	berrors "github.com/clinsight/fhir-bridge/bridge/errors"
	"github.com/clinsight/fhir-bridge/bridge/utils"
	"github.com/clinsight/fhir-bridge/log"
)

const jwtBearerAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// bearerToken is the cached access token. Replaced atomically under the
// manager's mutex, never partially updated.
type bearerToken struct {
	accessToken string
	expiresAt   time.Time
}

func (t bearerToken) valid(now time.Time) bool {
	return t.accessToken != "" && now.Before(t.expiresAt)
}

// TokenManager exchanges a signed JWT assertion for a bearer token and caches
// it until near expiry. The refresh path is a mutually-exclusive critical
// section: callers arriving during an in-flight refresh wait for its result
// rather than issuing their own token request.
type TokenManager struct {
	cred       Credential
	buffer     time.Duration
	httpClient *http.Client
	logger     logrus.FieldLogger

	now func() time.Time

	mu    sync.Mutex
	token bearerToken
}

func NewTokenManager(cred Credential) *TokenManager {
	timeout := time.Duration(utils.GetEnvInt("CDS_TIMEOUT_MS", constants.DefaultTimeoutMS)) * time.Millisecond
	buffer := time.Duration(utils.GetEnvInt("CDS_TOKEN_BUFFER_SECONDS", constants.DefaultTokenBufferSeconds)) * time.Second

	return &TokenManager{
		cred:       cred,
		buffer:     buffer,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.Auth,
		now:        time.Now,
	}
}

// AuthHeader returns the headers to decorate an upstream request with. If the
// cached token is missing or inside the safety buffer, a refresh happens
// first.
func (tm *TokenManager) AuthHeader(ctx context.Context) (http.Header, error) {
	token, err := tm.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)
	header.Set("Accept", constants.FHIRJSONContentType)
	header.Set("Content-Type", constants.FHIRJSONContentType)
	return header, nil
}

// ForceRefresh discards the cached token and fetches a new one. Used when the
// upstream rejects a locally-unexpired token. rejected is the token the
// rejection was observed against; when a concurrent caller already replaced
// it, the replacement is kept and no duplicate token request goes out.
func (tm *TokenManager) ForceRefresh(ctx context.Context, rejected string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token.valid(tm.now()) && tm.token.accessToken != rejected {
		return nil
	}

	tm.token = bearerToken{}
	return tm.refreshLocked(ctx)
}

func (tm *TokenManager) accessToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token.valid(tm.now()) {
		return tm.token.accessToken, nil
	}

	if err := tm.refreshLocked(ctx); err != nil {
		return "", err
	}
	return tm.token.accessToken, nil
}

// refreshLocked issues exactly one token request. Callers must hold tm.mu.
func (tm *TokenManager) refreshLocked(ctx context.Context) error {
	requestID := uuid.NewRandom()

	assertion, err := tm.signedAssertion()
	if err != nil {
		return &berrors.AuthError{Err: errors.Wrap(err, "could not build client assertion")}
	}

	params := url.Values{}
	params.Set("grant_type", "client_credentials")
	params.Set("client_assertion_type", jwtBearerAssertionType)
	params.Set("client_assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, "POST", tm.cred.TokenURL, strings.NewReader(params.Encode()))
	if err != nil {
		return &berrors.AuthError{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	tm.logger.WithField("request_id", requestID).Info("requesting access token")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return &berrors.AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &berrors.AuthError{Err: err, StatusCode: resp.StatusCode}
	}

	tm.logger.WithFields(logrus.Fields{
		"request_id":  requestID,
		"http_status": resp.StatusCode,
	}).Info("token response")

	if resp.StatusCode != http.StatusOK {
		return &berrors.AuthError{
			Err:        errors.Errorf("token endpoint returned %s", resp.Status),
			StatusCode: resp.StatusCode,
			BodyDigest: berrors.Digest(body),
		}
	}

	var tr struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return &berrors.AuthError{
			Err:        errors.Wrap(err, "unexpected token response format"),
			StatusCode: resp.StatusCode,
			BodyDigest: berrors.Digest(body),
		}
	}
	if tr.AccessToken == "" {
		return &berrors.AuthError{
			Err:        errors.New("token response missing access_token"),
			StatusCode: resp.StatusCode,
			BodyDigest: berrors.Digest(body),
		}
	}

	expiresIn, err := tr.ExpiresIn.Int64()
	if err != nil || expiresIn <= 0 {
		return &berrors.AuthError{
			Err:        errors.New("token response missing usable expires_in"),
			StatusCode: resp.StatusCode,
			BodyDigest: berrors.Digest(body),
		}
	}

	tm.token = bearerToken{
		accessToken: tr.AccessToken,
		expiresAt:   tm.now().Add(time.Duration(expiresIn)*time.Second - tm.buffer),
	}
	return nil
}

// signedAssertion builds the RS384 client assertion: issuer and subject are
// the client ID, audience is the token endpoint, jti is unique, and the
// validity window is short.
func (tm *TokenManager) signedAssertion() (string, error) {
	now := tm.now()
	claims := jwt.MapClaims{
		"iss": tm.cred.ClientID,
		"sub": tm.cred.ClientID,
		"aud": tm.cred.TokenURL,
		"jti": uuid.NewRandom().String(),
		"iat": now.Unix(),
		"exp": now.Add(constants.AssertionLifetimeMinutes * time.Minute).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	return token.SignedString(tm.cred.PrivateKey)
}
