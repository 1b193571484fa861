package auth

import (
	"crypto/rsa"

	"github.com/pkg/errors"

	"github.com/clinsight/fhir-bridge/bridge/auth/rsautils"
	"github.com/clinsight/fhir-bridge/conf"
)

// Credential is the signing material and identity for the client-credentials
// flow. Loaded once at process start and immutable afterwards.
type Credential struct {
	ClientID   string
	TokenURL   string
	PrivateKey *rsa.PrivateKey
}

// LoadCredential reads the credential set from conf. One credential set
// exists per process lifetime.
func LoadCredential() (Credential, error) {
	clientID := conf.GetEnv("CDS_CLIENT_ID")
	tokenURL := conf.GetEnv("CDS_TOKEN_URL")
	keyFile := conf.GetEnv("CDS_PRIVATE_KEY_FILE")

	if clientID == "" || tokenURL == "" || keyFile == "" {
		return Credential{}, errors.New("missing conf vars: CDS_CLIENT_ID, CDS_TOKEN_URL, and CDS_PRIVATE_KEY_FILE are required")
	}

	key, err := rsautils.ReadPrivateKeyFile(keyFile)
	if err != nil {
		return Credential{}, errors.Wrap(err, "could not load signing key")
	}

	return Credential{
		ClientID:   clientID,
		TokenURL:   tokenURL,
		PrivateKey: key,
	}, nil
}
