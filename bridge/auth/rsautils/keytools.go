package rsautils

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const RSAKEYMINBITS = 2048

// ReadPrivateKey parses a PEM-encoded RSA private key, accepting both PKCS#1
// and PKCS#8 encodings.
func ReadPrivateKey(privateKey []byte) (*rsa.PrivateKey, error) {
	if len(privateKey) == 0 {
		return nil, fmt.Errorf("empty key provided")
	}

	block, _ := pem.Decode(privateKey)
	if block == nil {
		return nil, fmt.Errorf("not able to decode PEM-formatted private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %s", err.Error())
		}
		var ok bool
		if key, ok = parsed.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("not able to cast key as *rsa.PrivateKey")
		}
	}

	if key.Size() < RSAKEYMINBITS/8 {
		return nil, fmt.Errorf("insecure key length (%d bytes)", key.Size())
	}

	return key, nil
}

// ReadPrivateKeyFile reads and parses the key at the given path.
func ReadPrivateKeyFile(fileName string) (*rsa.PrivateKey, error) {
	/* #nosec -- Potential file inclusion via variable */
	data, err := os.ReadFile(filepath.Clean(fileName))
	if err != nil {
		return nil, fmt.Errorf("can't read private key file %s: %s", fileName, err.Error())
	}
	return ReadPrivateKey(data)
}
