// Package cryptox implements the hybrid encryption scheme used by the platform:
// RSA-OAEP for short secrets and AES-256-CBC for bulk export payloads.
package cryptox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rezonia/ksef-fetcher/internal/model"
)

// Usage is the certificate usage tag declared by the certificate directory
type Usage string

const (
	UsageTokenEncryption        Usage = "KsefTokenEncryption"
	UsageSymmetricKeyEncryption Usage = "SymmetricKeyEncryption"
)

// Certificate is one certificate directory entry
type Certificate struct {
	Usage       []string
	Certificate string // base64 DER
}

// KeySet holds the platform public keys, one per usage.
// It is built once per run and never modified.
type KeySet struct {
	keys map[Usage]*rsa.PublicKey
}

// NewKeySet selects and decodes the keys for every required usage. When several
// certificates advertise a usage, the one valid at now is preferred.
func NewKeySet(certs []Certificate, now time.Time) (*KeySet, error) {
	ks := &KeySet{keys: make(map[Usage]*rsa.PublicKey, 2)}

	for _, usage := range []Usage{UsageTokenEncryption, UsageSymmetricKeyEncryption} {
		key, err := selectKey(certs, usage, now)
		if err != nil {
			return nil, err
		}
		ks.keys[usage] = key
	}

	return ks, nil
}

func selectKey(certs []Certificate, usage Usage, now time.Time) (*rsa.PublicKey, error) {
	var fallback *rsa.PublicKey
	var lastErr error

	for _, c := range certs {
		if !hasUsage(c.Usage, usage) {
			continue
		}

		cert, err := parseCertificate(c.Certificate)
		if err != nil {
			lastErr = err
			continue
		}

		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			lastErr = fmt.Errorf("certificate %s: unsupported key type %T", cert.SerialNumber, cert.PublicKey)
			continue
		}

		if !now.Before(cert.NotBefore) && !now.After(cert.NotAfter) {
			return pub, nil
		}
		if fallback == nil {
			fallback = pub
		}
	}

	if fallback != nil {
		return fallback, nil
	}

	e := model.ErrKeyNotFound(string(usage))
	e.Cause = lastErr
	return nil, e
}

func hasUsage(tags []string, usage Usage) bool {
	for _, tag := range tags {
		if Usage(tag) == usage {
			return true
		}
	}
	return false
}

func parseCertificate(b64 string) (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return cert, nil
}

// PublicKey returns the key for a usage, or nil
func (k *KeySet) PublicKey(usage Usage) *rsa.PublicKey {
	return k.keys[usage]
}

// EncryptShortSecret encrypts plaintext with RSA-OAEP (SHA-256 digest and MGF1, no label)
// under the key selected by usage.
func (k *KeySet) EncryptShortSecret(plaintext []byte, usage Usage) ([]byte, error) {
	pub := k.keys[usage]
	if pub == nil {
		return nil, model.ErrKeyNotFound(string(usage))
	}

	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypting with %s key: %w", usage, err)
	}
	return out, nil
}
