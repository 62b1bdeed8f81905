package auth

import (
	"context"
	"time"

	"github.com/rezonia/ksef-fetcher/internal/cryptox"
	"github.com/rezonia/ksef-fetcher/internal/ksef"
)

// CertificateSource lists the platform encryption certificates
type CertificateSource interface {
	PublicKeyCertificates(ctx context.Context) ([]ksef.PublicKeyCertificate, error)
}

// LoadKeySet fetches the certificate directory once and selects one key per usage
func LoadKeySet(ctx context.Context, src CertificateSource, now time.Time) (*cryptox.KeySet, error) {
	list, err := src.PublicKeyCertificates(ctx)
	if err != nil {
		return nil, err
	}

	certs := make([]cryptox.Certificate, 0, len(list))
	for _, c := range list {
		certs = append(certs, cryptox.Certificate{Usage: c.Usage, Certificate: c.Certificate})
	}
	return cryptox.NewKeySet(certs, now)
}
