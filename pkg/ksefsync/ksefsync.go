// Package ksefsync provides a public API for incrementally downloading
// e-invoices from the KSeF platform.
//
// A Fetcher authenticates with a KSeF token, requests an encrypted export per
// subject role, writes every new invoice document into the output directory and
// advances the stored continuation point, so the next run only asks for what
// arrived since.
//
// Example usage:
//
//	cfg, err := ksefsync.LoadConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	f, err := ksefsync.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	summary, err := f.Sync(ctx)
//	fmt.Println(summary.Count)
package ksefsync

import (
	"github.com/rezonia/ksef-fetcher/internal/config"
	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/state"
)

// Re-export core types for public API
type (
	Config        = config.Config
	Summary       = model.Summary
	InvoiceRecord = model.InvoiceRecord
	RoleResult    = model.RoleResult
	SubjectRole   = model.SubjectRole
	Error         = model.Error
	CursorEntry   = state.Entry
)

// Re-export subject roles
const (
	SubjectIssuer     = model.SubjectIssuer
	SubjectRecipient  = model.SubjectRecipient
	SubjectThirdParty = model.SubjectThirdParty
	SubjectAuthorized = model.SubjectAuthorized
)

// LoadConfig reads .env and the environment
func LoadConfig() (*Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	return config.Load()
}

// CodeOf returns the error code of a failed run, or ""
func CodeOf(err error) string {
	return model.CodeOf(err)
}
