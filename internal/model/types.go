package model

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SubjectRole is the invoice-visibility bucket an export is requested for
type SubjectRole string

const (
	SubjectIssuer     SubjectRole = "Subject1"
	SubjectRecipient  SubjectRole = "Subject2"
	SubjectThirdParty SubjectRole = "Subject3"
	SubjectAuthorized SubjectRole = "SubjectAuthorized"
)

// DefaultSubjectRoles is the fixed processing order of a run
var DefaultSubjectRoles = []SubjectRole{SubjectIssuer, SubjectRecipient, SubjectThirdParty}

// ParseSubjectRole parses a subject role name
func ParseSubjectRole(s string) (SubjectRole, error) {
	switch r := SubjectRole(strings.TrimSpace(s)); r {
	case SubjectIssuer, SubjectRecipient, SubjectThirdParty, SubjectAuthorized:
		return r, nil
	default:
		return "", fmt.Errorf("unknown subject role %q", s)
	}
}

// ContextIdentifier identifies the taxpayer context a credential is issued for
type ContextIdentifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Challenge is a server-issued nonce consumed by exactly one authentication attempt
type Challenge struct {
	Value       string
	TimestampMs int64
}

// Credential is the bearer access token obtained by authentication.
// It is held in memory only.
type Credential struct {
	AccessToken string
	Context     ContextIdentifier
	ValidUntil  time.Time
}

// Valid reports whether the credential carries a token
func (c *Credential) Valid() bool {
	return c != nil && c.AccessToken != ""
}

func (c Credential) String() string {
	return fmt.Sprintf("Credential{context=%s:%s token=[redacted]}", c.Context.Type, c.Context.Value)
}

// LogValue keeps the token out of structured logs
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("context", c.Context.Type+":"+c.Context.Value),
		slog.Time("valid_until", c.ValidUntil),
	)
}

// PackagePart is one sequential chunk of an encrypted export stream
type PackagePart struct {
	OrdinalNumber  int
	Name           string
	URL            string
	Method         string
	EncryptedSize  int64
	EncryptedHash  string
	ExpirationDate *time.Time
}

// Package describes the downloadable output of a completed export
type Package struct {
	Parts                    []PackagePart
	InvoiceCount             int
	IsTruncated              bool
	PermanentStorageHwmDate  *time.Time
	LastPermanentStorageDate *time.Time
}

// Empty reports whether the package has nothing to download
func (p *Package) Empty() bool {
	return p == nil || len(p.Parts) == 0
}

// NextCursor returns the continuation point this package implies, if any.
// A truncated package continues from its last stored invoice, a complete one
// from the high-water mark.
func (p *Package) NextCursor() (time.Time, bool) {
	if p == nil {
		return time.Time{}, false
	}
	if p.IsTruncated {
		if p.LastPermanentStorageDate != nil {
			return *p.LastPermanentStorageDate, true
		}
		return time.Time{}, false
	}
	if p.PermanentStorageHwmDate != nil {
		return *p.PermanentStorageHwmDate, true
	}
	return time.Time{}, false
}

// InvoiceMetadata is one entry of the package metadata file
type InvoiceMetadata struct {
	KSeFNumber    string
	FileName      string
	InvoiceNumber string
	IssueDate     string
	SellerNIP     string
	SellerName    string
	GrossAmount   *decimal.Decimal
	Currency      string
}

// InvoiceRecord is an invoice document written during a run
type InvoiceRecord struct {
	KSeFNumber    string           `json:"ksefNumber"`
	Filename      string           `json:"filename"`
	SubjectRole   SubjectRole      `json:"subjectRole,omitempty"`
	InvoiceNumber string           `json:"invoiceNumber,omitempty"`
	SellerName    string           `json:"sellerName,omitempty"`
	GrossAmount   *decimal.Decimal `json:"grossAmount,omitempty"`
	Currency      string           `json:"currency,omitempty"`
}

// RoleResult reports what a run did for one subject-role
type RoleResult struct {
	SubjectRole SubjectRole `json:"subjectRole"`
	From        time.Time   `json:"from"`
	Cursor      time.Time   `json:"cursor"`
	Advanced    bool        `json:"advanced"`
	Rounds      int         `json:"rounds"`
	NewInvoices int         `json:"newInvoices"`
	Truncated   bool        `json:"truncated"`
	Error       string      `json:"error,omitempty"`
}

// Summary aggregates the invoices fetched across all subject-roles of a run
type Summary struct {
	RunID    string                     `json:"runId,omitempty"`
	Count    int                        `json:"count"`
	Invoices []InvoiceRecord            `json:"invoices"`
	Roles    []RoleResult               `json:"roles,omitempty"`
	Totals   map[string]decimal.Decimal `json:"totals,omitempty"`
}

// Add appends records and keeps the count in step
func (s *Summary) Add(records ...InvoiceRecord) {
	s.Invoices = append(s.Invoices, records...)
	s.Count = len(s.Invoices)
}
