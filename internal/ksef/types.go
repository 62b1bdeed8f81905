package ksef

import (
	"fmt"
	"time"

	"github.com/rezonia/ksef-fetcher/internal/model"
)

// Status codes reported inside auth and export status payloads
const (
	StatusInProgress = 100
	StatusSuccess    = 200
	StatusFailedMin  = 400
)

// Request/response payloads, one per endpoint. Every response type validates the
// fields the protocol depends on before it leaves this package.

type PublicKeyCertificate struct {
	Certificate string    `json:"certificate"`
	ValidFrom   time.Time `json:"validFrom"`
	ValidTo     time.Time `json:"validTo"`
	Usage       []string  `json:"usage"`
}

type certificateList []PublicKeyCertificate

func (l certificateList) validate() error {
	if len(l) == 0 {
		return fmt.Errorf("empty certificate list")
	}
	for i, c := range l {
		if c.Certificate == "" {
			return fmt.Errorf("certificate %d has no data", i)
		}
	}
	return nil
}

type ChallengeResponse struct {
	Challenge   string    `json:"challenge"`
	Timestamp   time.Time `json:"timestamp"`
	TimestampMs int64     `json:"timestampMs"`
}

func (r *ChallengeResponse) validate() error {
	if r.Challenge == "" {
		return fmt.Errorf("missing challenge")
	}
	if r.TimestampMs == 0 {
		return fmt.Errorf("missing timestampMs")
	}
	return nil
}

type TokenAuthRequest struct {
	Challenge         string                  `json:"challenge"`
	ContextIdentifier model.ContextIdentifier `json:"contextIdentifier"`
	EncryptedToken    string                  `json:"encryptedToken"`
}

type TokenInfo struct {
	Token      string    `json:"token"`
	ValidUntil time.Time `json:"validUntil"`
}

type TokenAuthResponse struct {
	ReferenceNumber     string    `json:"referenceNumber"`
	AuthenticationToken TokenInfo `json:"authenticationToken"`
}

func (r *TokenAuthResponse) validate() error {
	if r.ReferenceNumber == "" {
		return fmt.Errorf("missing referenceNumber")
	}
	if r.AuthenticationToken.Token == "" {
		return fmt.Errorf("missing authenticationToken.token")
	}
	return nil
}

type OperationStatus struct {
	Code        *int     `json:"code"`
	Description string   `json:"description"`
	Details     []string `json:"details,omitempty"`
}

func (s *OperationStatus) validate() error {
	if s.Code == nil {
		return fmt.Errorf("missing status.code")
	}
	return nil
}

// Value returns the status code; call only after validation
func (s *OperationStatus) Value() int {
	return *s.Code
}

type AuthStatusResponse struct {
	StartDate            time.Time       `json:"startDate"`
	AuthenticationMethod string          `json:"authenticationMethod"`
	Status               OperationStatus `json:"status"`
}

func (r *AuthStatusResponse) validate() error {
	return r.Status.validate()
}

type RedeemResponse struct {
	AccessToken  TokenInfo  `json:"accessToken"`
	RefreshToken *TokenInfo `json:"refreshToken,omitempty"`
}

func (r *RedeemResponse) validate() error {
	if r.AccessToken.Token == "" {
		return fmt.Errorf("missing accessToken.token")
	}
	return nil
}

type DateRange struct {
	DateType                          string     `json:"dateType"`
	From                              time.Time  `json:"from"`
	To                                *time.Time `json:"to,omitempty"`
	RestrictToPermanentStorageHwmDate bool       `json:"restrictToPermanentStorageHwmDate"`
}

type ExportFilters struct {
	SubjectType model.SubjectRole `json:"subjectType"`
	DateRange   DateRange         `json:"dateRange"`
}

type EncryptionInfo struct {
	EncryptedSymmetricKey string `json:"encryptedSymmetricKey"`
	InitializationVector  string `json:"initializationVector"`
	EncryptionScheme      string `json:"encryptionScheme"`
}

type ExportRequest struct {
	Filters    ExportFilters  `json:"filters"`
	Encryption EncryptionInfo `json:"encryption"`
}

type ExportResponse struct {
	ReferenceNumber string `json:"referenceNumber"`
}

func (r *ExportResponse) validate() error {
	if r.ReferenceNumber == "" {
		return fmt.Errorf("missing referenceNumber")
	}
	return nil
}

type PackagePart struct {
	OrdinalNumber     int        `json:"ordinalNumber"`
	PartName          string     `json:"partName"`
	Method            string     `json:"method"`
	URL               string     `json:"url"`
	PartSize          int64      `json:"partSize"`
	PartHash          string     `json:"partHash"`
	EncryptedPartSize int64      `json:"encryptedPartSize"`
	EncryptedPartHash string     `json:"encryptedPartHash"`
	ExpirationDate    *time.Time `json:"expirationDate,omitempty"`
}

type ExportPackage struct {
	InvoiceCount             int           `json:"invoiceCount"`
	Size                     int64         `json:"size"`
	Parts                    []PackagePart `json:"parts"`
	IsTruncated              bool          `json:"isTruncated"`
	LastPermanentStorageDate *time.Time    `json:"lastPermanentStorageDate,omitempty"`
	PermanentStorageHwmDate  *time.Time    `json:"permanentStorageHwmDate,omitempty"`
}

type ExportStatusResponse struct {
	Status        OperationStatus `json:"status"`
	CompletedDate *time.Time      `json:"completedDate,omitempty"`
	Package       *ExportPackage  `json:"package,omitempty"`
}

func (r *ExportStatusResponse) validate() error {
	if err := r.Status.validate(); err != nil {
		return err
	}
	if r.Package == nil {
		return nil
	}
	for i, p := range r.Package.Parts {
		if p.URL == "" {
			return fmt.Errorf("package part %d has no url", i)
		}
	}
	return nil
}

// ToModel converts the wire package into the domain package
func (p *ExportPackage) ToModel() *model.Package {
	if p == nil {
		return &model.Package{}
	}
	out := &model.Package{
		InvoiceCount:             p.InvoiceCount,
		IsTruncated:              p.IsTruncated,
		PermanentStorageHwmDate:  p.PermanentStorageHwmDate,
		LastPermanentStorageDate: p.LastPermanentStorageDate,
		Parts:                    make([]model.PackagePart, 0, len(p.Parts)),
	}
	for _, part := range p.Parts {
		out.Parts = append(out.Parts, model.PackagePart{
			OrdinalNumber:  part.OrdinalNumber,
			Name:           part.PartName,
			URL:            part.URL,
			Method:         part.Method,
			EncryptedSize:  part.EncryptedPartSize,
			EncryptedHash:  part.EncryptedPartHash,
			ExpirationDate: part.ExpirationDate,
		})
	}
	return out
}

type exceptionResponse struct {
	Exception struct {
		ExceptionDetailList []struct {
			ExceptionCode        int      `json:"exceptionCode"`
			ExceptionDescription string   `json:"exceptionDescription"`
			Details              []string `json:"details"`
		} `json:"exceptionDetailList"`
	} `json:"exception"`
}

func (r *exceptionResponse) message() string {
	if len(r.Exception.ExceptionDetailList) == 0 {
		return ""
	}
	d := r.Exception.ExceptionDetailList[0]
	return fmt.Sprintf("%d: %s", d.ExceptionCode, d.ExceptionDescription)
}
