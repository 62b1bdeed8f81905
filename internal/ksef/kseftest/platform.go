// Package kseftest provides an in-process fake of the platform API for tests.
// It issues real RSA certificates, checks the encrypted token, unwraps the export
// key and serves AES-256-CBC encrypted ZIP packages split into parts.
package kseftest

import (
	"archive/zip"
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rezonia/ksef-fetcher/internal/cryptox"
	"github.com/rezonia/ksef-fetcher/internal/ksef"
	"github.com/rezonia/ksef-fetcher/internal/model"
)

const (
	Token       = "test-ksef-token"
	AuthToken   = "auth-token-1"
	AccessToken = "access-token-1"
	TimestampMs = int64(1718000000000)
)

// Entry is one file inside an export archive
type Entry struct {
	Name string
	Data []byte
}

// Export scripts the outcome of one export request
type Export struct {
	Entries                  []Entry
	Parts                    int
	IsTruncated              bool
	PermanentStorageHwmDate  *time.Time
	LastPermanentStorageDate *time.Time
	// Statuses is the sequence of status codes returned before the final 200.
	Statuses    []int
	FailCode    int
	Description string
	// CorruptHash publishes a wrong encryptedPartHash for every part.
	CorruptHash bool
	// FailPart makes the part download return 500.
	FailPart bool
}

type job struct {
	role   model.SubjectRole
	export Export
	polls  int
	parts  [][]byte
}

// Platform is a scriptable fake of the platform API
type Platform struct {
	Server       *httptest.Server
	TokenKey     *rsa.PrivateKey
	SymmetricKey *rsa.PrivateKey

	mu sync.Mutex
	// AuthStatuses is the sequence of codes returned by the auth status endpoint;
	// the last element repeats. Empty means immediate success.
	AuthStatuses    []int
	AuthDescription string
	// OmitUsage drops certificates tagged with this usage from the directory.
	OmitUsage      string
	FailChallenge  bool
	FailSubmit     bool
	FailAuthStatus bool
	FailRedeem     bool
	exports        map[model.SubjectRole][]Export
	jobs           map[string]*job
	calls          map[string]int
	authPolls      int
	ExportRequests []ksef.ExportRequest
	contexts       []model.ContextIdentifier
}

// NewPlatform starts a fake platform; it is closed when the test ends.
func NewPlatform(t testing.TB) *Platform {
	t.Helper()

	p := &Platform{
		TokenKey:     mustKey(t),
		SymmetricKey: mustKey(t),
		exports:      make(map[model.SubjectRole][]Export),
		jobs:         make(map[string]*job),
		calls:        make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /security/public-key-certificates", p.handleCertificates)
	mux.HandleFunc("POST /auth/challenge", p.handleChallenge)
	mux.HandleFunc("POST /auth/ksef-token", p.handleSubmit)
	mux.HandleFunc("POST /auth/token/redeem", p.handleRedeem)
	mux.HandleFunc("GET /auth/{ref}", p.handleAuthStatus)
	mux.HandleFunc("POST /invoices/exports", p.handleExport)
	mux.HandleFunc("GET /invoices/exports/{ref}", p.handleExportStatus)
	mux.HandleFunc("GET /parts/{ref}/{n}", p.handlePart)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// URL returns the API root of the fake
func (p *Platform) URL() string {
	return p.Server.URL
}

// QueueExport scripts the next export for a role. Roles without a queued
// export receive a completed job with an empty package.
func (p *Platform) QueueExport(role model.SubjectRole, e Export) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exports[role] = append(p.exports[role], e)
}

// Calls returns how often an endpoint was hit, keyed like "auth.status"
func (p *Platform) Calls(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

// Requests returns the recorded export requests
func (p *Platform) Requests() []ksef.ExportRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ksef.ExportRequest(nil), p.ExportRequests...)
}

// Contexts returns the context identifiers of all token submissions
func (p *Platform) Contexts() []model.ContextIdentifier {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.ContextIdentifier(nil), p.contexts...)
}

// Certificates returns the directory entries as served
func (p *Platform) Certificates() []ksef.PublicKeyCertificate {
	now := time.Now()
	var out []ksef.PublicKeyCertificate
	if p.OmitUsage != string(cryptox.UsageTokenEncryption) {
		out = append(out, ksef.PublicKeyCertificate{
			Certificate: certificate(p.TokenKey, now),
			ValidFrom:   now.Add(-time.Hour),
			ValidTo:     now.Add(time.Hour),
			Usage:       []string{string(cryptox.UsageTokenEncryption)},
		})
	}
	if p.OmitUsage != string(cryptox.UsageSymmetricKeyEncryption) {
		out = append(out, ksef.PublicKeyCertificate{
			Certificate: certificate(p.SymmetricKey, now),
			ValidFrom:   now.Add(-time.Hour),
			ValidTo:     now.Add(time.Hour),
			Usage:       []string{string(cryptox.UsageSymmetricKeyEncryption)},
		})
	}
	return out
}

func (p *Platform) hit(name string) {
	p.mu.Lock()
	p.calls[name]++
	p.mu.Unlock()
}

func (p *Platform) handleCertificates(w http.ResponseWriter, r *http.Request) {
	p.hit("security.certificates")
	writeJSON(w, http.StatusOK, p.Certificates())
}

func (p *Platform) handleChallenge(w http.ResponseWriter, r *http.Request) {
	p.hit("auth.challenge")
	if p.FailChallenge {
		writeException(w, http.StatusServiceUnavailable, 21000, "service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, ksef.ChallengeResponse{
		Challenge:   "20250101-CR-TEST",
		Timestamp:   time.UnixMilli(TimestampMs).UTC(),
		TimestampMs: TimestampMs,
	})
}

func (p *Platform) handleSubmit(w http.ResponseWriter, r *http.Request) {
	p.hit("auth.submit")
	if p.FailSubmit {
		writeException(w, http.StatusBadRequest, 21301, "authentication context not allowed")
		return
	}

	var req ksef.TokenAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Challenge == "" {
		writeException(w, http.StatusBadRequest, 21405, "invalid request")
		return
	}

	ct, err := base64.StdEncoding.DecodeString(req.EncryptedToken)
	if err != nil {
		writeException(w, http.StatusBadRequest, 21405, "encryptedToken is not base64")
		return
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), nil, p.TokenKey, ct, nil)
	if err != nil {
		writeException(w, http.StatusBadRequest, 21405, "cannot decrypt token")
		return
	}

	p.mu.Lock()
	p.contexts = append(p.contexts, req.ContextIdentifier)
	if string(pt) != fmt.Sprintf("%s|%d", Token, TimestampMs) {
		// the platform accepts the request and reports failure through status polling
		p.AuthStatuses = []int{450}
		p.AuthDescription = "invalid token"
	}
	p.mu.Unlock()

	writeJSON(w, http.StatusAccepted, ksef.TokenAuthResponse{
		ReferenceNumber:     "20250101-AU-TEST",
		AuthenticationToken: ksef.TokenInfo{Token: AuthToken, ValidUntil: time.Now().Add(time.Hour)},
	})
}

func (p *Platform) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	p.hit("auth.status")
	if p.FailAuthStatus {
		writeException(w, http.StatusInternalServerError, 21000, "internal error")
		return
	}
	if bearer(r) != AuthToken {
		writeException(w, http.StatusUnauthorized, 401, "unauthorized")
		return
	}

	p.mu.Lock()
	code := StatusAt(p.AuthStatuses, p.authPolls)
	p.authPolls++
	desc := p.AuthDescription
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"startDate":            time.Now().UTC(),
		"authenticationMethod": "Token",
		"status":               map[string]any{"code": code, "description": desc},
	})
}

func (p *Platform) handleRedeem(w http.ResponseWriter, r *http.Request) {
	p.hit("auth.redeem")
	if p.FailRedeem {
		writeException(w, http.StatusBadRequest, 21304, "token already redeemed")
		return
	}
	if bearer(r) != AuthToken {
		writeException(w, http.StatusUnauthorized, 401, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, ksef.RedeemResponse{
		AccessToken: ksef.TokenInfo{Token: AccessToken, ValidUntil: time.Now().Add(time.Hour)},
	})
}

func (p *Platform) handleExport(w http.ResponseWriter, r *http.Request) {
	p.hit("export.request")
	if bearer(r) != AccessToken {
		writeException(w, http.StatusUnauthorized, 401, "unauthorized")
		return
	}
	if r.Header.Get("X-KSeF-Feature") != "include-metadata" {
		writeException(w, http.StatusBadRequest, 21405, "metadata feature not requested")
		return
	}

	var req ksef.ExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeException(w, http.StatusBadRequest, 21405, "invalid request")
		return
	}

	wrapped, err := base64.StdEncoding.DecodeString(req.Encryption.EncryptedSymmetricKey)
	if err != nil {
		writeException(w, http.StatusBadRequest, 21405, "encryptedSymmetricKey is not base64")
		return
	}
	key, err := rsa.DecryptOAEP(sha256.New(), nil, p.SymmetricKey, wrapped, nil)
	if err != nil {
		writeException(w, http.StatusBadRequest, 21405, "cannot decrypt symmetric key")
		return
	}
	iv, err := base64.StdEncoding.DecodeString(req.Encryption.InitializationVector)
	if err != nil || len(iv) != cryptox.IVSize || req.Encryption.EncryptionScheme != cryptox.Scheme {
		writeException(w, http.StatusBadRequest, 21405, "invalid encryption info")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.ExportRequests = append(p.ExportRequests, req)
	role := req.Filters.SubjectType

	var e Export
	if queue := p.exports[role]; len(queue) > 0 {
		e = queue[0]
		p.exports[role] = queue[1:]
	}

	j := &job{role: role, export: e}
	if len(e.Entries) > 0 {
		ct, err := cryptox.EncryptBulk(Archive(e.Entries...), key, iv)
		if err != nil {
			writeException(w, http.StatusInternalServerError, 500, err.Error())
			return
		}
		j.parts = split(ct, e.Parts)
	}

	ref := fmt.Sprintf("20250101-EX-%04d", len(p.jobs)+1)
	p.jobs[ref] = j

	writeJSON(w, http.StatusAccepted, ksef.ExportResponse{ReferenceNumber: ref})
}

func (p *Platform) handleExportStatus(w http.ResponseWriter, r *http.Request) {
	p.hit("export.status")
	if bearer(r) != AccessToken {
		writeException(w, http.StatusUnauthorized, 401, "unauthorized")
		return
	}

	ref := r.PathValue("ref")

	p.mu.Lock()
	j, ok := p.jobs[ref]
	if !ok {
		p.mu.Unlock()
		writeException(w, http.StatusNotFound, 404, "unknown export")
		return
	}
	n := j.polls
	j.polls++
	p.mu.Unlock()

	e := j.export
	if n < len(e.Statuses) {
		writeJSON(w, http.StatusOK, map[string]any{"status": map[string]any{"code": e.Statuses[n], "description": "in progress"}})
		return
	}
	if e.FailCode != 0 {
		writeJSON(w, http.StatusOK, map[string]any{"status": map[string]any{"code": e.FailCode, "description": e.Description}})
		return
	}

	pkg := ksef.ExportPackage{
		InvoiceCount:             len(e.Entries),
		IsTruncated:              e.IsTruncated,
		PermanentStorageHwmDate:  e.PermanentStorageHwmDate,
		LastPermanentStorageDate: e.LastPermanentStorageDate,
		Parts:                    []ksef.PackagePart{},
	}
	for i, part := range j.parts {
		sum := sha256.Sum256(part)
		hash := base64.StdEncoding.EncodeToString(sum[:])
		if e.CorruptHash {
			hash = base64.StdEncoding.EncodeToString(make([]byte, sha256.Size))
		}
		pkg.Parts = append(pkg.Parts, ksef.PackagePart{
			OrdinalNumber:     i + 1,
			PartName:          fmt.Sprintf("%s-%d.zip.aes", ref, i+1),
			Method:            http.MethodGet,
			URL:               fmt.Sprintf("%s/parts/%s/%d", p.Server.URL, ref, i),
			EncryptedPartSize: int64(len(part)),
			EncryptedPartHash: hash,
		})
	}

	writeJSON(w, http.StatusOK, ksef.ExportStatusResponse{
		Status:  ksef.OperationStatus{Code: intPtr(ksef.StatusSuccess), Description: "Export completed"},
		Package: &pkg,
	})
}

func (p *Platform) handlePart(w http.ResponseWriter, r *http.Request) {
	p.hit("export.part")
	if r.Header.Get("Authorization") != "" {
		http.Error(w, "pre-signed url must not carry a token", http.StatusBadRequest)
		return
	}

	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	p.mu.Lock()
	j, ok := p.jobs[r.PathValue("ref")]
	p.mu.Unlock()
	if !ok || n < 0 || n >= len(j.parts) {
		http.NotFound(w, r)
		return
	}
	if j.export.FailPart {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(j.parts[n])
}

// StatusAt returns the i-th code of a scripted sequence; the last code repeats
// and an empty sequence means success.
func StatusAt(seq []int, i int) int {
	if len(seq) == 0 {
		return ksef.StatusSuccess
	}
	if i >= len(seq) {
		return seq[len(seq)-1]
	}
	return seq[i]
}

// Archive builds a ZIP archive from entries, in order
func Archive(entries ...Entry) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		f, err := zw.Create(e.Name)
		if err != nil {
			panic(err)
		}
		if _, err := f.Write(e.Data); err != nil {
			panic(err)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// MetadataEntry builds a metadata entry listing the given invoice numbers
func MetadataEntry(name string, ksefNumbers ...string) Entry {
	type invoice struct {
		KSeFNumber  string `json:"ksefNumber"`
		FileName    string `json:"fileName"`
		GrossAmount string `json:"grossAmount"`
		Currency    string `json:"currency"`
	}
	doc := struct {
		Invoices []invoice `json:"invoices"`
	}{}
	for _, n := range ksefNumbers {
		doc.Invoices = append(doc.Invoices, invoice{KSeFNumber: n, FileName: n + ".xml", GrossAmount: "123.00", Currency: "PLN"})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return Entry{Name: name, Data: data}
}

// InvoiceXML returns a minimal FA(3) invoice document
func InvoiceXML(number string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>
<Faktura xmlns="http://crd.gov.pl/wzor/2025/06/25/13775/"><Fa><P_2>` + number + `</P_2></Fa></Faktura>`)
}

func split(data []byte, parts int) [][]byte {
	if parts <= 1 {
		return [][]byte{data}
	}
	size := (len(data) + parts - 1) / parts
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func mustKey(t testing.TB) *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func certificate(key *rsa.PrivateKey, now time.Time) string {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: "KSeF Test Encryption"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(der)
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func intPtr(v int) *int {
	return &v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeException(w http.ResponseWriter, status, code int, desc string) {
	writeJSON(w, status, map[string]any{
		"exception": map[string]any{
			"exceptionDetailList": []map[string]any{{"exceptionCode": code, "exceptionDescription": desc}},
		},
	})
}
