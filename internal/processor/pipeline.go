// Package processor turns a completed export package into invoice documents on disk.
package processor

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	money "github.com/rezonia/ksef-fetcher/internal/decimal"
	"github.com/rezonia/ksef-fetcher/internal/dedup"
	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/storage"
)

// MetadataNames are the archive entries that carry invoice metadata, in lookup order
var MetadataNames = []string{"_metadata.json", "metadata.json"}

// DocumentExt is the extension of invoice documents inside a package
const DocumentExt = ".xml"

// Downloader fetches one package part
type Downloader interface {
	DownloadPart(ctx context.Context, part model.PackagePart) ([]byte, error)
}

// Decrypter decrypts a reassembled package with the key of the export that produced it
type Decrypter interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Pipeline downloads, decrypts and extracts export packages
type Pipeline struct {
	downloader Downloader
	dedup      *dedup.Deduplicator
	logger     *slog.Logger
}

// PipelineOption configures the pipeline
type PipelineOption func(*Pipeline)

// WithDeduplicator shares a seen-set across pipelines; by default each pipeline has its own
func WithDeduplicator(d *dedup.Deduplicator) PipelineOption {
	return func(p *Pipeline) {
		p.dedup = d
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// NewPipeline creates a new pipeline
func NewPipeline(downloader Downloader, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		downloader: downloader,
		dedup:      dedup.NewDeduplicator(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Materialize writes the new documents of pkg into sink and returns their records.
// Any part failure aborts the whole package before anything is written.
func (p *Pipeline) Materialize(ctx context.Context, pkg *model.Package, env Decrypter, sink storage.Sink) ([]model.InvoiceRecord, error) {
	if pkg.Empty() {
		return nil, nil
	}

	ciphertext, err := p.download(ctx, pkg.Parts)
	if err != nil {
		return nil, err
	}

	plaintext, err := env.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(plaintext), int64(len(plaintext)))
	if err != nil {
		return nil, model.ErrPackageFormat("archive", "decrypted package is not a zip archive", err)
	}

	index, err := readMetadata(zr)
	if err != nil {
		return nil, err
	}

	var records []model.InvoiceRecord
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		name, ok := documentName(f)
		if !ok {
			continue
		}

		meta, known := index[name]
		id := meta.KSeFNumber
		if !known {
			id = strings.TrimSuffix(name, path.Ext(name))
		}

		verdict, err := p.dedup.Classify(id, name, sink)
		if err != nil {
			return records, entryError(f, err)
		}
		if verdict != dedup.New {
			p.logger.DebugContext(ctx, "skipping invoice", "ksef_number", id, "reason", verdict.String())
			continue
		}

		data, err := readEntry(f)
		if err != nil {
			return records, model.ErrPackageFormat("archive", "reading entry "+f.Name, err)
		}
		if err := sink.Write(name, data); err != nil {
			return records, entryError(f, fmt.Errorf("writing %s: %w", name, err))
		}
		p.dedup.Mark(id)

		records = append(records, model.InvoiceRecord{
			KSeFNumber:    id,
			Filename:      name,
			InvoiceNumber: meta.InvoiceNumber,
			SellerName:    meta.SellerName,
			GrossAmount:   meta.GrossAmount,
			Currency:      meta.Currency,
		})
		p.logger.DebugContext(ctx, "invoice written", "ksef_number", id, "filename", name)
	}

	return records, nil
}

func (p *Pipeline) download(ctx context.Context, parts []model.PackagePart) ([]byte, error) {
	var buf bytes.Buffer
	for _, part := range parts {
		data, err := p.downloader.DownloadPart(ctx, part)
		if err != nil {
			return nil, err
		}
		if err := verifyPart(part, data); err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	p.logger.DebugContext(ctx, "package downloaded", "parts", len(parts), "bytes", buf.Len())
	return buf.Bytes(), nil
}

func verifyPart(part model.PackagePart, data []byte) error {
	if part.EncryptedHash == "" {
		return nil
	}
	want, err := base64.StdEncoding.DecodeString(part.EncryptedHash)
	if err != nil {
		return model.ErrPackageFormat("export.part", fmt.Sprintf("part %d hash is not base64", part.OrdinalNumber), err)
	}
	got := sha256.Sum256(data)
	if !bytes.Equal(want, got[:]) {
		return model.ErrPackageFormat("export.part", fmt.Sprintf("part %d hash mismatch", part.OrdinalNumber), nil)
	}
	return nil
}

type metadataFile struct {
	Invoices []metadataEntry `json:"invoices"`
}

type metadataEntry struct {
	KSeFNumber    string           `json:"ksefNumber"`
	FileName      string           `json:"fileName"`
	InvoiceNumber string           `json:"invoiceNumber"`
	IssueDate     string           `json:"issueDate"`
	Seller        *metadataParty   `json:"seller"`
	GrossAmount   json.RawMessage  `json:"grossAmount"`
	Currency      string           `json:"currency"`
}

type metadataParty struct {
	NIP  string `json:"nip"`
	Name string `json:"name"`
}

// readMetadata maps document file names to their metadata. An archive without
// a metadata entry yields an empty index.
func readMetadata(zr *zip.Reader) (map[string]model.InvoiceMetadata, error) {
	index := make(map[string]model.InvoiceMetadata)

	f := findMetadata(zr)
	if f == nil {
		return index, nil
	}

	data, err := readEntry(f)
	if err != nil {
		return nil, model.ErrPackageFormat("metadata", "reading "+f.Name, err)
	}

	var doc metadataFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, model.ErrPackageFormat("metadata", "malformed "+f.Name, err)
	}

	for _, e := range doc.Invoices {
		if e.KSeFNumber == "" {
			continue
		}
		name := e.FileName
		if name == "" {
			name = e.KSeFNumber + DocumentExt
		}
		meta := model.InvoiceMetadata{
			KSeFNumber:    e.KSeFNumber,
			FileName:      baseName(name),
			InvoiceNumber: e.InvoiceNumber,
			IssueDate:     e.IssueDate,
			Currency:      e.Currency,
		}
		if raw := strings.Trim(string(e.GrossAmount), `"`); raw != "" && raw != "null" {
			amount, err := money.FromString(raw)
			if err != nil {
				return nil, model.ErrPackageFormat("metadata", "invalid gross amount for "+e.KSeFNumber, err)
			}
			meta.GrossAmount = &amount
		}
		if e.Seller != nil {
			meta.SellerNIP = e.Seller.NIP
			meta.SellerName = e.Seller.Name
		}
		index[meta.FileName] = meta
	}
	return index, nil
}

func findMetadata(zr *zip.Reader) *zip.File {
	for _, want := range MetadataNames {
		for _, f := range zr.File {
			if baseName(f.Name) == want {
				return f
			}
		}
	}
	return nil
}

// documentName returns the flat file name of an invoice document entry
func documentName(f *zip.File) (string, bool) {
	if f.FileInfo().IsDir() {
		return "", false
	}
	name := baseName(f.Name)
	if !strings.EqualFold(path.Ext(name), DocumentExt) {
		return "", false
	}
	if name == "." || name == "/" || strings.HasPrefix(name, ".") {
		return "", false
	}
	return name, true
}

// baseName strips the directory part of an entry name. Archives built on
// Windows may use backslash separators.
func baseName(name string) string {
	return path.Base(strings.ReplaceAll(name, `\`, "/"))
}

// entryError reports a name the sink refuses as a package defect
func entryError(f *zip.File, err error) error {
	if errors.Is(err, storage.ErrInvalidName) {
		return model.ErrPackageFormat("archive", "unusable entry name "+f.Name, err)
	}
	return err
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
