package processor_test

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/ksef-fetcher/internal/cryptox"
	"github.com/rezonia/ksef-fetcher/internal/dedup"
	"github.com/rezonia/ksef-fetcher/internal/ksef/kseftest"
	"github.com/rezonia/ksef-fetcher/internal/model"
	"github.com/rezonia/ksef-fetcher/internal/processor"
	"github.com/rezonia/ksef-fetcher/internal/storage"
)

type fakeDownloader struct {
	blobs map[string][]byte
	fail  map[string]bool
	calls []string
}

func (f *fakeDownloader) DownloadPart(ctx context.Context, part model.PackagePart) ([]byte, error) {
	f.calls = append(f.calls, part.URL)
	if f.fail[part.URL] {
		return nil, model.ErrTransport("export.part", 500, errors.New("storage unavailable"))
	}
	return f.blobs[part.URL], nil
}

type fixture struct {
	env  *cryptox.Envelope
	key  []byte
	iv   []byte
	dl   *fakeDownloader
	sink *storage.Directory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key := make([]byte, cryptox.KeySize)
	iv := make([]byte, cryptox.IVSize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	env, err := cryptox.NewEnvelope(key, iv)
	require.NoError(t, err)

	sink, err := storage.NewDirectory(filepath.Join(t.TempDir(), "faktury"))
	require.NoError(t, err)

	return &fixture{
		env:  env,
		key:  key,
		iv:   iv,
		dl:   &fakeDownloader{blobs: map[string][]byte{}, fail: map[string]bool{}},
		sink: sink,
	}
}

// pkg encrypts an archive of entries and publishes it as n parts
func (f *fixture) pkg(t *testing.T, n int, entries ...kseftest.Entry) *model.Package {
	t.Helper()
	ct, err := cryptox.EncryptBulk(kseftest.Archive(entries...), f.key, f.iv)
	require.NoError(t, err)
	return f.publish(ct, n)
}

func (f *fixture) publish(ct []byte, n int) *model.Package {
	size := (len(ct) + n - 1) / n
	out := &model.Package{}
	for i := 0; len(ct) > 0; i++ {
		m := size
		if m > len(ct) {
			m = len(ct)
		}
		chunk := ct[:m]
		ct = ct[m:]

		url := fmt.Sprintf("https://blob.example/%p/%d", out, i)
		f.dl.blobs[url] = chunk
		sum := sha256.Sum256(chunk)
		out.Parts = append(out.Parts, model.PackagePart{
			OrdinalNumber: i + 1,
			URL:           url,
			EncryptedHash: base64.StdEncoding.EncodeToString(sum[:]),
		})
	}
	return out
}

func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	names, err := f.sink.List("")
	require.NoError(t, err)
	return names
}

func TestMaterialize_SingleInvoice(t *testing.T) {
	f := newFixture(t)
	pkg := f.pkg(t, 1,
		kseftest.MetadataEntry("metadata.json", "1111-AAAA"),
		kseftest.Entry{Name: "1111-AAAA.xml", Data: kseftest.InvoiceXML("FV/1")},
	)

	records, err := processor.NewPipeline(f.dl).Materialize(context.Background(), pkg, f.env, f.sink)
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "1111-AAAA", records[0].KSeFNumber)
	assert.Equal(t, "1111-AAAA.xml", records[0].Filename)
	assert.Equal(t, "PLN", records[0].Currency)
	require.NotNil(t, records[0].GrossAmount)
	assert.Equal(t, "123", records[0].GrossAmount.String())

	data, err := f.sink.Read("1111-AAAA.xml")
	require.NoError(t, err)
	assert.Equal(t, kseftest.InvoiceXML("FV/1"), data)
	assert.Equal(t, []string{"1111-AAAA.xml"}, f.files(t))
}

func TestMaterialize_EmptyPackage(t *testing.T) {
	f := newFixture(t)

	records, err := processor.NewPipeline(f.dl).Materialize(context.Background(), &model.Package{}, f.env, f.sink)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, f.dl.calls)
}

func TestMaterialize_Idempotent(t *testing.T) {
	f := newFixture(t)
	pkg := f.pkg(t, 2,
		kseftest.MetadataEntry("_metadata.json", "A", "B"),
		kseftest.Entry{Name: "A.xml", Data: kseftest.InvoiceXML("A")},
		kseftest.Entry{Name: "B.xml", Data: kseftest.InvoiceXML("B")},
	)

	first, err := processor.NewPipeline(f.dl).Materialize(context.Background(), pkg, f.env, f.sink)
	require.NoError(t, err)
	assert.Len(t, first, 2)
	before := f.files(t)

	second, err := processor.NewPipeline(f.dl).Materialize(context.Background(), pkg, f.env, f.sink)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, before, f.files(t))
}

func TestMaterialize_DedupByIdentifierWhenFileExists(t *testing.T) {
	f := newFixture(t)
	meta := kseftest.Entry{Name: "_metadata.json", Data: []byte(`{"invoices":[{"ksefNumber":"X","fileName":"a.xml"}]}`)}
	pkg := f.pkg(t, 1, meta, kseftest.Entry{Name: "a.xml", Data: []byte("<new/>")})
	require.NoError(t, f.sink.Write("a.xml", []byte("<old/>")))

	d := dedup.NewDeduplicator()
	records, err := processor.NewPipeline(f.dl, processor.WithDeduplicator(d)).Materialize(context.Background(), pkg, f.env, f.sink)
	require.NoError(t, err)

	assert.Empty(t, records)
	assert.True(t, d.Seen("X"))

	data, err := f.sink.Read("a.xml")
	require.NoError(t, err)
	assert.Equal(t, "<old/>", string(data))
}

func TestMaterialize_SeenInRunAcrossPackages(t *testing.T) {
	f := newFixture(t)
	entries := []kseftest.Entry{
		kseftest.MetadataEntry("_metadata.json", "A"),
		{Name: "A.xml", Data: kseftest.InvoiceXML("A")},
	}
	p := processor.NewPipeline(f.dl)

	first, err := p.Materialize(context.Background(), f.pkg(t, 1, entries...), f.env, f.sink)
	require.NoError(t, err)
	require.Len(t, first, 1)

	require.NoError(t, os.Remove(filepath.Join(f.sink.Root(), "A.xml")))

	second, err := p.Materialize(context.Background(), f.pkg(t, 1, entries...), f.env, f.sink)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestMaterialize_IdentifierFromFileName(t *testing.T) {
	f := newFixture(t)
	pkg := f.pkg(t, 1,
		kseftest.Entry{Name: "invoices/5555-CCCC.xml", Data: []byte("<c/>")},
		kseftest.Entry{Name: "readme.txt", Data: []byte("ignored")},
	)

	records, err := processor.NewPipeline(f.dl).Materialize(context.Background(), pkg, f.env, f.sink)
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "5555-CCCC", records[0].KSeFNumber)
	assert.Equal(t, "5555-CCCC.xml", records[0].Filename)
	assert.Nil(t, records[0].GrossAmount)
	assert.Equal(t, []string{"5555-CCCC.xml"}, f.files(t))
}

func TestMaterialize_MetadataWithoutFileName(t *testing.T) {
	f := newFixture(t)
	meta := kseftest.Entry{Name: "_metadata.json", Data: []byte(`{"invoices":[
		{"ksefNumber":"7777-DDDD","invoiceNumber":"FV/7","seller":{"nip":"1111111111","name":"ACME"},"grossAmount":99.5,"currency":"EUR"}
	]}`)}
	pkg := f.pkg(t, 1, meta, kseftest.Entry{Name: "7777-DDDD.xml", Data: []byte("<d/>")})

	records, err := processor.NewPipeline(f.dl).Materialize(context.Background(), pkg, f.env, f.sink)
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "FV/7", records[0].InvoiceNumber)
	assert.Equal(t, "ACME", records[0].SellerName)
	assert.Equal(t, "EUR", records[0].Currency)
	assert.Equal(t, "99.5", records[0].GrossAmount.String())
}

func TestMaterialize_PartFailureAbortsPackage(t *testing.T) {
	f := newFixture(t)
	pkg := f.pkg(t, 3,
		kseftest.MetadataEntry("_metadata.json", "A"),
		kseftest.Entry{Name: "A.xml", Data: kseftest.InvoiceXML("A")},
	)
	f.dl.fail[pkg.Parts[1].URL] = true

	records, err := processor.NewPipeline(f.dl).Materialize(context.Background(), pkg, f.env, f.sink)
	require.Error(t, err)
	assert.Empty(t, records)
	assert.Equal(t, model.ErrCodeTransport, model.CodeOf(err))
	assert.Empty(t, f.files(t))
	assert.Len(t, f.dl.calls, 2)
}

func TestMaterialize_HashMismatch(t *testing.T) {
	f := newFixture(t)
	pkg := f.pkg(t, 1, kseftest.Entry{Name: "A.xml", Data: []byte("<a/>")})
	pkg.Parts[0].EncryptedHash = base64.StdEncoding.EncodeToString(make([]byte, sha256.Size))

	_, err := processor.NewPipeline(f.dl).Materialize(context.Background(), pkg, f.env, f.sink)
	assert.Equal(t, model.ErrCodePackageFormat, model.CodeOf(err))
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestMaterialize_NotAnArchive(t *testing.T) {
	f := newFixture(t)
	ct, err := cryptox.EncryptBulk([]byte("definitely not a zip archive"), f.key, f.iv)
	require.NoError(t, err)

	_, err = processor.NewPipeline(f.dl).Materialize(context.Background(), f.publish(ct, 1), f.env, f.sink)
	assert.Equal(t, model.ErrCodePackageFormat, model.CodeOf(err))
}

func TestMaterialize_MalformedMetadata(t *testing.T) {
	f := newFixture(t)
	pkg := f.pkg(t, 1,
		kseftest.Entry{Name: "_metadata.json", Data: []byte("{")},
		kseftest.Entry{Name: "A.xml", Data: []byte("<a/>")},
	)

	_, err := processor.NewPipeline(f.dl).Materialize(context.Background(), pkg, f.env, f.sink)
	assert.Equal(t, model.ErrCodePackageFormat, model.CodeOf(err))
	assert.Empty(t, f.files(t))
}

func TestMaterialize_MisalignedCiphertext(t *testing.T) {
	f := newFixture(t)

	_, err := processor.NewPipeline(f.dl).Materialize(context.Background(), f.publish(make([]byte, 20), 1), f.env, f.sink)
	assert.Equal(t, model.ErrCodeDecryption, model.CodeOf(err))
}

func TestMaterialize_BackslashEntryNames(t *testing.T) {
	f := newFixture(t)
	meta := kseftest.Entry{Name: `export\_metadata.json`, Data: []byte(`{"invoices":[
		{"ksefNumber":"8888-EEEE","fileName":"faktury\\A.xml","grossAmount":"10.50","currency":"PLN"}
	]}`)}
	pkg := f.pkg(t, 1, meta, kseftest.Entry{Name: `faktury\A.xml`, Data: []byte("<a/>")})

	records, err := processor.NewPipeline(f.dl).Materialize(context.Background(), pkg, f.env, f.sink)
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, "8888-EEEE", records[0].KSeFNumber)
	assert.Equal(t, "A.xml", records[0].Filename)
	assert.Equal(t, "10.5", records[0].GrossAmount.String())
	assert.Equal(t, []string{"A.xml"}, f.files(t))
}

// strictSink refuses every name
type strictSink struct{}

func (strictSink) Exists(name string) (bool, error) {
	return false, nil
}

func (strictSink) Write(name string, data []byte) error {
	return fmt.Errorf("%w %q", storage.ErrInvalidName, name)
}

func TestMaterialize_RejectedNameIsPackageFormat(t *testing.T) {
	f := newFixture(t)
	pkg := f.pkg(t, 1, kseftest.Entry{Name: "A.xml", Data: []byte("<a/>")})

	_, err := processor.NewPipeline(f.dl).Materialize(context.Background(), pkg, f.env, strictSink{})
	require.Error(t, err)
	assert.Equal(t, model.ErrCodePackageFormat, model.CodeOf(err))
	assert.ErrorIs(t, err, storage.ErrInvalidName)
}

func TestMaterialize_InvalidGrossAmount(t *testing.T) {
	f := newFixture(t)
	meta := kseftest.Entry{Name: "_metadata.json", Data: []byte(`{"invoices":[{"ksefNumber":"A","grossAmount":"12,5x"}]}`)}
	pkg := f.pkg(t, 1, meta, kseftest.Entry{Name: "A.xml", Data: []byte("<a/>")})

	_, err := processor.NewPipeline(f.dl).Materialize(context.Background(), pkg, f.env, f.sink)
	assert.Equal(t, model.ErrCodePackageFormat, model.CodeOf(err))
	assert.Contains(t, err.Error(), "gross amount")
	assert.Empty(t, f.files(t))
}
