package cryptox_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/ksef-fetcher/internal/cryptox"
	"github.com/rezonia/ksef-fetcher/internal/model"
)

func createTestCert(t *testing.T, key *rsa.PrivateKey, notBefore, notAfter time.Time) string {
	t.Helper()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "KSeF Test"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestNewKeySet_SelectsByUsage(t *testing.T) {
	now := time.Now()
	tokenKey := newKey(t)
	symKey := newKey(t)

	ks, err := cryptox.NewKeySet([]cryptox.Certificate{
		{Usage: []string{"KsefTokenEncryption"}, Certificate: createTestCert(t, tokenKey, now.Add(-time.Hour), now.Add(time.Hour))},
		{Usage: []string{"SymmetricKeyEncryption"}, Certificate: createTestCert(t, symKey, now.Add(-time.Hour), now.Add(time.Hour))},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, tokenKey.PublicKey.N, ks.PublicKey(cryptox.UsageTokenEncryption).N)
	assert.Equal(t, symKey.PublicKey.N, ks.PublicKey(cryptox.UsageSymmetricKeyEncryption).N)
}

func TestNewKeySet_PrefersCurrentlyValid(t *testing.T) {
	now := time.Now()
	expired := newKey(t)
	current := newKey(t)

	ks, err := cryptox.NewKeySet([]cryptox.Certificate{
		{Usage: []string{"KsefTokenEncryption", "SymmetricKeyEncryption"}, Certificate: createTestCert(t, expired, now.Add(-48*time.Hour), now.Add(-24*time.Hour))},
		{Usage: []string{"KsefTokenEncryption", "SymmetricKeyEncryption"}, Certificate: createTestCert(t, current, now.Add(-time.Hour), now.Add(time.Hour))},
	}, now)
	require.NoError(t, err)

	assert.Equal(t, current.PublicKey.N, ks.PublicKey(cryptox.UsageTokenEncryption).N)
}

func TestNewKeySet_MissingUsage(t *testing.T) {
	now := time.Now()
	key := newKey(t)

	_, err := cryptox.NewKeySet([]cryptox.Certificate{
		{Usage: []string{"KsefTokenEncryption"}, Certificate: createTestCert(t, key, now.Add(-time.Hour), now.Add(time.Hour))},
	}, now)
	require.Error(t, err)
	assert.True(t, model.HasCode(err, model.ErrCodeKeyNotFound))
	assert.Contains(t, err.Error(), "SymmetricKeyEncryption")
}

func TestNewKeySet_UndecodableCertificate(t *testing.T) {
	_, err := cryptox.NewKeySet([]cryptox.Certificate{
		{Usage: []string{"KsefTokenEncryption", "SymmetricKeyEncryption"}, Certificate: "not base64!"},
	}, time.Now())
	require.Error(t, err)
	assert.Equal(t, model.ErrCodeKeyNotFound, model.CodeOf(err))
}

func TestEncryptShortSecret_OAEPSHA256(t *testing.T) {
	now := time.Now()
	key := newKey(t)
	cert := createTestCert(t, key, now.Add(-time.Hour), now.Add(time.Hour))

	ks, err := cryptox.NewKeySet([]cryptox.Certificate{
		{Usage: []string{"KsefTokenEncryption", "SymmetricKeyEncryption"}, Certificate: cert},
	}, now)
	require.NoError(t, err)

	secret := []byte("token-abc|1718000000000")
	ct, err := ks.EncryptShortSecret(secret, cryptox.UsageTokenEncryption)
	require.NoError(t, err)

	pt, err := rsa.DecryptOAEP(sha256.New(), nil, key, ct, nil)
	require.NoError(t, err)
	assert.Equal(t, secret, pt)
}

func TestBulk_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, cryptox.KeySize)
	iv := bytes.Repeat([]byte{0x07}, cryptox.IVSize)

	for _, n := range []int{0, 1, 15, 16, 17, 100} {
		plaintext := bytes.Repeat([]byte("x"), n)

		ct, err := cryptox.EncryptBulk(plaintext, key, iv)
		require.NoError(t, err)
		assert.Zero(t, len(ct)%16)
		assert.Greater(t, len(ct), n)

		got, err := cryptox.DecryptBulk(ct, key, iv)
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, plaintext, got, "length %d", n)
	}
}

func TestDecryptBulk_Errors(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, cryptox.KeySize)
	iv := bytes.Repeat([]byte{0x02}, cryptox.IVSize)

	t.Run("empty ciphertext", func(t *testing.T) {
		_, err := cryptox.DecryptBulk(nil, key, iv)
		assert.Equal(t, model.ErrCodeDecryption, model.CodeOf(err))
	})

	t.Run("partial block", func(t *testing.T) {
		_, err := cryptox.DecryptBulk(make([]byte, 17), key, iv)
		assert.Equal(t, model.ErrCodeDecryption, model.CodeOf(err))
	})

	t.Run("short key", func(t *testing.T) {
		_, err := cryptox.DecryptBulk(make([]byte, 16), key[:16], iv)
		assert.Equal(t, model.ErrCodeDecryption, model.CodeOf(err))
	})

	t.Run("padding byte zero", func(t *testing.T) {
		// a full block whose last plaintext byte is 0
		ct := encryptRaw(t, append(bytes.Repeat([]byte{'a'}, 15), 0x00), key, iv)
		_, err := cryptox.DecryptBulk(ct, key, iv)
		assert.Equal(t, model.ErrCodeDecryption, model.CodeOf(err))
	})

	t.Run("padding byte above block size", func(t *testing.T) {
		ct := encryptRaw(t, append(bytes.Repeat([]byte{'a'}, 15), 0x11), key, iv)
		_, err := cryptox.DecryptBulk(ct, key, iv)
		assert.Equal(t, model.ErrCodeDecryption, model.CodeOf(err))
	})

	t.Run("inconsistent padding", func(t *testing.T) {
		ct := encryptRaw(t, append(bytes.Repeat([]byte{'a'}, 14), 0x01, 0x02), key, iv)
		_, err := cryptox.DecryptBulk(ct, key, iv)
		assert.Equal(t, model.ErrCodeDecryption, model.CodeOf(err))
	})
}

// encryptRaw encrypts an already block-aligned buffer without adding padding.
func encryptRaw(t *testing.T, block, key, iv []byte) []byte {
	t.Helper()
	require.Len(t, block, 16)
	// EncryptBulk appends a full padding block to aligned input; the first block is the raw one.
	ct, err := cryptox.EncryptBulk(block, key, iv)
	require.NoError(t, err)
	return ct[:16]
}

func TestEnvelope_GenerateIsFresh(t *testing.T) {
	a, err := cryptox.GenerateEnvelope()
	require.NoError(t, err)
	b, err := cryptox.GenerateEnvelope()
	require.NoError(t, err)

	assert.NotEqual(t, a.IV(), b.IV())
	assert.Empty(t, a.EncryptedKey())
	assert.NotContains(t, a.String(), a.IV())
}

func TestEnvelope_SealAndDecrypt(t *testing.T) {
	now := time.Now()
	priv := newKey(t)
	ks, err := cryptox.NewKeySet([]cryptox.Certificate{
		{Usage: []string{"KsefTokenEncryption", "SymmetricKeyEncryption"}, Certificate: createTestCert(t, priv, now.Add(-time.Hour), now.Add(time.Hour))},
	}, now)
	require.NoError(t, err)

	env, err := cryptox.GenerateEnvelope()
	require.NoError(t, err)

	_, err = env.Seal(ks)
	require.NoError(t, err)

	// the receiving side recovers the key with its private key
	wrapped, err := base64.StdEncoding.DecodeString(env.EncryptedKey())
	require.NoError(t, err)
	symKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	require.NoError(t, err)
	require.Len(t, symKey, cryptox.KeySize)

	iv, err := base64.StdEncoding.DecodeString(env.IV())
	require.NoError(t, err)

	ct, err := cryptox.EncryptBulk([]byte("invoice archive"), symKey, iv)
	require.NoError(t, err)

	pt, err := env.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, []byte("invoice archive"), pt)
}

func TestNewEnvelope_CopiesInput(t *testing.T) {
	key := bytes.Repeat([]byte{0x09}, cryptox.KeySize)
	iv := bytes.Repeat([]byte{0x03}, cryptox.IVSize)

	env, err := cryptox.NewEnvelope(key, iv)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x09}, cryptox.KeySize), key)

	ct, err := cryptox.EncryptBulk([]byte("hello"), key, iv)
	require.NoError(t, err)
	pt, err := env.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))

	_, err = cryptox.NewEnvelope(key[:10], iv)
	assert.Error(t, err)
}
