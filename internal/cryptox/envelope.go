package cryptox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/awnumar/memguard"
)

// Scheme is the cipher declaration sent with every export request
const Scheme = "AES-256-CBC"

// Envelope is a one-shot symmetric key and IV. The key stays in an encrypted
// enclave; only its RSA-encrypted form ever leaves the process.
type Envelope struct {
	key          *memguard.Enclave
	iv           []byte
	encryptedKey []byte
}

// GenerateEnvelope draws a fresh 32-byte key and an independent 16-byte IV from a CSPRNG.
func GenerateEnvelope() (*Envelope, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}
	return &Envelope{
		key: memguard.NewEnclaveRandom(KeySize),
		iv:  iv,
	}, nil
}

// NewEnvelope builds an envelope from existing key material. The arguments are copied.
func NewEnvelope(key, iv []byte) (*Envelope, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(key), KeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), IVSize)
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Envelope{
		key: memguard.NewEnclave(k),
		iv:  append([]byte(nil), iv...),
	}, nil
}

// Seal encrypts the symmetric key for transmission and keeps the result on the envelope.
func (e *Envelope) Seal(keys *KeySet) ([]byte, error) {
	buf, err := e.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	enc, err := keys.EncryptShortSecret(buf.Bytes(), UsageSymmetricKeyEncryption)
	if err != nil {
		return nil, err
	}
	e.encryptedKey = enc
	return enc, nil
}

// EncryptedKey returns the base64 RSA-encrypted key, or "" before Seal
func (e *Envelope) EncryptedKey() string {
	if e.encryptedKey == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(e.encryptedKey)
}

// IV returns the base64 initialization vector
func (e *Envelope) IV() string {
	return base64.StdEncoding.EncodeToString(e.iv)
}

// Decrypt decrypts a bulk payload produced under this envelope.
func (e *Envelope) Decrypt(ciphertext []byte) ([]byte, error) {
	buf, err := e.key.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	defer buf.Destroy()

	return DecryptBulk(ciphertext, buf.Bytes(), e.iv)
}

func (e *Envelope) String() string {
	return "Envelope{[redacted]}"
}
