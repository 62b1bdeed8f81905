package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/rezonia/ksef-fetcher/internal/model"
)

const (
	KeySize = 32
	IVSize  = aes.BlockSize
)

// DecryptBulk decrypts AES-256-CBC ciphertext and strips PKCS#7 padding.
func DecryptBulk(ciphertext, key, iv []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, model.ErrDecryption(fmt.Sprintf("invalid AES key size: got %d, want %d", len(key), KeySize), nil)
	}
	if len(iv) != IVSize {
		return nil, model.ErrDecryption(fmt.Sprintf("invalid IV size: got %d, want %d", len(iv), IVSize), nil)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, model.ErrDecryption(fmt.Sprintf("ciphertext length %d is not a positive multiple of the block size", len(ciphertext)), nil)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, model.ErrDecryption("creating cipher", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext)
}

// EncryptBulk pads plaintext with PKCS#7 and encrypts it with AES-256-CBC.
func EncryptBulk(plaintext, key, iv []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(key), KeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("invalid IV size: got %d, want %d", len(iv), IVSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	n := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext), len(plaintext)+n)
	copy(padded, plaintext)
	padded = append(padded, bytes.Repeat([]byte{byte(n)}, n)...)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize {
		return nil, model.ErrDecryption(fmt.Sprintf("invalid padding length %d", n), nil)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, model.ErrDecryption("inconsistent padding bytes", nil)
		}
	}
	return b[:len(b)-n], nil
}
