// Package crypto provides the symmetric cipher used to seal license credentials.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the size of the AES-256 key (32 bytes).
	KeySize = 32

	// IVSize is the size of the CBC initialization vector, one AES block.
	IVSize = aes.BlockSize
)

var (
	// ErrInvalidKeySize indicates the encryption key is not the correct size.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes")
	// ErrInvalidCiphertext indicates the ciphertext is too short or not block aligned.
	ErrInvalidCiphertext = errors.New("invalid ciphertext length")
	// ErrDecryptionFailed indicates the padding did not verify after decryption.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// DeriveKey hashes a shared secret into a 256-bit AES key.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// CBCCipher encrypts with AES-256 in CBC mode and PKCS7 padding.
// Every message gets a fresh IV which is prepended to the ciphertext.
type CBCCipher struct {
	key    []byte
	random io.Reader
}

// NewCBCCipher creates a cipher with the given 32-byte key.
func NewCBCCipher(key []byte) (*CBCCipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &CBCCipher{key: k, random: rand.Reader}, nil
}

// WithRandom returns a copy of the cipher that draws IVs from r.
// Tests use it to make output deterministic.
func (c *CBCCipher) WithRandom(r io.Reader) *CBCCipher {
	return &CBCCipher{key: c.key, random: r}
}

// Encrypt pads and encrypts plaintext. Returns IV || ciphertext.
func (c *CBCCipher) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)

	out := make([]byte, IVSize+len(padded))
	iv := out[:IVSize]
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[IVSize:], padded)
	return out, nil
}

// Decrypt reverses Encrypt. Expects the IV to be prepended to the ciphertext.
func (c *CBCCipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < IVSize+aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := data[:IVSize]
	plain := make([]byte, len(data)-IVSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data[IVSize:])

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding size")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("invalid padding byte")
		}
	}
	return data[:len(data)-n], nil
}
