package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned when a ciphertext cannot be opened: wrong key, wrong binding, truncation
// or tampering. Callers treat it as permanent corruption, never as a retryable failure.
var ErrDecrypt = errors.New("decrypt failed")

// cipherVersion prefixes every blob so the format can evolve without guessing.
const cipherVersion byte = 1

// Purpose separates keys derived from the single process-wide master key.
type Purpose string

const (
	PurposeSessionCredentials Purpose = "session-credentials"
	PurposePendingSecrets     Purpose = "pending-authorization-secrets"
)

// Cipher seals small records with XChaCha20-Poly1305. It is immutable after construction and
// safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a purpose-specific subkey from masterKey (32 bytes) with HKDF-SHA256.
func NewCipher(masterKey []byte, purpose Purpose) (*Cipher, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes", ErrInvalidKey, chacha20poly1305.KeySize)
	}
	subkey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(purpose)), subkey); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(subkey)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and binds it to aad (e.g. the owning row id), so a blob copied onto
// another row fails to open.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), 1+c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := append([]byte{cipherVersion}, nonce...)
	return c.aead.Seal(out, nonce, plaintext, aad), nil
}

// Open reverses Seal. Any failure, including malformed input, yields ErrDecrypt.
func (c *Cipher) Open(blob, aad []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(blob) < 1+ns+c.aead.Overhead() || blob[0] != cipherVersion {
		return nil, ErrDecrypt
	}
	nonce := blob[1 : 1+ns]
	plaintext, err := c.aead.Open(nil, nonce, blob[1+ns:], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
