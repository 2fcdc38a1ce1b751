package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// OpaqueTokenBytes is the entropy of session ids, exchange tokens and OAuth state values (256 bits).
const OpaqueTokenBytes = 32

// NewOpaqueToken returns a URL-safe random token with OpaqueTokenBytes of entropy.
func NewOpaqueToken() (string, error) {
	b := make([]byte, OpaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken returns a SHA-256 hash of the token, hex-encoded. One-time tokens are stored
// only in hashed form so a database read does not yield usable tokens.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// Redact shortens a bearer-like identifier for logs.
func Redact(id string) string {
	if len(id) <= 8 {
		return "****"
	}
	return id[:8] + "…"
}
