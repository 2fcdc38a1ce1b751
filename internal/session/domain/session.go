package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSession is the single signal callers see for a missing, expired or corrupt session.
// The specific cause is available through errors.Is for logging only.
var ErrInvalidSession = errors.New("invalid session")

var (
	ErrNotFound = fmt.Errorf("%w: not found", ErrInvalidSession)
	ErrExpired  = fmt.Errorf("%w: expired", ErrInvalidSession)
	ErrCorrupt  = fmt.Errorf("%w: credentials could not be decrypted", ErrInvalidSession)
)

// Session is a persisted login. Credentials are held decrypted only in memory; the repository
// row carries ciphertext.
type Session struct {
	ID               string
	DID              string
	Handle           string
	Credentials      *Credentials
	ExpiresAt        *time.Time // nil means the session never expires
	IsDeveloperToken bool
	TokenName        string
	GroupID          string
	CreatedAt        time.Time
}

// Record is the stored row shape: the session with its credentials still sealed.
type Record struct {
	ID                   string
	DID                  string
	Handle               string
	EncryptedCredentials []byte
	ExpiresAt            *time.Time
	IsDeveloperToken     bool
	TokenName            string
	GroupID              string
	CreatedAt            time.Time
}

// Expired reports whether the row is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Account is one entry of an account group, as shown by an account switcher.
type Account struct {
	DID       string
	Handle    string
	SessionID string
}
