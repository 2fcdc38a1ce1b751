package domain

import "time"

// Token is a stored exchange token. Only the hash of the raw token is persisted.
type Token struct {
	TokenHash  string
	SessionID  string
	ExpiresAt  time.Time
	Used       bool
	IsDevToken bool
	CreatedAt  time.Time
}

// Redemption is what a successful consume hands back.
type Redemption struct {
	SessionID  string
	IsDevToken bool
}
