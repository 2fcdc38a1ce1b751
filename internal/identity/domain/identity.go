package domain

import "time"

// Identity is a resolved account: who it is and where its data and authorization server live.
type Identity struct {
	DID               string
	Handle            string
	ResourceServerURL string
	Issuer            string
}

// Preferences are per-account opt-ins that shape authorization requests.
type Preferences struct {
	DID                  string
	ExtendedScopeEnabled bool
	UpdatedAt            time.Time
}
