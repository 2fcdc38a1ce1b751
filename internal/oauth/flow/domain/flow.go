package domain

import "time"

// PendingAuthorization is the server-side half of an authorization in progress. It lives in the
// store, not in memory, because the callback may land on another instance.
type PendingAuthorization struct {
	State             string
	Issuer            string
	TokenEndpoint     string
	ResourceServerURL string
	ExpectedDID       string
	HandleHint        string
	Scope             string
	// EncryptedSecrets holds the PKCE verifier and DPoP key, sealed and bound to State.
	EncryptedSecrets []byte
	DPoPNonce        string
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// FlowKind names what a completed authorization should turn into beyond a plain login.
type FlowKind string

const (
	FlowDevToken     FlowKind = "dev_token"
	FlowScopeUpgrade FlowKind = "scope_upgrade"
	FlowAddAccount   FlowKind = "add_account"
)

// PendingFlow carries the purpose-specific context of an authorization, keyed by the same state.
type PendingFlow struct {
	State    string
	Kind     FlowKind
	OwnerDID string
	// OldSessionID is the session a scope upgrade replaces.
	OldSessionID string
	// SourceSessionID is the session an added account is linked to.
	SourceSessionID string
	RequestedScopes string
	TokenName       string
	TTLDays         int
	ExpiresAt       time.Time
	CreatedAt       time.Time
}
