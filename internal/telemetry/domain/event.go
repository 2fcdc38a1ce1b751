package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a session lifecycle transition.
type EventType string

const (
	EventLogin          EventType = "session.login"
	EventAddAccount     EventType = "session.add_account"
	EventRefresh        EventType = "session.refresh"
	EventRefreshFailed  EventType = "session.refresh_failed"
	EventLogout         EventType = "session.logout"
	EventLogoutAll      EventType = "session.logout_all"
	EventScopeUpgrade   EventType = "session.scope_upgrade"
	EventSwitch         EventType = "session.switch"
	EventDevToken       EventType = "session.dev_token"
	EventDevTokenRevoke EventType = "session.dev_token_revoke"
)

// Event is a session lifecycle event. SessionID is always a redacted prefix, never the full id.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"eventType"`
	DID       string            `json:"did,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// NewEvent returns an event stamped with a fresh id and the current UTC time.
func NewEvent(t EventType, did, redactedSessionID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		DID:       did,
		SessionID: redactedSessionID,
		Source:    "wavefed-backend",
		CreatedAt: time.Now().UTC(),
	}
}

// With adds a metadata entry and returns e.
func (e *Event) With(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}
