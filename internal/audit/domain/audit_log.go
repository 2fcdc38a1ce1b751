package domain

import "time"

// AuditLog represents an audit event of one account.
type AuditLog struct {
	ID        string
	DID       string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
