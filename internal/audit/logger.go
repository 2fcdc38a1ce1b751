package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wavefed/backend/internal/audit/domain"
	auditrepo "wavefed/backend/internal/audit/repository"
)

// SentinelDID is the did used for audit events that have no account (e.g. a failed callback).
const SentinelDID = "_anonymous"

type clientIPKey struct{}

// WithClientIP returns ctx carrying the request's client IP for audit entries.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIP returns the IP stored by WithClientIP, or "unknown".
func ClientIP(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	return "unknown"
}

// AuditLogger writes a single audit event. LogEvent is best-effort: failures are logged and do
// not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, did, action, resource, metadata string)
}

// Logger implements AuditLogger using the audit repository.
type Logger struct {
	repo   auditrepo.Repository
	logger *zap.Logger
}

// NewLogger returns an AuditLogger that persists to repo.
func NewLogger(repo auditrepo.Repository, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{repo: repo, logger: logger}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, did, action, resource, metadata string) {
	if l == nil || l.repo == nil {
		return
	}
	if did == "" {
		did = SentinelDID
	}
	entry := &domain.AuditLog{
		ID:        uuid.NewString(),
		DID:       did,
		Action:    action,
		Resource:  resource,
		IP:        ClientIP(ctx),
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.logger.Warn("audit: failed to log event", zap.String("action", action), zap.String("resource", resource), zap.Error(err))
	}
}

// List returns the newest entries of did.
func (l *Logger) List(ctx context.Context, did string, limit int) ([]*domain.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.repo.ListByDID(ctx, did, limit)
}
