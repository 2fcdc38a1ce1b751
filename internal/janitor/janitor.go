// Package janitor periodically purges expired sessions, exchange tokens, and pending authorizations.
// Reads already treat expired rows as absent; the janitor only keeps the tables small.
package janitor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Purger deletes its expired rows and reports how many went.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Janitor runs every registered Purger on a fixed interval.
type Janitor struct {
	purgers  map[string]Purger
	interval time.Duration
	logger   *zap.Logger
}

// New returns a janitor over purgers keyed by a name used in logs.
func New(purgers map[string]Purger, interval time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Janitor{purgers: purgers, interval: interval, logger: logger}
}

// Sweep runs each purger once. A failing purger does not stop the others.
func (j *Janitor) Sweep(ctx context.Context) {
	for name, p := range j.purgers {
		n, err := p.PurgeExpired(ctx)
		if err != nil {
			j.logger.Warn("janitor: purge failed", zap.String("table", name), zap.Error(err))
			continue
		}
		if n > 0 {
			j.logger.Debug("janitor: purged expired rows", zap.String("table", name), zap.Int64("rows", n))
		}
	}
}

// Run sweeps every interval until ctx is done. It always returns nil so it fits an errgroup.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}
