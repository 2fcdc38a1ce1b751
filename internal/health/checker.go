// Package health reports whether the service's dependencies are reachable.
package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger is used for the database readiness check (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is used for the policy engine readiness check (e.g. *engine.OPAEvaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Checker pings every configured dependency. Nil dependencies are skipped.
type Checker struct {
	DB      Pinger
	Redis   redis.UniversalClient
	Policy  PolicyChecker
	Timeout time.Duration
}

// Check returns "ok" or the failure per dependency, and a joined error when any failed.
func (c *Checker) Check(ctx context.Context) (map[string]string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	report := make(map[string]string)
	var errs []error
	ping := func(name string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			report[name] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		report[name] = "ok"
	}
	if c.DB != nil {
		ping("database", c.DB.PingContext)
	}
	if c.Redis != nil {
		ping("redis", func(ctx context.Context) error { return c.Redis.Ping(ctx).Err() })
	}
	if c.Policy != nil {
		ping("policy", c.Policy.HealthCheck)
	}
	return report, errors.Join(errs...)
}
