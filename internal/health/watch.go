package health

import (
	"context"
	"time"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StatusSource is implemented by *Checker.
type StatusSource interface {
	Check(ctx context.Context) (map[string]string, error)
}

// StatusSetter is implemented by *health.Server from google.golang.org/grpc/health.
type StatusSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// Watch checks p every interval and mirrors the result onto the gRPC health server for service ""
// until ctx is done. Status changes are logged once per transition.
func Watch(ctx context.Context, p StatusSource, s StatusSetter, interval time.Duration, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	last := healthpb.HealthCheckResponse_UNKNOWN
	update := func() {
		next := healthpb.HealthCheckResponse_SERVING
		report, err := p.Check(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			next = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if next != last {
			logger.Info("health status changed", zap.String("status", next.String()), zap.Any("checks", report))
			last = next
		}
		s.SetServingStatus("", next)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
