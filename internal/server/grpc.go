// Package server builds the internal gRPC endpoint. It carries only the standard health service so
// orchestrators can check readiness without going through the browser-facing HTTP stack.
package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"wavefed/backend/internal/server/interceptors"
)

// healthCheckMethod is excluded from request logging.
const healthCheckMethod = "/grpc.health.v1.Health/Check"

// NewGRPCServer returns a server with otel stats, panic recovery, client IP propagation, and request
// logging, with health registered as the grpc.health.v1.Health service.
func NewGRPCServer(health healthpb.HealthServer, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.RecoveryUnary(logger),
			interceptors.ClientIPUnary(),
			interceptors.LoggingUnary(logger, map[string]bool{healthCheckMethod: true}),
		),
	)
	healthpb.RegisterHealthServer(s, health)
	return s
}
