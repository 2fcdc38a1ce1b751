package interceptors

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestLoggingUnary_LevelByCode(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	interceptor := LoggingUnary(zap.New(core), nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/x.Y/Z"}

	_, _ = interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	_, _ = interceptor(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.Unavailable, "down")
	})

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("OK level = %v", entries[0].Level)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("Unavailable level = %v", entries[1].Level)
	}
	if entries[1].ContextMap()["code"] != "Unavailable" {
		t.Errorf("code field = %v", entries[1].ContextMap()["code"])
	}
}

func TestLoggingUnary_SkipMethod(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	skip := map[string]bool{"/grpc.health.v1.Health/Check": true}
	interceptor := LoggingUnary(zap.New(core), skip)

	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "serving", nil
	})
	if err != nil || resp != "serving" {
		t.Fatalf("interceptor = %v, %v", resp, err)
	}
	if logs.Len() != 0 {
		t.Errorf("skipped method was logged %d times", logs.Len())
	}
}

func TestRecoveryUnary_PanicBecomesInternal(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	_, err := RecoveryUnary(zap.New(core))(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/x.Y/Z"}, func(ctx context.Context, req interface{}) (interface{}, error) {
		panic("boom")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("code = %v, want Internal", status.Code(err))
	}
	if logs.FilterMessage("grpc handler panic").Len() != 1 {
		t.Error("panic was not logged")
	}
}
