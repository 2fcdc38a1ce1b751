package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wavefed/backend/internal/telemetry/domain"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*domain.Event
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Event(nil), m.events...)
}

func waitForEvents(t *testing.T, m *mockEventEmitter, n int) []*domain.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ev := m.getEvents(); len(ev) >= n {
			return ev
		}
		time.Sleep(5 * time.Millisecond)
	}
	ev := m.getEvents()
	t.Fatalf("expected %d events, got %d", n, len(ev))
	return nil
}

func TestEmitAsync_NilEmitter(t *testing.T) {
	// Should not panic
	EmitAsync(nil, context.Background(), domain.NewEvent(domain.EventLogin, "did:plc:a", ""))
}

func TestEmitAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}
	EmitAsync(emitter, context.Background(), nil)
	time.Sleep(10 * time.Millisecond)
	if events := emitter.getEvents(); len(events) != 0 {
		t.Errorf("expected 0 events, got %d", len(events))
	}
}

func TestEmitAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{}
	event := domain.NewEvent(domain.EventRefresh, "did:plc:a", "abcdefgh…").With("reason", "expired")

	EmitAsync(emitter, context.Background(), event)

	events := waitForEvents(t, emitter, 1)
	if events[0].DID != "did:plc:a" {
		t.Errorf("event did = %q, want %q", events[0].DID, "did:plc:a")
	}
	if events[0].Type != domain.EventRefresh {
		t.Errorf("event type = %q, want %q", events[0].Type, domain.EventRefresh)
	}
	if events[0].Metadata["reason"] != "expired" {
		t.Errorf("metadata = %v", events[0].Metadata)
	}
}

func TestEmitAsync_UsesBackgroundContext(t *testing.T) {
	emitter := &mockEventEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	EmitAsync(emitter, ctx, domain.NewEvent(domain.EventLogout, "did:plc:a", ""))

	waitForEvents(t, emitter, 1)
}

func TestEmitAsync_ErrorDoesNotReachCaller(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: context.DeadlineExceeded}
	EmitAsync(emitter, context.Background(), domain.NewEvent(domain.EventLogout, "did:plc:a", ""))
	waitForEvents(t, emitter, 1)
}

func TestEmitAsync_ConcurrentAccess(t *testing.T) {
	emitter := &mockEventEmitter{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(emitter, context.Background(), domain.NewEvent(domain.EventSwitch, "did:plc:a", ""))
		}()
	}
	wg.Wait()
	waitForEvents(t, emitter, 10)
}

func TestFanout(t *testing.T) {
	a, b := &mockEventEmitter{}, &mockEventEmitter{emitErr: errors.New("down")}
	err := Fanout{a, nil, b}.Emit(context.Background(), domain.NewEvent(domain.EventLogin, "did:plc:a", ""))
	if err == nil {
		t.Error("Fanout should report the failing emitter")
	}
	if len(a.getEvents()) != 1 || len(b.getEvents()) != 1 {
		t.Errorf("events: a=%d b=%d", len(a.getEvents()), len(b.getEvents()))
	}
}
