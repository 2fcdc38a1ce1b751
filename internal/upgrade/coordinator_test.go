package upgrade

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"wavefed/backend/internal/exchange"
	exchangerepo "wavefed/backend/internal/exchange/repository"
	"wavefed/backend/internal/oauth/flow"
	flowdomain "wavefed/backend/internal/oauth/flow/domain"
	"wavefed/backend/internal/scope"
	"wavefed/backend/internal/security"
	"wavefed/backend/internal/session"
	"wavefed/backend/internal/session/domain"
	"wavefed/backend/internal/session/repository"
)

// recordingStarter stands in for the orchestrator and keeps the last flow it was asked to start.
type recordingStarter struct {
	last flow.StartParams
}

func (r *recordingStarter) StartFlow(ctx context.Context, p flow.StartParams) (string, string, error) {
	r.last = p
	return "https://auth.test/authorize?request_uri=x", "state-1", nil
}

type fixture struct {
	store   *session.Store
	repo    *repository.MemoryRepository
	broker  *exchange.Broker
	starter *recordingStarter
	coord   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, err := security.NewCipher(bytes.Repeat([]byte{5}, 32), security.PurposeSessionCredentials)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	repo := repository.NewMemoryRepository()
	store := session.NewStore(repo, c, nil)
	broker := exchange.NewBroker(exchangerepo.NewMemoryRepository(), 0)
	starter := &recordingStarter{}
	return &fixture{store: store, repo: repo, broker: broker, starter: starter, coord: NewCoordinator(starter, store, broker, 14, nil, nil)}
}

func creds(scopeStr, access string) *domain.Credentials {
	return &domain.Credentials{
		Version:     domain.CredentialsVersion,
		DID:         "did:plc:alice",
		Handle:      "alice.test",
		Issuer:      "https://auth.test",
		AccessToken: access,
		Scope:       scopeStr,
	}
}

func (f *fixture) session(t *testing.T, p session.CreateParams) *domain.Session {
	t.Helper()
	id, err := f.store.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return sess
}

func TestUpgrade_ReadToReadWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.session(t, session.CreateParams{DID: "did:plc:alice", Handle: "alice.test", Credentials: creds("read", "A1"), TTLDays: 14, GroupID: "g1"})

	if scope.CheckCoverage(scope.Parse(old.Credentials.Scope), scope.Of("read", "write")) {
		t.Fatal("{read} must not cover {read,write}")
	}

	if _, _, err := f.coord.StartUpgrade(ctx, old, []string{"write"}); err != nil {
		t.Fatalf("StartUpgrade: %v", err)
	}
	pf := f.starter.last.Flow
	if pf == nil || pf.Kind != flowdomain.FlowScopeUpgrade || pf.OldSessionID != old.ID || pf.OwnerDID != "did:plc:alice" {
		t.Fatalf("pending flow = %+v", pf)
	}
	if pf.RequestedScopes != "read write" {
		t.Errorf("requested = %q", pf.RequestedScopes)
	}
	if f.starter.last.IdentityHint != "did:plc:alice" {
		t.Errorf("hint = %q", f.starter.last.IdentityHint)
	}

	newID, token, err := f.coord.Complete(ctx, &flow.CallbackResult{
		DID: "did:plc:alice", Handle: "alice.test", Credentials: creds("read write", "A9"), Flow: pf,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := f.store.Get(ctx, old.ID); !errors.Is(err, domain.ErrInvalidSession) {
		t.Errorf("old session still valid: %v", err)
	}
	upgraded, err := f.store.Get(ctx, newID)
	if err != nil {
		t.Fatalf("Get new: %v", err)
	}
	if got := scope.Parse(upgraded.Credentials.Scope); !scope.CheckCoverage(got, scope.Of("read write")) || len(got) != 2 {
		t.Errorf("new scope = %q", upgraded.Credentials.Scope)
	}
	if upgraded.GroupID != "g1" {
		t.Errorf("group = %q, want g1 kept", upgraded.GroupID)
	}
	r, err := f.broker.Consume(ctx, token)
	if err != nil || r.SessionID != newID || r.IsDevToken {
		t.Errorf("exchange token redemption = %+v, %v", r, err)
	}
	if f.repo.Len() != 1 {
		t.Errorf("sessions = %d, want 1", f.repo.Len())
	}
}

func TestUpgrade_OldSessionGoneCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.session(t, session.CreateParams{DID: "did:plc:alice", Credentials: creds("read", "A1"), TTLDays: 14})
	_, _, _ = f.coord.StartUpgrade(ctx, old, []string{"write"})
	if err := f.store.Delete(ctx, old.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, _, err := f.coord.Complete(ctx, &flow.CallbackResult{DID: "did:plc:alice", Credentials: creds("read write", "A9"), Flow: f.starter.last.Flow})
	if !errors.Is(err, domain.ErrInvalidSession) {
		t.Errorf("err = %v, want ErrInvalidSession", err)
	}
	if f.repo.Len() != 0 {
		t.Errorf("sessions = %d, want 0", f.repo.Len())
	}
}

func TestUpgrade_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.session(t, session.CreateParams{DID: "did:plc:alice", Credentials: creds("read", "A1"), TTLDays: 14})
	dev := f.session(t, session.CreateParams{DID: "did:plc:alice", Credentials: creds("read", "A2"), DevToken: true, TokenName: "ci"})

	if _, _, err := f.coord.StartUpgrade(ctx, old, nil); !errors.Is(err, ErrNoScopes) {
		t.Errorf("no scopes err = %v", err)
	}
	if _, _, err := f.coord.StartUpgrade(ctx, dev, []string{"write"}); !errors.Is(err, ErrDeveloperToken) {
		t.Errorf("dev token err = %v", err)
	}

	_, _, _ = f.coord.StartUpgrade(ctx, old, []string{"write"})
	pf := f.starter.last.Flow

	tests := []struct {
		name string
		res  *flow.CallbackResult
		want error
	}{
		{"plain login", &flow.CallbackResult{DID: "did:plc:alice", Credentials: creds("read write", "A9")}, ErrNotUpgradeFlow},
		{"other account", &flow.CallbackResult{DID: "did:plc:mallory", Credentials: creds("read write", "A9"), Flow: pf}, ErrOwnerMismatch},
		{"scope declined", &flow.CallbackResult{DID: "did:plc:alice", Credentials: creds("read", "A9"), Flow: pf}, scope.ErrInsufficientScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.coord.Complete(ctx, tt.res); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if _, err := f.store.Get(ctx, old.ID); err != nil {
				t.Errorf("old session lost after failed upgrade: %v", err)
			}
		})
	}
}
