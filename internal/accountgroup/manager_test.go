package accountgroup

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"wavefed/backend/internal/security"
	"wavefed/backend/internal/session"
	"wavefed/backend/internal/session/domain"
	"wavefed/backend/internal/session/repository"
)

func newStore(t *testing.T) (*session.Store, *repository.MemoryRepository) {
	t.Helper()
	c, err := security.NewCipher(bytes.Repeat([]byte{7}, 32), security.PurposeSessionCredentials)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	repo := repository.NewMemoryRepository()
	return session.NewStore(repo, c, nil), repo
}

func create(t *testing.T, s *session.Store, did, group string, dev bool) string {
	t.Helper()
	id, err := s.Create(context.Background(), session.CreateParams{
		DID: did, Handle: did + ".test", Credentials: &domain.Credentials{DID: did, AccessToken: "A"},
		TTLDays: 14, DevToken: dev, GroupID: group,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func dids(accounts []domain.Account) []string {
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, a.DID)
	}
	sort.Strings(out)
	return out
}

func TestManager_GroupLifecycle(t *testing.T) {
	store, _ := newStore(t)
	m := NewManager(store, nil, nil)
	ctx := context.Background()

	alice := create(t, store, "did:plc:alice", "", false)
	accts, err := m.GetGroup(ctx, alice)
	if err != nil || len(accts) != 1 || accts[0].SessionID != alice {
		t.Fatalf("ungrouped GetGroup = %+v, %v", accts, err)
	}

	groupID, err := m.PrepareLink(ctx, alice, "did:plc:bob")
	if err != nil || groupID == "" {
		t.Fatalf("PrepareLink: %q, %v", groupID, err)
	}
	again, _ := m.CreateOrGetGroup(ctx, alice)
	if again != groupID {
		t.Errorf("CreateOrGetGroup = %q, want %q", again, groupID)
	}
	bob := create(t, store, "did:plc:bob", groupID, false)
	create(t, store, "did:plc:alice", groupID, true)

	accts, _ = m.GetGroup(ctx, bob)
	if got := dids(accts); len(got) != 2 || got[0] != "did:plc:alice" || got[1] != "did:plc:bob" {
		t.Errorf("GetGroup = %v, want alice and bob without dev token", got)
	}

	target, err := m.SwitchActive(ctx, alice, bob)
	if err != nil || target != bob {
		t.Fatalf("SwitchActive = %q, %v", target, err)
	}

	// Re-adding bob replaces his older session in the group.
	if _, err := m.PrepareLink(ctx, alice, "did:plc:bob"); err != nil {
		t.Fatalf("PrepareLink: %v", err)
	}
	if _, err := store.Get(ctx, bob); !errors.Is(err, domain.ErrInvalidSession) {
		t.Errorf("old bob session survived re-link: %v", err)
	}

	ids, err := m.LogoutAll(ctx, alice)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("LogoutAll removed %v", ids)
	}
	if _, err := store.Get(ctx, alice); !errors.Is(err, domain.ErrInvalidSession) {
		t.Errorf("alice still logged in: %v", err)
	}
}

func TestManager_SwitchRejections(t *testing.T) {
	store, repo := newStore(t)
	m := NewManager(store, nil, nil)
	ctx := context.Background()

	a := create(t, store, "did:plc:a", "g1", false)
	b := create(t, store, "did:plc:b", "g2", false)
	dev := create(t, store, "did:plc:c", "g1", true)
	lone := create(t, store, "did:plc:d", "", false)

	expired := create(t, store, "did:plc:e", "g1", false)
	rec, _ := repo.GetByID(ctx, expired)
	past := time.Now().Add(-time.Minute)
	rec.ExpiresAt = &past
	_ = repo.Delete(ctx, expired)
	_ = repo.Create(ctx, rec)

	tests := []struct {
		name        string
		cur, target string
	}{
		{"other group", a, b},
		{"developer token", a, dev},
		{"ungrouped current", lone, a},
		{"expired target", a, expired},
		{"unknown target", a, "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.SwitchActive(ctx, tt.cur, tt.target); !errors.Is(err, ErrNotInGroup) {
				t.Errorf("err = %v, want ErrNotInGroup", err)
			}
		})
	}
	if _, err := m.SwitchActive(ctx, "nope", a); !errors.Is(err, domain.ErrInvalidSession) {
		t.Errorf("unknown current err = %v", err)
	}
}

func TestManager_LogoutAllUngrouped(t *testing.T) {
	store, repo := newStore(t)
	m := NewManager(store, nil, nil)
	a := create(t, store, "did:plc:a", "", false)
	create(t, store, "did:plc:b", "", false)
	ids, err := m.LogoutAll(context.Background(), a)
	if err != nil || len(ids) != 1 || ids[0] != a {
		t.Fatalf("LogoutAll = %v, %v", ids, err)
	}
	if repo.Len() != 1 {
		t.Errorf("rows = %d, want 1", repo.Len())
	}
}

func TestManager_ConcurrentFirstLinkAgrees(t *testing.T) {
	store, _ := newStore(t)
	m := NewManager(store, nil, nil)
	a := create(t, store, "did:plc:a", "", false)

	groups := make([]string, 16)
	var wg sync.WaitGroup
	for i := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			groups[i], _ = m.CreateOrGetGroup(context.Background(), a)
		}()
	}
	wg.Wait()
	for _, g := range groups {
		if g == "" || g != groups[0] {
			t.Fatalf("groups = %v, want one shared id", groups)
		}
	}
}
