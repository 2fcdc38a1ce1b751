package session

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"wavefed/backend/internal/security"
	"wavefed/backend/internal/session/domain"
	"wavefed/backend/internal/session/repository"
)

func newTestStore(t *testing.T) (*Store, *repository.MemoryRepository) {
	t.Helper()
	c, err := security.NewCipher(bytes.Repeat([]byte{1}, 32), security.PurposeSessionCredentials)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	repo := repository.NewMemoryRepository()
	return NewStore(repo, c, nil), repo
}

func testCreds(access string) *domain.Credentials {
	return &domain.Credentials{
		DID:               "did:plc:alice",
		Handle:            "alice.test",
		ResourceServerURL: "https://pds.test",
		Issuer:            "https://auth.test",
		AccessToken:       access,
		RefreshToken:      "R1",
		Scope:             "atproto",
		ClientAuthMethod:  domain.ClientAuthNone,
	}
}

func TestStore_CreateGet(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, CreateParams{DID: "did:plc:alice", Handle: "alice.test", Credentials: testCreds("A1"), TTLDays: 14})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(id) < 40 {
		t.Errorf("session id too short: %q", id)
	}
	rec, _ := repo.GetByID(ctx, id)
	if bytes.Contains(rec.EncryptedCredentials, []byte("A1")) {
		t.Error("credentials stored in plaintext")
	}

	sess, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.Credentials.AccessToken != "A1" || sess.DID != "did:plc:alice" {
		t.Errorf("Get = %+v", sess)
	}
	if sess.ExpiresAt == nil || sess.ExpiresAt.Sub(sess.CreatedAt) != 14*24*time.Hour {
		t.Errorf("ExpiresAt = %v", sess.ExpiresAt)
	}
}

func TestStore_CreateNeverExpires(t *testing.T) {
	s, _ := newTestStore(t)
	id, err := s.Create(context.Background(), CreateParams{DID: "did:plc:alice", Credentials: testCreds("A1"), DevToken: true, TokenName: "ci"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.ExpiresAt != nil || !sess.IsDeveloperToken || sess.TokenName != "ci" {
		t.Errorf("Get = %+v", sess)
	}
}

func TestStore_CreateValidation(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Create(context.Background(), CreateParams{Credentials: testCreds("A")}); err == nil {
		t.Error("missing did should fail")
	}
	if _, err := s.Create(context.Background(), CreateParams{DID: "did:plc:x"}); err == nil {
		t.Error("missing credentials should fail")
	}
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	for _, id := range []string{"", "nope"} {
		_, err := s.Get(context.Background(), id)
		if !errors.Is(err, domain.ErrNotFound) || !errors.Is(err, domain.ErrInvalidSession) {
			t.Errorf("Get(%q) err = %v, want ErrNotFound", id, err)
		}
	}
}

func TestStore_GetExpiredDeletesRow(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	id, _ := s.Create(ctx, CreateParams{DID: "did:plc:alice", Credentials: testCreds("A1"), TTLDays: 1})

	s.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if _, err := s.Get(ctx, id); !errors.Is(err, domain.ErrExpired) || !errors.Is(err, domain.ErrInvalidSession) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if repo.Len() != 0 {
		t.Error("expired row not deleted")
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("repeat Get err = %v, want ErrNotFound", err)
	}
}

func TestStore_GetCorruptDeletesRow(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	id, _ := s.Create(ctx, CreateParams{DID: "did:plc:alice", Credentials: testCreds("A1"), TTLDays: 1})
	_ = repo.UpdateCredentials(ctx, id, []byte("garbage that is not a sealed blob at all........"))

	if _, err := s.Get(ctx, id); !errors.Is(err, domain.ErrCorrupt) || !errors.Is(err, domain.ErrInvalidSession) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
	if repo.Len() != 0 {
		t.Error("corrupt row not deleted")
	}
}

func TestStore_CiphertextBoundToSessionID(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	a, _ := s.Create(ctx, CreateParams{DID: "did:plc:alice", Credentials: testCreds("A"), TTLDays: 1})
	b, _ := s.Create(ctx, CreateParams{DID: "did:plc:alice", Credentials: testCreds("B"), TTLDays: 1})
	recA, _ := repo.GetByID(ctx, a)
	_ = repo.UpdateCredentials(ctx, b, recA.EncryptedCredentials)

	if _, err := s.Get(ctx, b); !errors.Is(err, domain.ErrCorrupt) {
		t.Errorf("swapped ciphertext err = %v, want ErrCorrupt", err)
	}
}

func TestStore_UpdateCredentials(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	id, _ := s.Create(ctx, CreateParams{DID: "did:plc:alice", Credentials: testCreds("A1"), TTLDays: 1})
	if err := s.UpdateCredentials(ctx, id, testCreds("A2")); err != nil {
		t.Fatalf("UpdateCredentials: %v", err)
	}
	sess, _ := s.Get(ctx, id)
	if sess.Credentials.AccessToken != "A2" {
		t.Errorf("AccessToken = %q, want A2", sess.Credentials.AccessToken)
	}
}

func TestStore_ListByOwnerSkipsExpired(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, _ = s.Create(ctx, CreateParams{DID: "did:plc:alice", Credentials: testCreds("A"), TTLDays: 1})
	_, _ = s.Create(ctx, CreateParams{DID: "did:plc:alice", Credentials: testCreds("B"), DevToken: true, TokenName: "ci"})
	_, _ = s.Create(ctx, CreateParams{DID: "did:plc:bob", Credentials: testCreds("C"), TTLDays: 1})

	all, _ := s.ListByOwner(ctx, "did:plc:alice", false)
	if len(all) != 2 {
		t.Errorf("ListByOwner = %d, want 2", len(all))
	}
	dev, _ := s.ListByOwner(ctx, "did:plc:alice", true)
	if len(dev) != 1 || dev[0].TokenName != "ci" || dev[0].Credentials != nil {
		t.Errorf("ListByOwner devOnly = %+v", dev)
	}

	s.now = func() time.Time { return time.Now().Add(72 * time.Hour) }
	later, _ := s.ListByOwner(ctx, "did:plc:alice", false)
	if len(later) != 1 || !later[0].IsDeveloperToken {
		t.Errorf("after expiry ListByOwner = %+v", later)
	}
}

func TestStore_Replace(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	old, _ := s.Create(ctx, CreateParams{DID: "did:plc:alice", Credentials: testCreds("A"), TTLDays: 1, GroupID: "g1"})

	newID, err := s.Replace(ctx, old, CreateParams{DID: "did:plc:alice", Credentials: testCreds("B"), TTLDays: 1, GroupID: "g1"})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if _, err := s.Get(ctx, old); !errors.Is(err, domain.ErrInvalidSession) {
		t.Errorf("old session still readable: %v", err)
	}
	sess, err := s.Get(ctx, newID)
	if err != nil || sess.Credentials.AccessToken != "B" || sess.GroupID != "g1" {
		t.Fatalf("Get(new) = %+v, %v", sess, err)
	}

	if _, err := s.Replace(ctx, old, CreateParams{DID: "did:plc:alice", Credentials: testCreds("C"), TTLDays: 1}); !errors.Is(err, domain.ErrInvalidSession) {
		t.Errorf("second Replace err = %v, want ErrInvalidSession", err)
	}
	if repo.Len() != 1 {
		t.Errorf("rows = %d, want 1", repo.Len())
	}
}

func TestStore_GroupsAndPurge(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	a, _ := s.Create(ctx, CreateParams{DID: "did:plc:alice", Credentials: testCreds("A"), TTLDays: 1})
	b, _ := s.Create(ctx, CreateParams{DID: "did:plc:bob", Credentials: testCreds("B"), TTLDays: 1})
	_, _ = s.AssignGroup(ctx, a, "g")
	_, _ = s.AssignGroup(ctx, b, "g")
	if g, _ := s.AssignGroup(ctx, b, "h"); g != "g" {
		t.Errorf("AssignGroup = %q, want existing group g", g)
	}
	if _, err := s.AssignGroup(ctx, "missing", "g"); !errors.Is(err, domain.ErrInvalidSession) {
		t.Errorf("AssignGroup(missing) err = %v", err)
	}

	members, _ := s.ListByGroup(ctx, "g")
	if len(members) != 2 {
		t.Errorf("ListByGroup = %d, want 2", len(members))
	}
	if none, _ := s.ListByGroup(ctx, ""); none != nil {
		t.Error("empty group id should list nothing")
	}
	if n, _ := s.DeleteGroup(ctx, "g"); n != 2 {
		t.Errorf("DeleteGroup = %d, want 2", n)
	}

	_, _ = s.Create(ctx, CreateParams{DID: "did:plc:alice", Credentials: testCreds("C"), TTLDays: 1})
	s.now = func() time.Time { return time.Now().Add(72 * time.Hour) }
	if n, _ := s.PurgeExpired(ctx); n != 1 || repo.Len() != 0 {
		t.Errorf("PurgeExpired = %d, rows left %d", n, repo.Len())
	}
}
