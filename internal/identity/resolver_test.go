package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wavefed/backend/internal/identity/repository"
	"wavefed/backend/internal/oauth/oauthtest"
	"wavefed/backend/internal/oauth/provider"
)

func newTestResolver(t *testing.T) (*Resolver, *oauthtest.Server) {
	t.Helper()
	srv := oauthtest.NewServer(t)
	srv.AddAccount("did:plc:alice", "alice.test")
	srv.AddAccount("did:plc:fresh", "")
	issuers := provider.NewClient(provider.Options{ClientID: "client"})
	r := NewResolver(nil, srv.URL, "https://default-issuer.test", "", issuers, repository.NewMemoryRepository(), 0, nil)
	return r, srv
}

func TestResolver_Resolve(t *testing.T) {
	r, srv := newTestResolver(t)
	ctx := context.Background()

	testCases := []struct {
		name       string
		hint       string
		wantDID    string
		wantHandle string
		wantIssuer string
	}{
		{"empty hint uses defaults", "", "", "", "https://default-issuer.test"},
		{"handle", "Alice.Test", "did:plc:alice", "alice.test", srv.URL},
		{"at-prefixed handle", "@alice.test", "did:plc:alice", "alice.test", srv.URL},
		{"did", "did:plc:alice", "did:plc:alice", "alice.test", srv.URL},
		{"did without handle", "did:plc:fresh", "did:plc:fresh", "", srv.URL},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := r.Resolve(ctx, tc.hint)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if id.DID != tc.wantDID || id.Handle != tc.wantHandle || id.Issuer != tc.wantIssuer {
				t.Errorf("Resolve(%q) = %+v", tc.hint, id)
			}
			if id.ResourceServerURL != srv.URL {
				t.Errorf("ResourceServerURL = %q", id.ResourceServerURL)
			}
		})
	}

	if _, err := r.Resolve(ctx, "nobody.test"); !errors.Is(err, ErrUnresolvable) {
		t.Errorf("unknown handle err = %v, want ErrUnresolvable", err)
	}
}

func didDocumentHandler(docs map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		did := strings.TrimPrefix(r.URL.Path, "/")
		if r.URL.Path == "/.well-known/did.json" {
			did = "did:web:" + strings.ReplaceAll(r.Host, ":", "%3A")
		}
		endpoint, ok := docs[did]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": did,
			"service": []map[string]string{
				{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": endpoint},
			},
		})
	}
}

func TestResolver_ResolvesAccountResourceServer(t *testing.T) {
	home := oauthtest.NewServer(t)
	home.AddAccount("did:plc:bob", "bob.test")
	other := oauthtest.NewServer(t)
	other.AddAccount("did:plc:bob", "bob.test")

	docs := map[string]string{"did:plc:bob": other.URL}
	directory := httptest.NewServer(didDocumentHandler(docs))
	t.Cleanup(directory.Close)
	web := httptest.NewTLSServer(didDocumentHandler(docs))
	t.Cleanup(web.Close)
	didWeb := "did:web:" + strings.ReplaceAll(strings.TrimPrefix(web.URL, "https://"), ":", "%3A")
	docs[didWeb] = other.URL
	other.AddAccount(didWeb, "carol.test")

	issuers := provider.NewClient(provider.Options{ClientID: "client"})
	r := NewResolver(web.Client(), home.URL, home.URL, directory.URL, issuers, repository.NewMemoryRepository(), 0, nil)
	ctx := context.Background()

	testCases := []struct {
		name       string
		hint       string
		wantDID    string
		wantHandle string
	}{
		{"handle", "bob.test", "did:plc:bob", "bob.test"},
		{"did:plc", "did:plc:bob", "did:plc:bob", "bob.test"},
		{"did:web", didWeb, didWeb, "carol.test"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := r.Resolve(ctx, tc.hint)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if id.DID != tc.wantDID || id.Handle != tc.wantHandle {
				t.Errorf("Resolve(%q) = %+v", tc.hint, id)
			}
			if id.ResourceServerURL != other.URL || id.Issuer != other.URL {
				t.Errorf("resource/issuer = %q/%q, want the account's server %q", id.ResourceServerURL, id.Issuer, other.URL)
			}
		})
	}

	for _, did := range []string{"did:plc:ghost", "did:key:z6Mk", "did:web:host:path"} {
		if _, err := r.Resolve(ctx, did); !errors.Is(err, ErrUnresolvable) {
			t.Errorf("Resolve(%q) err = %v, want ErrUnresolvable", did, err)
		}
	}
}

func TestResolver_LookupHandle(t *testing.T) {
	r, srv := newTestResolver(t)
	h, err := r.LookupHandle(context.Background(), srv.URL, "did:plc:alice")
	if err != nil || h != "alice.test" {
		t.Errorf("LookupHandle = %q, %v", h, err)
	}
	if _, err := r.LookupHandle(context.Background(), "", "did:plc:fresh"); !errors.Is(err, ErrUnresolvable) {
		t.Errorf("unindexed err = %v, want ErrUnresolvable", err)
	}
}

func TestResolver_ExtendedScopePreference(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	if r.ExtendedScopeEnabled(ctx, "did:plc:alice") {
		t.Error("default should be opted out")
	}
	if err := r.SetExtendedScope(ctx, "did:plc:alice", true); err != nil {
		t.Fatalf("SetExtendedScope: %v", err)
	}
	if !r.ExtendedScopeEnabled(ctx, "did:plc:alice") {
		t.Error("opt-in not recorded")
	}
	if r.ExtendedScopeEnabled(ctx, "") {
		t.Error("empty did should be opted out")
	}
}
