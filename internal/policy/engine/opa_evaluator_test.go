package engine

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	e, err := NewOPAEvaluator(context.Background(), Options{})
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOPAEvaluator_DefaultPolicy(t *testing.T) {
	e, err := NewOPAEvaluator(context.Background(), Options{
		ExtendedScope:  "repo:fm.teal.alpha.feed.play",
		ExtendedPrefix: "fm.teal.",
	})
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	testCases := []struct {
		name string
		req  Request
		want []string
	}{
		{"read", Request{Method: "GET", NSID: "app.bsky.actor.getProfile"}, []string{"atproto"}},
		{"lowercase read", Request{Method: "get", NSID: "com.atproto.repo.listRecords", Collection: "app.bsky.feed.post"}, []string{"atproto"}},
		{"write", Request{Method: "POST", NSID: "com.atproto.repo.createRecord", Collection: "app.bsky.feed.post"}, []string{"atproto", "transition:generic"}},
		{"extended write", Request{Method: "POST", NSID: "com.atproto.repo.createRecord", Collection: "fm.teal.alpha.feed.play"}, []string{"atproto", "repo:fm.teal.alpha.feed.play"}},
		{"extended read", Request{Method: "GET", NSID: "com.atproto.repo.listRecords", Collection: "fm.teal.alpha.feed.play"}, []string{"atproto", "repo:fm.teal.alpha.feed.play"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.RequiredScopes(context.Background(), tc.req)
			if err != nil {
				t.Fatalf("RequiredScopes: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("RequiredScopes = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOPAEvaluator_ExtendedDisabled(t *testing.T) {
	e, err := NewOPAEvaluator(context.Background(), Options{ExtendedPrefix: "fm.teal."})
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	got, _ := e.RequiredScopes(context.Background(), Request{Method: "POST", Collection: "fm.teal.alpha.feed.play"})
	if !reflect.DeepEqual(got, []string{"atproto", "transition:generic"}) {
		t.Errorf("RequiredScopes = %v", got)
	}
}

func TestOPAEvaluator_CustomPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scopes.rego")
	policy := `package wavefed.scopes

default required := ["custom"]
`
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	e, err := NewOPAEvaluator(context.Background(), Options{PolicyPath: path})
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	got, _ := e.RequiredScopes(context.Background(), Request{Method: "GET"})
	if !reflect.DeepEqual(got, []string{"custom"}) {
		t.Errorf("RequiredScopes = %v", got)
	}
}

func TestNewOPAEvaluator_InvalidPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.rego")
	_ = os.WriteFile(path, []byte("package wavefed.scopes\n\nrequired := [ if"), 0o600)
	if _, err := NewOPAEvaluator(context.Background(), Options{PolicyPath: path}); err == nil {
		t.Error("invalid policy should fail to compile")
	}
	if _, err := NewOPAEvaluator(context.Background(), Options{PolicyPath: "/nonexistent.rego"}); err == nil {
		t.Error("missing policy file should fail")
	}
}
