package flow

import (
	"crypto/ecdsa"
	"testing"

	"wavefed/backend/internal/oauth/dpop"
)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, _, err := dpop.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}
