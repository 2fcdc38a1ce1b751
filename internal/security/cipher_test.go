package security

import (
	"bytes"
	"errors"
	"testing"
)

func testMasterKey() []byte {
	return bytes.Repeat([]byte{7}, 32)
}

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher(testMasterKey(), PurposeSessionCredentials)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	payloads := [][]byte{
		{},
		[]byte("x"),
		[]byte(`{"version":2,"access_token":"abc"}`),
		bytes.Repeat([]byte{0xff, 0x00}, 4096),
	}
	for _, p := range payloads {
		blob, err := c.Seal(p, []byte("sess-1"))
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		got, err := c.Open(blob, []byte("sess-1"))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("round trip mismatch for %d-byte payload", len(p))
		}
	}
}

func TestCipher_NonceIsFresh(t *testing.T) {
	c, _ := NewCipher(testMasterKey(), PurposeSessionCredentials)
	a, _ := c.Seal([]byte("same"), nil)
	b, _ := c.Seal([]byte("same"), nil)
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext must differ")
	}
}

func TestCipher_OpenFailures(t *testing.T) {
	c, _ := NewCipher(testMasterKey(), PurposeSessionCredentials)
	blob, _ := c.Seal([]byte("secret"), []byte("sess-1"))

	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0x01

	other, _ := NewCipher(bytes.Repeat([]byte{8}, 32), PurposeSessionCredentials)
	otherPurpose, _ := NewCipher(testMasterKey(), PurposePendingSecrets)

	testCases := []struct {
		name string
		c    *Cipher
		blob []byte
		aad  []byte
	}{
		{"garbage", c, []byte("definitely not a ciphertext, but long enough to pass length checks"), []byte("sess-1")},
		{"empty", c, nil, []byte("sess-1")},
		{"truncated", c, blob[:10], []byte("sess-1")},
		{"tampered", c, tampered, []byte("sess-1")},
		{"wrong aad", c, blob, []byte("sess-2")},
		{"wrong key", other, blob, []byte("sess-1")},
		{"wrong purpose", otherPurpose, blob, []byte("sess-1")},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.c.Open(tc.blob, tc.aad); !errors.Is(err, ErrDecrypt) {
				t.Errorf("err = %v, want ErrDecrypt", err)
			}
		})
	}
}

func TestNewCipher_KeySize(t *testing.T) {
	if _, err := NewCipher([]byte("short"), PurposeSessionCredentials); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("err = %v, want ErrInvalidKey", err)
	}
}
