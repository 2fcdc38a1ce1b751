// Package dpop builds DPoP proofs (RFC 9449) and tracks the server-issued nonces they must echo.
package dpop

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"wavefed/backend/internal/security"
)

// HeaderName is the request and response header carrying proofs and nonces.
const (
	HeaderName  = "DPoP"
	NonceHeader = "DPoP-Nonce"
)

// ErrorUseNonce is the OAuth error code a server returns when the proof lacks a current nonce.
const ErrorUseNonce = "use_dpop_nonce"

// GenerateKey returns a fresh P-256 key and its PEM encoding. Every authorization gets its own key.
func GenerateKey() (*ecdsa.PrivateKey, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", err
	}
	p, err := security.EncodeES256PrivateKeyPEM(key)
	if err != nil {
		return nil, "", err
	}
	return key, p, nil
}

// Signer produces proofs with one key.
type Signer struct {
	key *ecdsa.PrivateKey
	jwk jose.JSONWebKey
	now func() time.Time
}

// NewSigner returns a Signer for key.
func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key: key,
		jwk: jose.JSONWebKey{Key: &key.PublicKey, Algorithm: string(jose.ES256), Use: "sig"},
		now: time.Now,
	}
}

// Proof returns a proof bound to method and target. nonce and accessToken are optional; when an
// access token is given its hash is bound through the ath claim.
func (s *Signer) Proof(method, target, nonce, accessToken string) (string, error) {
	claims := jwt.MapClaims{
		"jti": uuid.NewString(),
		"htm": strings.ToUpper(method),
		"htu": htu(target),
		"iat": s.now().Unix(),
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		claims["ath"] = base64.RawURLEncoding.EncodeToString(sum[:])
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = s.jwk
	return token.SignedString(s.key)
}

// htu strips query and fragment as required for the htu claim.
func htu(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// Origin reduces a URL to scheme://host, the audience nonces are scoped to.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// NonceStore remembers the last nonce per audience. Session credentials implement it so rotated
// nonces are persisted with the tokens.
type NonceStore interface {
	Nonce(target string) string
	SetNonce(target, nonce string)
}

// NonceMap is a NonceStore for callers without persisted credentials, e.g. during code exchange.
// It is not safe for concurrent use.
type NonceMap map[string]string

func (m NonceMap) Nonce(target string) string { return m[Origin(target)] }

func (m NonceMap) SetNonce(target, nonce string) {
	if nonce != "" {
		m[Origin(target)] = nonce
	}
}

// IsNonceChallenge reports whether resp asks the client to retry with the nonce it just issued.
// Authorization servers answer 400 with a JSON error; resource servers answer 401 with WWW-Authenticate.
func IsNonceChallenge(status int, header http.Header, body []byte) bool {
	if header.Get(NonceHeader) == "" {
		return false
	}
	switch status {
	case http.StatusBadRequest:
		var e struct {
			Error string `json:"error"`
		}
		return json.Unmarshal(body, &e) == nil && e.Error == ErrorUseNonce
	case http.StatusUnauthorized:
		if strings.Contains(header.Get("WWW-Authenticate"), ErrorUseNonce) {
			return true
		}
		var e struct {
			Error string `json:"error"`
		}
		return json.Unmarshal(body, &e) == nil && e.Error == ErrorUseNonce
	}
	return false
}
