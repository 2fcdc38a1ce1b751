package security

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ClientAssertionType is the client_assertion_type sent with private_key_jwt authentication.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientAssertionTTL is the lifetime of a single client assertion.
const ClientAssertionTTL = 60 * time.Second

// ClientAssertionSigner signs client assertions for a confidential client. The key is read-only
// after construction, so one signer is shared by every request.
type ClientAssertionSigner struct {
	key      *ecdsa.PrivateKey
	keyID    string
	clientID string
	now      func() time.Time
}

// NewClientAssertionSigner returns a signer for clientID using the ES256 key.
func NewClientAssertionSigner(key *ecdsa.PrivateKey, keyID, clientID string) (*ClientAssertionSigner, error) {
	if key == nil {
		return nil, errors.New("client assertion key is nil")
	}
	if alg := KeyAlg(&key.PublicKey); alg != string(jose.ES256) {
		return nil, fmt.Errorf("%w: client assertion key must be ES256, got %q", ErrInvalidKey, alg)
	}
	if clientID == "" {
		return nil, errors.New("client id is empty")
	}
	return &ClientAssertionSigner{key: key, keyID: keyID, clientID: clientID, now: time.Now}, nil
}

// Sign returns a compact JWT with iss=sub=client_id and aud=issuer, valid for ClientAssertionTTL.
func (s *ClientAssertionSigner) Sign(issuer string) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.clientID,
		Subject:   s.clientID,
		Audience:  jwt.ClaimStrings{issuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ClientAssertionTTL)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	return token.SignedString(s.key)
}

// PublicJWKS returns the key set published for relying parties. Only the public half is included.
func (s *ClientAssertionSigner) PublicJWKS() jose.JSONWebKeySet {
	if s == nil {
		return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	}
	jwk := jose.JSONWebKey{
		Key:       &s.key.PublicKey,
		KeyID:     s.keyID,
		Algorithm: KeyAlg(&s.key.PublicKey),
		Use:       "sig",
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}
}
