package domain

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/go-jose/go-jose/v4"

	"wavefed/backend/internal/oauth/dpop"
	"wavefed/backend/internal/security"
)

// CredentialsVersion is the current encoding of Credentials.
const CredentialsVersion = 2

// ClientAuthMethod records how the session's tokens were obtained; it decides the refresh lifetime policy.
type ClientAuthMethod string

const (
	ClientAuthNone          ClientAuthMethod = "none"
	ClientAuthPrivateKeyJWT ClientAuthMethod = "private_key_jwt"
)

// Credentials is the decrypted OAuth state of a session.
type Credentials struct {
	Version           int               `json:"version"`
	DID               string            `json:"did"`
	Handle            string            `json:"handle"`
	ResourceServerURL string            `json:"resource_server_url"`
	Issuer            string            `json:"issuer"`
	TokenEndpoint     string            `json:"token_endpoint,omitempty"`
	AccessToken       string            `json:"access_token"`
	RefreshToken      string            `json:"refresh_token"`
	AccessExpiresAt   *time.Time        `json:"access_expires_at,omitempty"`
	DPoPKeyPEM        string            `json:"dpop_key_pem"`
	DPoPNonces        map[string]string `json:"dpop_nonces,omitempty"`
	Scope             string            `json:"scope"`
	ClientAuthMethod  ClientAuthMethod  `json:"client_auth_method"`
}

// Clone returns a deep copy so callers can mutate nonces without racing other readers.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	out := *c
	out.DPoPNonces = maps.Clone(c.DPoPNonces)
	if c.AccessExpiresAt != nil {
		t := *c.AccessExpiresAt
		out.AccessExpiresAt = &t
	}
	return &out
}

// Nonce returns the last DPoP nonce seen from target's origin.
func (c *Credentials) Nonce(target string) string {
	return c.DPoPNonces[dpop.Origin(target)]
}

// SetNonce records a DPoP nonce for target's origin. Empty nonces are ignored.
func (c *Credentials) SetNonce(target, nonce string) {
	if nonce == "" {
		return
	}
	if c.DPoPNonces == nil {
		c.DPoPNonces = make(map[string]string)
	}
	c.DPoPNonces[dpop.Origin(target)] = nonce
}

// DPoPKey parses the session's DPoP signing key.
func (c *Credentials) DPoPKey() (*ecdsa.PrivateKey, error) {
	return security.DecodeES256PrivateKeyPEM(c.DPoPKeyPEM)
}

// EncodeCredentials serializes c at the current version.
func EncodeCredentials(c *Credentials) ([]byte, error) {
	if c == nil {
		return nil, errors.New("credentials are nil")
	}
	out := c.Clone()
	out.Version = CredentialsVersion
	return json.Marshal(out)
}

// DecodeCredentials parses any stored version, migrating older shapes to the current record.
func DecodeCredentials(b []byte) (*Credentials, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	switch head.Version {
	case 0, 1:
		var legacy legacyCredentials
		if err := json.Unmarshal(b, &legacy); err != nil {
			return nil, fmt.Errorf("decode legacy credentials: %w", err)
		}
		return legacy.migrate()
	case CredentialsVersion:
		var c Credentials
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("decode credentials: %w", err)
		}
		if c.ClientAuthMethod == "" {
			c.ClientAuthMethod = ClientAuthNone
		}
		return &c, nil
	default:
		return nil, fmt.Errorf("decode credentials: unknown version %d", head.Version)
	}
}

// legacyCredentials is the first stored shape: the DPoP key as a private JWK and a separate
// nonce per server role.
type legacyCredentials struct {
	DID             string          `json:"did"`
	Handle          string          `json:"handle"`
	PDSURL          string          `json:"pds_url"`
	AuthServerIss   string          `json:"authserver_iss"`
	AccessToken     string          `json:"access_token"`
	RefreshToken    string          `json:"refresh_token"`
	DPoPPrivateJWK  json.RawMessage `json:"dpop_private_jwk"`
	AuthServerNonce string          `json:"dpop_authserver_nonce"`
	PDSNonce        string          `json:"dpop_pds_nonce"`
	Scope           string          `json:"scope"`
	Confidential    bool            `json:"is_confidential"`
}

func (l *legacyCredentials) migrate() (*Credentials, error) {
	if l.DID == "" || l.AccessToken == "" {
		return nil, errors.New("legacy credentials missing did or access token")
	}
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(l.DPoPPrivateJWK); err != nil {
		return nil, fmt.Errorf("legacy dpop jwk: %w", err)
	}
	key, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("legacy dpop jwk is not an EC private key")
	}
	keyPEM, err := security.EncodeES256PrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	c := &Credentials{
		Version:           CredentialsVersion,
		DID:               l.DID,
		Handle:            l.Handle,
		ResourceServerURL: l.PDSURL,
		Issuer:            l.AuthServerIss,
		AccessToken:       l.AccessToken,
		RefreshToken:      l.RefreshToken,
		DPoPKeyPEM:        keyPEM,
		Scope:             l.Scope,
		ClientAuthMethod:  ClientAuthNone,
	}
	if l.Confidential {
		c.ClientAuthMethod = ClientAuthPrivateKeyJWT
	}
	c.SetNonce(l.AuthServerIss, l.AuthServerNonce)
	c.SetNonce(l.PDSURL, l.PDSNonce)
	return c, nil
}
