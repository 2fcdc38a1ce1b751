package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"

	"wavefed/backend/internal/security"
)

// ClientMetadata describes this service as an OAuth client. Its URL is the client_id.
type ClientMetadata struct {
	ClientID    string
	ClientName  string
	ClientURI   string
	RedirectURI string
	Scope       string
	JWKSURI     string
	// Assertion is set for confidential clients.
	Assertion *security.ClientAssertionSigner
}

// WellKnownHandler serves the client metadata document and the public JWKS.
type WellKnownHandler struct {
	Meta ClientMetadata
}

// ClientMetadataDocument serves GET /oauth-client-metadata.json.
func (h *WellKnownHandler) ClientMetadataDocument(c *gin.Context) {
	doc := gin.H{
		"client_id":                  h.Meta.ClientID,
		"client_name":                h.Meta.ClientName,
		"client_uri":                 h.Meta.ClientURI,
		"application_type":           "web",
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"redirect_uris":              []string{h.Meta.RedirectURI},
		"scope":                      h.Meta.Scope,
		"dpop_bound_access_tokens":   true,
		"token_endpoint_auth_method": "none",
	}
	if h.Meta.Assertion != nil {
		doc["token_endpoint_auth_method"] = "private_key_jwt"
		doc["token_endpoint_auth_signing_alg"] = "ES256"
		doc["jwks_uri"] = h.Meta.JWKSURI
	}
	c.JSON(http.StatusOK, doc)
}

// JWKS serves the confidential client's public key with the private scalar stripped. A public
// client publishes an empty set.
func (h *WellKnownHandler) JWKS(c *gin.Context) {
	if h.Meta.Assertion == nil {
		c.JSON(http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}})
		return
	}
	c.JSON(http.StatusOK, h.Meta.Assertion.PublicJWKS())
}
