package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ServerMetadata is the subset of RFC 8414 authorization server metadata the flows rely on.
type ServerMetadata struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	PushedAuthorizationRequestEndpoint         string   `json:"pushed_authorization_request_endpoint"`
	RequirePushedAuthorizationRequests         bool     `json:"require_pushed_authorization_requests"`
	ScopesSupported                            []string `json:"scopes_supported"`
	DPoPSigningAlgValuesSupported              []string `json:"dpop_signing_alg_values_supported"`
	AuthorizationResponseISSParameterSupported bool     `json:"authorization_response_iss_parameter_supported"`
}

type metadataEntry struct {
	meta    *ServerMetadata
	fetched time.Time
}

// metadataCache keeps discovery documents per issuer for metadataTTL.
type metadataCache struct {
	mu      sync.Mutex
	entries map[string]metadataEntry
}

const metadataTTL = 10 * time.Minute

func (c *metadataCache) get(issuer string, now time.Time) *ServerMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[issuer]
	if !ok || now.Sub(e.fetched) > metadataTTL {
		return nil
	}
	return e.meta
}

func (c *metadataCache) put(issuer string, meta *ServerMetadata, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]metadataEntry)
	}
	c.entries[issuer] = metadataEntry{meta: meta, fetched: now}
}

// Metadata returns the authorization server metadata for issuer, from cache when fresh.
// The document's issuer must equal the requested one.
func (c *Client) Metadata(ctx context.Context, issuer string) (*ServerMetadata, error) {
	issuer = strings.TrimRight(issuer, "/")
	if m := c.metadata.get(issuer, c.now()); m != nil {
		return m, nil
	}
	var meta ServerMetadata
	if err := c.getJSON(ctx, issuer+"/.well-known/oauth-authorization-server", &meta); err != nil {
		return nil, fmt.Errorf("authorization server metadata: %w", err)
	}
	if strings.TrimRight(meta.Issuer, "/") != issuer {
		return nil, fmt.Errorf("%w: metadata issuer %q does not match %q", ErrProvider, meta.Issuer, issuer)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("%w: metadata missing endpoints", ErrProvider)
	}
	c.metadata.put(issuer, &meta, c.now())
	return &meta, nil
}

// ResourceIssuer returns the authorization server protecting resourceURL, from its
// oauth-protected-resource document.
func (c *Client) ResourceIssuer(ctx context.Context, resourceURL string) (string, error) {
	var doc struct {
		AuthorizationServers []string `json:"authorization_servers"`
	}
	if err := c.getJSON(ctx, strings.TrimRight(resourceURL, "/")+"/.well-known/oauth-protected-resource", &doc); err != nil {
		return "", fmt.Errorf("protected resource metadata: %w", err)
	}
	if len(doc.AuthorizationServers) == 0 {
		return "", fmt.Errorf("%w: resource server lists no authorization server", ErrProvider)
	}
	return strings.TrimRight(doc.AuthorizationServers[0], "/"), nil
}

func (c *Client) getJSON(ctx context.Context, target string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	body, err := readBody(resp)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &Error{StatusCode: resp.StatusCode, Code: "http_error", Description: truncate(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Join(ErrProvider, fmt.Errorf("decode %s: %w", target, err))
	}
	return nil
}
