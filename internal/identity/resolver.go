// Package identity resolves login hints to accounts and looks up account preferences.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"wavefed/backend/internal/identity/domain"
	"wavefed/backend/internal/identity/repository"
)

// ErrUnresolvable is returned when a hint names no known account.
var ErrUnresolvable = errors.New("identity could not be resolved")

// IssuerDiscoverer finds the authorization server protecting a resource server.
type IssuerDiscoverer interface {
	ResourceIssuer(ctx context.Context, resourceURL string) (string, error)
}

// Resolver maps handles and DIDs to identities. Handles resolve through the default resource
// server; DIDs resolve through their DID document to the account's own resource server.
type Resolver struct {
	httpClient  *http.Client
	resourceURL string
	issuer      string
	directory   string
	issuers     IssuerDiscoverer
	prefs       repository.PreferencesRepository
	logger      *zap.Logger
	timeout     time.Duration
	now         func() time.Time
}

// NewResolver returns a Resolver. resourceURL and issuer are the defaults used when no hint is given
// or discovery fails. directory is the did:plc directory; empty keeps did:plc accounts on resourceURL.
func NewResolver(httpClient *http.Client, resourceURL, issuer, directory string, issuers IssuerDiscoverer, prefs repository.PreferencesRepository, timeout time.Duration, logger *zap.Logger) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		httpClient:  httpClient,
		resourceURL: strings.TrimRight(resourceURL, "/"),
		issuer:      strings.TrimRight(issuer, "/"),
		directory:   strings.TrimRight(directory, "/"),
		issuers:     issuers,
		prefs:       prefs,
		logger:      logger,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Resolve turns hint (a handle, a DID, or empty) into an identity. With an empty hint only the
// default resource server and issuer are filled in. Otherwise the resource server comes from the
// DID document and the issuer from that server's protected resource metadata.
func (r *Resolver) Resolve(ctx context.Context, hint string) (*domain.Identity, error) {
	hint = strings.TrimPrefix(strings.TrimSpace(hint), "@")
	id := &domain.Identity{ResourceServerURL: r.resourceURL, Issuer: r.issuer}
	if hint == "" {
		return id, nil
	}
	if strings.HasPrefix(hint, "did:") {
		id.DID = hint
	} else {
		did, err := r.resolveHandle(ctx, strings.ToLower(hint))
		if err != nil {
			return nil, err
		}
		id.DID = did
		id.Handle = strings.ToLower(hint)
	}
	resource, err := r.resourceServer(ctx, id.DID)
	if err != nil {
		return nil, err
	}
	if resource != "" {
		id.ResourceServerURL = resource
	}
	if id.Handle == "" {
		if h, err := r.LookupHandle(ctx, id.ResourceServerURL, id.DID); err == nil {
			id.Handle = h
		}
	}
	if r.issuers != nil {
		iss, err := r.issuers.ResourceIssuer(ctx, id.ResourceServerURL)
		if err != nil {
			r.logger.Debug("issuer discovery failed, using default", zap.String("resource", id.ResourceServerURL), zap.Error(err))
		} else {
			id.Issuer = iss
		}
	}
	return id, nil
}

// LookupHandle asks the resource server for did's current handle. Providers often omit the handle
// for accounts that are not indexed yet; this is the fallback.
func (r *Resolver) LookupHandle(ctx context.Context, resourceURL, did string) (string, error) {
	if resourceURL == "" {
		resourceURL = r.resourceURL
	}
	var out struct {
		Handle string `json:"handle"`
	}
	q := url.Values{"repo": {did}}
	if err := r.getJSON(ctx, strings.TrimRight(resourceURL, "/")+"/xrpc/com.atproto.repo.describeRepo?"+q.Encode(), &out); err != nil {
		return "", err
	}
	if out.Handle == "" || out.Handle == "handle.invalid" {
		return "", fmt.Errorf("%w: no handle for %s", ErrUnresolvable, did)
	}
	return out.Handle, nil
}

// ExtendedScopeEnabled reports whether did opted into the extended scope. Unknown accounts and
// lookup failures count as not opted in.
func (r *Resolver) ExtendedScopeEnabled(ctx context.Context, did string) bool {
	if did == "" || r.prefs == nil {
		return false
	}
	p, err := r.prefs.Get(ctx, did)
	if err != nil {
		r.logger.Warn("preferences lookup failed", zap.String("did", did), zap.Error(err))
		return false
	}
	return p != nil && p.ExtendedScopeEnabled
}

// SetExtendedScope records did's opt-in choice.
func (r *Resolver) SetExtendedScope(ctx context.Context, did string, enabled bool) error {
	if r.prefs == nil {
		return errors.New("preferences are not configured")
	}
	return r.prefs.Upsert(ctx, &domain.Preferences{DID: did, ExtendedScopeEnabled: enabled, UpdatedAt: r.now().UTC()})
}

// didDocument is the part of a DID document that names the account's resource server.
type didDocument struct {
	ID      string `json:"id"`
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
}

const resourceServiceID = "#atproto_pds"

// resourceServer returns the resource server endpoint from did's document, or "" when the DID
// method has no configured resolution.
func (r *Resolver) resourceServer(ctx context.Context, did string) (string, error) {
	target, err := r.documentURL(did)
	if err != nil || target == "" {
		return "", err
	}
	var doc didDocument
	if err := r.getJSON(ctx, target, &doc); err != nil {
		return "", fmt.Errorf("resolve %s: %w", did, err)
	}
	if doc.ID != did {
		return "", fmt.Errorf("%w: document for %s names %q", ErrUnresolvable, did, doc.ID)
	}
	for _, svc := range doc.Service {
		if svc.ID != resourceServiceID && svc.ID != did+resourceServiceID {
			continue
		}
		u, err := url.Parse(svc.ServiceEndpoint)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return "", fmt.Errorf("%w: bad service endpoint for %s", ErrUnresolvable, did)
		}
		return strings.TrimRight(svc.ServiceEndpoint, "/"), nil
	}
	return "", fmt.Errorf("%w: no resource server in document for %s", ErrUnresolvable, did)
}

func (r *Resolver) documentURL(did string) (string, error) {
	switch {
	case strings.HasPrefix(did, "did:plc:"):
		if r.directory == "" {
			return "", nil
		}
		return r.directory + "/" + url.PathEscape(did), nil
	case strings.HasPrefix(did, "did:web:"):
		// Only host-level did:web is accepted; a port is percent-encoded.
		raw := strings.TrimPrefix(did, "did:web:")
		host, err := url.PathUnescape(raw)
		if err != nil || host == "" || strings.Contains(raw, ":") || strings.Contains(host, "/") {
			return "", fmt.Errorf("%w: unsupported did:web %s", ErrUnresolvable, did)
		}
		return "https://" + host + "/.well-known/did.json", nil
	default:
		return "", fmt.Errorf("%w: unsupported did method %s", ErrUnresolvable, did)
	}
}

func (r *Resolver) resolveHandle(ctx context.Context, handle string) (string, error) {
	var out struct {
		DID string `json:"did"`
	}
	q := url.Values{"handle": {handle}}
	if err := r.getJSON(ctx, r.resourceURL+"/xrpc/com.atproto.identity.resolveHandle?"+q.Encode(), &out); err != nil {
		return "", err
	}
	if !strings.HasPrefix(out.DID, "did:") {
		return "", fmt.Errorf("%w: %s", ErrUnresolvable, handle)
	}
	return out.DID, nil
}

func (r *Resolver) getJSON(ctx context.Context, target string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read identity response: %w", err)
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
		return ErrUnresolvable
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity request failed: status=%d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode identity response: %w", err)
	}
	return nil
}
