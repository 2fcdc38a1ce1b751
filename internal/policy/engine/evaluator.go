package engine

import "context"

// Request describes a proxied call for scope evaluation.
type Request struct {
	Method string
	// NSID is the XRPC method name, e.g. com.atproto.repo.createRecord.
	NSID string
	// Collection is the record collection the call touches, when known.
	Collection string
}

// Evaluator decides which scope tokens a request needs.
type Evaluator interface {
	RequiredScopes(ctx context.Context, req Request) ([]string, error)
}
