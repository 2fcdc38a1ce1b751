package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"
)

const requiredQuery = "data.wavefed.scopes.required"

// Default Rego policy: reads need the base scope, writes need the generic transition scope, and
// anything touching the extended collections needs the opt-in extended scope.
const defaultRegoPolicy = `package wavefed.scopes

default required := ["atproto"]

write_methods := {"POST", "PUT", "PATCH", "DELETE"}

extended if {
	input.extended_scope != ""
	input.extended_prefix != ""
	startswith(input.collection, input.extended_prefix)
}

required := ["atproto", "transition:generic"] if {
	write_methods[input.method]
	not extended
}

required := ["atproto", input.extended_scope] if {
	extended
}
`

// baseScope is returned when evaluation fails.
var baseScope = []string{"atproto"}

// OPAEvaluator evaluates the scope policy with an in-process OPA Rego engine. The query is
// prepared once; evaluation is safe for concurrent use.
type OPAEvaluator struct {
	query          rego.PreparedEvalQuery
	extendedScope  string
	extendedPrefix string
	logger         *zap.Logger
}

// Options configures the evaluator.
type Options struct {
	// PolicyPath optionally replaces the built-in policy with a Rego file defining data.wavefed.scopes.required.
	PolicyPath string
	// ExtendedScope is the opt-in scope; empty disables the extended rule.
	ExtendedScope string
	// ExtendedPrefix is the collection prefix guarded by ExtendedScope.
	ExtendedPrefix string
	Logger         *zap.Logger
}

// NewOPAEvaluator compiles the policy. A policy that does not compile is a boot-time error.
func NewOPAEvaluator(ctx context.Context, opts Options) (*OPAEvaluator, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	module := defaultRegoPolicy
	if opts.PolicyPath != "" {
		b, err := os.ReadFile(opts.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("read scope policy: %w", err)
		}
		module = string(b)
	}
	q, err := rego.New(
		rego.Query(requiredQuery),
		rego.Module("scopes.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile scope policy: %w", err)
	}
	return &OPAEvaluator{
		query:          q,
		extendedScope:  opts.ExtendedScope,
		extendedPrefix: opts.ExtendedPrefix,
		logger:         opts.Logger,
	}, nil
}

// HealthCheck evaluates the policy against a minimal read request.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	rs, err := e.query.Eval(ctx, rego.EvalInput(e.buildInput(Request{Method: "GET"})))
	if err != nil {
		return fmt.Errorf("eval scope policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

// RequiredScopes returns the sorted scope tokens req needs. On evaluation failure it logs and
// falls back to the base scope.
func (e *OPAEvaluator) RequiredScopes(ctx context.Context, req Request) ([]string, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(e.buildInput(req)))
	if err != nil {
		e.logger.Warn("scope policy evaluation failed, using base scope", zap.String("nsid", req.NSID), zap.Error(err))
		return baseScope, nil
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return baseScope, nil
	}
	raw, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		e.logger.Warn("scope policy returned a non-list", zap.Any("value", rs[0].Expressions[0].Value))
		return baseScope, nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (e *OPAEvaluator) buildInput(req Request) map[string]interface{} {
	return map[string]interface{}{
		"method":          strings.ToUpper(req.Method),
		"nsid":            req.NSID,
		"collection":      req.Collection,
		"extended_scope":  e.extendedScope,
		"extended_prefix": e.extendedPrefix,
	}
}
