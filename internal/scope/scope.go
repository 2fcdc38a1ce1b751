// Package scope parses granted scope strings into capability sets and checks coverage.
package scope

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInsufficientScope means the session is valid but lacks a capability. It is distinct from an
// invalid session so clients start an upgrade instead of logging out.
var ErrInsufficientScope = errors.New("insufficient scope")

// InsufficientScopeError lists the missing capabilities.
type InsufficientScopeError struct {
	Missing []string
}

func (e *InsufficientScopeError) Error() string {
	return fmt.Sprintf("insufficient scope: missing %s", strings.Join(e.Missing, " "))
}

func (e *InsufficientScopeError) Is(target error) bool { return target == ErrInsufficientScope }

// Set is a set of capability tokens.
type Set map[string]struct{}

// Parse splits a space-separated scope string. Empty tokens are dropped.
func Parse(s string) Set {
	out := Set{}
	for _, tok := range strings.Fields(s) {
		out[tok] = struct{}{}
	}
	return out
}

// Of builds a Set from individual tokens, each of which may itself be a scope string.
func Of(tokens ...string) Set {
	out := Set{}
	for _, t := range tokens {
		for tok := range Parse(t) {
			out[tok] = struct{}{}
		}
	}
	return out
}

// Contains reports whether tok is in s.
func (s Set) Contains(tok string) bool {
	_, ok := s[tok]
	return ok
}

// Union returns a new set with the tokens of both.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for t := range s {
		out[t] = struct{}{}
	}
	for t := range other {
		out[t] = struct{}{}
	}
	return out
}

// Missing returns the tokens of required absent from s, sorted.
func (s Set) Missing(required Set) []string {
	var out []string
	for t := range required {
		if !s.Contains(t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Slice returns the tokens sorted.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// String renders s as a canonical scope string.
func (s Set) String() string {
	return strings.Join(s.Slice(), " ")
}

// CheckCoverage reports whether every token of required is in granted.
func CheckCoverage(granted, required Set) bool {
	return len(granted.Missing(required)) == 0
}

// Require returns an *InsufficientScopeError when granted does not cover required.
func Require(granted, required Set) error {
	if missing := granted.Missing(required); len(missing) > 0 {
		return &InsufficientScopeError{Missing: missing}
	}
	return nil
}
