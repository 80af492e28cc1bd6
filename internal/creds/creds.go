// Package creds abstracts the registry credential source. Credential storage
// itself is an external collaborator; the executor only needs a bearer token
// and a way to refresh it exactly once when the registry reports expiry.
package creds

import (
	"context"
	"os"
)

// TokenSource yields bearer tokens for registry requests. Refresh is invoked
// by the transfer executor after an auth-expiry response; implementations
// should return the replacement token or an error if re-authentication failed.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Static is a fixed-token source. Refresh returns the same token, which means
// an expired static token surfaces as AuthFailed after one retry.
type Static struct {
	token string
}

func NewStatic(token string) *Static { return &Static{token: token} }

func (s *Static) Token(ctx context.Context) (string, error)   { return s.token, nil }
func (s *Static) Refresh(ctx context.Context) (string, error) { return s.token, nil }

// FromEnv builds a Static source from MODELFETCH_REGISTRY_TOKEN. An empty
// token disables the Authorization header entirely.
func FromEnv() *Static {
	return NewStatic(os.Getenv("MODELFETCH_REGISTRY_TOKEN"))
}

// Funcs adapts plain functions to a TokenSource. Used by tests and by callers
// that plug in an external credential store.
type Funcs struct {
	TokenFn   func(ctx context.Context) (string, error)
	RefreshFn func(ctx context.Context) (string, error)
}

func (f Funcs) Token(ctx context.Context) (string, error) {
	if f.TokenFn == nil {
		return "", nil
	}
	return f.TokenFn(ctx)
}

func (f Funcs) Refresh(ctx context.Context) (string, error) {
	if f.RefreshFn == nil {
		return "", nil
	}
	return f.RefreshFn(ctx)
}
