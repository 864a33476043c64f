// Package gateway holds the request-scoped context plumbing shared by the
// HTTP harness: request IDs and the authenticated caller identity, both
// bundled into a single context allocation per request. This package has no
// project imports beyond internal/core -- it sits just above the dependency
// root.
package gateway

import (
	"context"
	"net/http"

	"github.com/eugener/sentinel/internal/core"
)

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via
// mutation of the same pointer, avoiding a second context.WithValue +
// Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *core.UserInfo
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated caller's claims from ctx.
func IdentityFromContext(ctx context.Context) *core.UserInfo {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores id in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new
// metadata if none exists (e.g. in tests).
func ContextWithIdentity(ctx context.Context, id *core.UserInfo) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// Authenticator validates a request's bearer token against authInfo's
// provider/audience policy for serviceName and returns the caller's claims.
// Matches internal/authn.Authenticator's method shape so the harness can
// depend on this narrow interface instead of the concrete type.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request, authInfo core.Info, serviceName string) (core.UserInfo, error)
}
