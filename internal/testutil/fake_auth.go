package testutil

import (
	"context"
	"fmt"
	"net/http"

	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/errs"
)

// FakeAuth always authenticates successfully with a fixed test identity,
// matching gateway.Authenticator's signature without a real JWT decoder.
type FakeAuth struct{}

// Authenticate returns a test identity regardless of the request or method
// descriptor.
func (FakeAuth) Authenticate(_ context.Context, _ *http.Request, _ core.Info, _ string) (core.UserInfo, error) {
	return core.UserInfo{
		ID:        "test-user",
		Email:     "test@example.com",
		Issuer:    "https://issuer.example.com",
		Audiences: []string{"test-audience"},
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns errs.ErrUnauthenticated.
func (RejectAuth) Authenticate(context.Context, *http.Request, core.Info, string) (core.UserInfo, error) {
	return core.UserInfo{}, fmt.Errorf("%w: rejected by test double", errs.ErrUnauthenticated)
}
