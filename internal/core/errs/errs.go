// Package errs defines the sentinel error kinds shared across the core:
// Unauthenticated, Configuration, Argument, and Upstream. Components wrap
// these with fmt.Errorf("%w: ...") rather than defining per-package error
// types, so callers use errors.Is against the kinds below.
package errs

import "errors"

var (
	// ErrUnauthenticated covers missing, malformed, expired, or
	// signature-invalid bearer tokens, unknown issuers, disallowed
	// audiences, and JWKS fetch failures. Surfaces as HTTP 401.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrConfiguration covers invalid service/provider configuration
	// discovered at load time: duplicate issuers, missing auth section,
	// unsupported key type. Prevents the component from loading.
	ErrConfiguration = errors.New("configuration error")

	// ErrArgument covers programmer errors: service-name mismatch into an
	// aggregator, invalid distribution parameters, merge of mismatched
	// metric value variants. Never retried.
	ErrArgument = errors.New("argument error")

	// ErrUpstream covers a failed Check/AllocateQuota/Report call to the
	// remote Service Control endpoint.
	ErrUpstream = errors.New("upstream transport error")
)
