// Package jwt decodes and verifies compact JWS bearer tokens: it extracts
// header and claims without validation, selects candidate keys from the
// issuer's JWKS by algorithm and key id, tries each until one verifies the
// signature, and caches decoded claims keyed by token to amortize expensive
// crypto for clients with sticky tokens. Grounded on the retrieved
// toolbridge-api auth package's jwt.ParseWithClaims usage, generalized to
// try every JWKS candidate instead of a single RSA/HMAC branch.
package jwt

import (
	"context"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/maypok86/otter/v2"

	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/errs"
)

// Claims caching: 5 minute TTL, capacity 200.
const (
	ClaimsTTL      = 5 * time.Minute
	ClaimsCapacity = 200
)

// JWKSSource fetches a provider's key set, matching internal/jwks.Supplier.
type JWKSSource interface {
	Fetch(ctx context.Context, provider core.AuthProvider) (core.JWKS, error)
}

// IssuerResolver maps an issuer claim to its configured AuthProvider.
type IssuerResolver func(issuer string) (core.AuthProvider, bool)

// Decoder parses and verifies compact JWS tokens.
type Decoder struct {
	jwks   JWKSSource
	cache  *otter.Cache[string, jwtlib.MapClaims]
	parser *jwtlib.Parser
}

// New builds a Decoder backed by jwksSource.
func New(jwksSource JWKSSource) (*Decoder, error) {
	c, err := otter.New[string, jwtlib.MapClaims](&otter.Options[string, jwtlib.MapClaims]{
		MaximumSize:      ClaimsCapacity,
		ExpiryCalculator: otter.ExpiryWriting[string, jwtlib.MapClaims](ClaimsTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create jwt claims cache: %w", err)
	}
	return &Decoder{
		jwks:  jwksSource,
		cache: c,
		// Claims validation (exp/nbf/iss/aud) is deliberately disabled here:
		// the authenticator performs those checks itself against an
		// injectable clock, so tests can move time forward deterministically
		// instead of racing the wall clock.
		parser: jwtlib.NewParser(jwtlib.WithoutClaimsValidation()),
	}, nil
}

// Decode parses tokenString, resolves its issuer via resolveIssuer, fetches
// that issuer's JWKS, and tries each candidate key (matching the JWS
// header's algorithm and, if present, key id) until one verifies the
// signature. Returns the decoded claims on success, or a wrapped
// errs.ErrUnauthenticated on any failure.
func (d *Decoder) Decode(ctx context.Context, tokenString string, resolveIssuer IssuerResolver) (jwtlib.MapClaims, error) {
	if cached, ok := d.cache.GetIfPresent(tokenString); ok {
		return cached, nil
	}

	unverified, _, err := d.parser.ParseUnverified(tokenString, jwtlib.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: malformed token: %v", errs.ErrUnauthenticated, err)
	}
	claims, _ := unverified.Claims.(jwtlib.MapClaims)
	iss, _ := claims["iss"].(string)

	provider, ok := resolveIssuer(iss)
	if !ok {
		return nil, fmt.Errorf("%w: unknown issuer %q", errs.ErrUnauthenticated, iss)
	}

	set, err := d.jwks.Fetch(ctx, provider)
	if err != nil {
		return nil, err
	}

	alg := unverified.Method.Alg()
	kid, _ := unverified.Header["kid"].(string)
	candidates := set.ByID(kid)

	var lastErr error
	for _, k := range candidates {
		if k.Algorithm != "" && k.Algorithm != alg {
			continue
		}
		var keyMaterial any
		switch k.Type {
		case core.KeyRSA:
			keyMaterial = k.RSA
		case core.KeyEC:
			keyMaterial = k.EC
		}
		if keyMaterial == nil {
			continue
		}
		verified, err := jwtlib.ParseWithClaims(tokenString, jwtlib.MapClaims{}, func(*jwtlib.Token) (any, error) {
			return keyMaterial, nil
		}, jwtlib.WithValidMethods([]string{alg}), jwtlib.WithoutClaimsValidation())
		if err != nil || !verified.Valid {
			lastErr = err
			continue
		}
		result := verified.Claims.(jwtlib.MapClaims)
		d.cache.Set(tokenString, result)
		return result, nil
	}
	return nil, fmt.Errorf("%w: signature verification failed for issuer %q: %v", errs.ErrUnauthenticated, iss, lastErr)
}
