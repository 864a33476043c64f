// Package authn orchestrates bearer-token extraction, decoding, claim
// validation, issuer-to-provider resolution, and audience acceptance,
// producing a core.UserInfo for the request: call an Authenticator,
// generalized from API-key lookup to JWT verification. Mapping its errors
// to HTTP status codes is done by the caller, not here.
package authn

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/errs"
	"github.com/eugener/sentinel/internal/jwt"
)

// Decoder decodes and verifies a bearer token, matching internal/jwt.Decoder.
type Decoder interface {
	Decode(ctx context.Context, tokenString string, resolveIssuer jwt.IssuerResolver) (jwtlib.MapClaims, error)
}

// Authenticator validates bearer JWTs against a fixed set of issuers.
type Authenticator struct {
	providers map[string]core.AuthProvider // issuer -> provider
	decoder   Decoder
	clock     core.Clock
}

// New builds an Authenticator from a provider list. Two providers sharing
// an issuer is a configuration error.
func New(providers []core.AuthProvider, decoder Decoder, clock core.Clock) (*Authenticator, error) {
	m := make(map[string]core.AuthProvider, len(providers))
	for _, p := range providers {
		if _, dup := m[p.Issuer]; dup {
			return nil, fmt.Errorf("%w: duplicate issuer %q in provider configuration", errs.ErrConfiguration, p.Issuer)
		}
		m[p.Issuer] = p
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Authenticator{providers: m, decoder: decoder, clock: clock}, nil
}

// Authenticate extracts and verifies the request's bearer token against
// authInfo's provider/audience policy for serviceName.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request, authInfo core.Info, serviceName string) (core.UserInfo, error) {
	token, err := extractToken(r)
	if err != nil {
		return core.UserInfo{}, err
	}

	claims, err := a.decoder.Decode(ctx, token, a.resolveIssuer)
	if err != nil {
		return core.UserInfo{}, err
	}

	sub, _ := claims["sub"].(string)
	iss, _ := claims["iss"].(string)
	audStrings, _ := claims.GetAudience()
	if len(audStrings) == 0 || sub == "" || iss == "" {
		return core.UserInfo{}, fmt.Errorf("%w: token missing required claim (aud/sub/iss)", errs.ErrUnauthenticated)
	}

	provider, ok := a.providers[iss]
	if !ok {
		return core.UserInfo{}, fmt.Errorf("%w: unknown issuer %q", errs.ErrUnauthenticated, iss)
	}
	if authInfo.HasAuth && !authInfo.AuthPolicy.Allows(provider.ProviderID) {
		return core.UserInfo{}, fmt.Errorf("%w: provider %q not permitted for this method", errs.ErrUnauthenticated, provider.ProviderID)
	}

	now := a.clock.Now()
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || !now.Before(exp.Time) {
		return core.UserInfo{}, fmt.Errorf("%w: token expired or missing exp claim", errs.ErrUnauthenticated)
	}
	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil && now.Before(nbf.Time) {
		return core.UserInfo{}, fmt.Errorf("%w: token not yet valid (nbf in the future)", errs.ErrUnauthenticated)
	}

	if !audienceAccepted(audStrings, serviceName, authInfo.AuthPolicy.AudiencesFor(provider.ProviderID)) {
		return core.UserInfo{}, fmt.Errorf("%w: audiences not allowed", errs.ErrUnauthenticated)
	}

	email, _ := claims["email"].(string)
	return core.UserInfo{Audiences: audStrings, Email: email, ID: sub, Issuer: iss}, nil
}

func (a *Authenticator) resolveIssuer(issuer string) (core.AuthProvider, bool) {
	p, ok := a.providers[issuer]
	return p, ok
}

// audienceAccepted reports whether aud contains serviceName or intersects
// allowed (the provider's configured audience set for this method).
func audienceAccepted(aud []string, serviceName string, allowed map[string]struct{}) bool {
	for _, a := range aud {
		if a == serviceName {
			return true
		}
		if _, ok := allowed[a]; ok {
			return true
		}
	}
	return false
}

// extractToken reads Authorization: Bearer <token> (exactly one space) or
// falls back to the access_token query parameter.
func extractToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", fmt.Errorf("%w: no auth token", errs.ErrUnauthenticated)
		}
		rest := h[len(prefix):]
		if rest == "" || strings.Contains(rest, " ") {
			return "", fmt.Errorf("%w: malformed Authorization header", errs.ErrUnauthenticated)
		}
		return rest, nil
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, nil
	}
	return "", fmt.Errorf("%w: no auth token", errs.ErrUnauthenticated)
}
