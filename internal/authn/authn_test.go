package authn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/errs"
	"github.com/eugener/sentinel/internal/jwt"
)

type fakeDecoder struct {
	claims jwtlib.MapClaims
	err    error
}

func (f fakeDecoder) Decode(context.Context, string, jwt.IssuerResolver) (jwtlib.MapClaims, error) {
	return f.claims, f.err
}

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

func TestNewRejectsDuplicateIssuer(t *testing.T) {
	t.Parallel()
	_, err := New([]core.AuthProvider{
		{Issuer: "https://i", ProviderID: "p1"},
		{Issuer: "https://i", ProviderID: "p2"},
	}, fakeDecoder{}, fakeClock{now: time.Now()})
	if err == nil {
		t.Fatal("expected configuration error for duplicate issuer")
	}
}

func validClaims(now time.Time, aud ...string) jwtlib.MapClaims {
	return jwtlib.MapClaims{
		"iss":   "https://i",
		"sub":   "u1",
		"aud":   aud,
		"email": "u@e",
		"exp":   jwtlib.NewNumericDate(now.Add(5 * time.Minute)),
		"nbf":   jwtlib.NewNumericDate(now.Add(-time.Minute)),
	}
}

func newReq(t *testing.T) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/v1/foo", nil)
	r.Header.Set("Authorization", "Bearer t")
	return r
}

func TestAuthenticateSucceedsWithServiceAudience(t *testing.T) {
	t.Parallel()
	now := time.Now()
	a, err := New([]core.AuthProvider{{Issuer: "https://i", ProviderID: "p1"}}, fakeDecoder{claims: validClaims(now, "svc-name")}, fakeClock{now: now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := a.Authenticate(t.Context(), newReq(t), core.Info{}, "svc-name")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if info.ID != "u1" || info.Issuer != "https://i" || info.Email != "u@e" {
		t.Fatalf("unexpected user info: %+v", info)
	}
}

func TestAuthenticateRejectsDisallowedAudience(t *testing.T) {
	t.Parallel()
	now := time.Now()
	a, err := New([]core.AuthProvider{{Issuer: "https://i", ProviderID: "p1"}}, fakeDecoder{claims: validClaims(now, "other")}, fakeClock{now: now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	authInfo := core.Info{HasAuth: true, AuthPolicy: core.AuthPolicy{
		"p1": {"svc-name": {}},
	}}
	_, err = a.Authenticate(t.Context(), newReq(t), authInfo, "svc-name")
	if err == nil {
		t.Fatal("expected audiences-not-allowed error")
	}
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	t.Parallel()
	a, err := New(nil, fakeDecoder{}, fakeClock{now: time.Now()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/v1/foo", nil)
	if _, err := a.Authenticate(t.Context(), r, core.Info{}, "svc"); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	t.Parallel()
	now := time.Now()
	claims := validClaims(now, "svc-name")
	claims["exp"] = jwtlib.NewNumericDate(now.Add(-time.Minute))
	a, err := New([]core.AuthProvider{{Issuer: "https://i", ProviderID: "p1"}}, fakeDecoder{claims: claims}, fakeClock{now: now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.Authenticate(t.Context(), newReq(t), core.Info{}, "svc-name")
	if err == nil {
		t.Fatal("expected expired-token error")
	}
}

func TestAuthenticateRejectsFutureNotBefore(t *testing.T) {
	t.Parallel()
	now := time.Now()
	claims := validClaims(now, "svc-name")
	claims["nbf"] = jwtlib.NewNumericDate(now.Add(time.Hour))
	a, err := New([]core.AuthProvider{{Issuer: "https://i", ProviderID: "p1"}}, fakeDecoder{claims: claims}, fakeClock{now: now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.Authenticate(t.Context(), newReq(t), core.Info{}, "svc-name")
	if err == nil {
		t.Fatal("expected not-yet-valid error")
	}
}

func TestAuthenticateRejectsUnknownIssuer(t *testing.T) {
	t.Parallel()
	now := time.Now()
	claims := validClaims(now, "svc-name")
	claims["iss"] = "https://other"
	a, err := New([]core.AuthProvider{{Issuer: "https://i", ProviderID: "p1"}}, fakeDecoder{claims: claims}, fakeClock{now: now})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.Authenticate(t.Context(), newReq(t), core.Info{}, "svc-name")
	if err == nil {
		t.Fatal("expected unknown-issuer error to surface even though decoder succeeded")
	}
	if !errors.Is(err, errs.ErrUnauthenticated) {
		t.Fatalf("error = %v, want wrapping ErrUnauthenticated", err)
	}
}
