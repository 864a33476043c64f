// Package server implements the HTTP transport layer for the sentinel
// sidecar: the admission path (method lookup, authenticate, Check,
// AllocateQuota, reverse-proxy, Report) plus health/ready/metrics/debug
// endpoints.
package server

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/cache"
	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/check"
	"github.com/eugener/sentinel/internal/core/quota"
	"github.com/eugener/sentinel/internal/core/report"
	"github.com/eugener/sentinel/internal/methodregistry"
	"github.com/eugener/sentinel/internal/remoteclient"
	"github.com/eugener/sentinel/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth        gateway.Authenticator
	Registry    *methodregistry.Registry // compiled HTTP rules for the managed service
	ServiceName string
	Backend     *url.URL // upstream the admitted request is proxied to

	Client   remoteclient.ServiceControlClient
	Checker  *check.Aggregator
	Quotaer  *quota.Aggregator
	Reporter *report.Aggregator

	Cache    cache.Cache   // nil = no downstream response caching
	CacheTTL time.Duration // 0 = 30s default

	Clock core.Clock // nil = core.RealClock{}

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.Clock == nil {
		deps.Clock = core.RealClock{}
	}
	s := &server{deps: deps, proxy: newReverseProxy(deps.Backend)}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/debug/aggregators", s.handleDebugAggregators)

	// Every other path is a candidate admission request: the method
	// registry (not chi's router) decides whether it maps to a managed
	// operation, since the template set is data-driven per Service.
	r.HandleFunc("/*", s.handleAdmission)

	return r
}

// newReverseProxy builds a reverse proxy to backend. A nil backend yields a
// proxy that always answers 502, useful for tests that never expect a
// request to reach the admission stage's proxy step.
func newReverseProxy(backend *url.URL) *httputil.ReverseProxy {
	if backend == nil {
		return &httputil.ReverseProxy{
			Director: func(r *http.Request) {},
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				w.WriteHeader(http.StatusBadGateway)
			},
		}
	}
	return httputil.NewSingleHostReverseProxy(backend)
}

type server struct {
	deps  Deps
	proxy *httputil.ReverseProxy
}
