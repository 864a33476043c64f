package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/sentinel/internal"
	"github.com/eugener/sentinel/internal/core"
)

// handleAdmission is the sidecar's single admission path: resolve the
// method descriptor, authenticate, Check, AllocateQuota, proxy to the
// backend, then Report. Each aggregator stage either answers from cache or
// forces a synchronous upstream call, mirroring the refresh-or-fetch shape
// the background flush workers use for periodic resync.
func (s *server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	info := s.deps.Registry.Lookup(r.Method, r.URL.Path)
	if info == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("no method configured for this request"))
		return
	}

	ctx := r.Context()
	identity, err := s.deps.Auth.Authenticate(ctx, r, *info, s.deps.ServiceName)
	if err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	}
	ctx = gateway.ContextWithIdentity(ctx, &identity)
	r = r.WithContext(ctx)

	op := s.buildOperation(r, info, identity)

	if code, err := s.runCheck(ctx, op); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	} else if code != "" {
		writeJSON(w, core.HTTPStatus(code), errorResponse(string(code)))
		return
	}

	if code, err := s.runQuota(ctx, op); err != nil {
		writeJSON(w, errorStatus(err), errorResponse(err.Error()))
		return
	} else if code != "" {
		writeJSON(w, core.HTTPStatus(code), errorResponse(string(code)))
		return
	}

	status := s.proxyOrServeCached(w, r)

	op.End = s.deps.Clock.Now()
	op.Labels["response_code"] = statusLabel(status)
	s.runReport(ctx, op)
}

// proxyOrServeCached serves a cached GET response when one exists, or
// proxies to the backend and (for a 200 GET) stores the response body
// under the request's cache key. Non-GET requests are never cached --
// caching an operation with side effects on the backend would be unsound.
func (s *server) proxyOrServeCached(w http.ResponseWriter, r *http.Request) int {
	cacheable := s.deps.Cache != nil && r.Method == http.MethodGet
	var key string
	if cacheable {
		key = r.Method + " " + r.URL.RequestURI()
		if body, ok := s.deps.Cache.Get(r.Context(), key); ok {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return http.StatusOK
		}
	}

	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.status = http.StatusOK
	sw.wroteHeader = false

	if !cacheable {
		s.proxy.ServeHTTP(sw, r)
		status := sw.status
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
		return status
	}

	cw := &cachingWriter{statusWriter: sw}
	s.proxy.ServeHTTP(cw, r)
	status := sw.status
	sw.ResponseWriter = nil
	statusWriterPool.Put(sw)

	if status == http.StatusOK {
		s.deps.Cache.Set(r.Context(), key, cw.buf, s.cacheTTL())
	}
	return status
}

func (s *server) cacheTTL() time.Duration {
	if s.deps.CacheTTL > 0 {
		return s.deps.CacheTTL
	}
	return 30 * time.Second
}

// cachingWriter tees a proxied response body into an in-memory buffer
// alongside writing it through to the client, so a cache hit can replay it
// byte-for-byte on the next identical GET.
type cachingWriter struct {
	*statusWriter
	buf []byte
}

func (cw *cachingWriter) Write(b []byte) (int, error) {
	cw.buf = append(cw.buf, b...)
	return cw.statusWriter.Write(b)
}

// buildOperation derives the Check/Quota/Report operation for an admitted
// request. OperationID is a fresh UUID v7 per request; ConsumerID prefers
// the authenticated subject, falling back to empty (anonymous aggregation)
// when the method carries no auth policy.
func (s *server) buildOperation(r *http.Request, info *core.Info, identity core.UserInfo) core.Operation {
	consumer := ""
	if identity.ID != "" {
		consumer = "user:" + identity.ID
	}
	return core.Operation{
		OperationID:   uuid.Must(uuid.NewV7()).String(),
		OperationName: info.Selector,
		ConsumerID:    consumer,
		Start:         s.deps.Clock.Now(),
		Importance:    core.Low,
		Labels: map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
		},
	}
}

// runCheck asks the Check aggregator for an admission decision, falling
// back to a synchronous remote call on a cache miss. It returns a non-empty
// ErrorCode when the caller must be rejected, never both an error and a
// code.
func (s *server) runCheck(ctx context.Context, op core.Operation) (core.ErrorCode, error) {
	if s.deps.Checker == nil {
		return "", nil
	}
	req := core.CheckRequestFromOp(s.deps.ServiceName, op)
	resp, err := s.deps.Checker.Check(req)
	if err != nil {
		return "", err
	}
	if resp == nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.WithLabelValues("check").Inc()
		}
		live, callErr := s.callUpstreamCheck(ctx, req)
		if callErr != nil {
			return "", callErr
		}
		resp = &live
	} else if s.deps.Metrics != nil {
		s.deps.Metrics.CacheHits.WithLabelValues("check").Inc()
	}
	if !resp.Clean() {
		return resp.Errors[0].Code, nil
	}
	return "", nil
}

func (s *server) callUpstreamCheck(ctx context.Context, req core.CheckRequest) (core.CheckResponse, error) {
	start := s.deps.Clock.Now()
	resp, err := s.deps.Client.Check(ctx, req)
	s.observeUpstream("check", start, err)
	if err != nil {
		return core.CheckResponse{}, err
	}
	if addErr := s.deps.Checker.AddResponse(req, resp); addErr != nil {
		slog.Warn("check: failed to cache synchronous response", "error", addErr)
	}
	return resp, nil
}

// runQuota mirrors runCheck for the AllocateQuota RPC.
func (s *server) runQuota(ctx context.Context, op core.Operation) (core.ErrorCode, error) {
	if s.deps.Quotaer == nil {
		return "", nil
	}
	req := core.QuotaRequest{OperationInfo: core.OperationInfo{ServiceName: s.deps.ServiceName, Operations: []core.Operation{op}}}
	resp, err := s.deps.Quotaer.AllocateQuota(req)
	if err != nil {
		return "", err
	}
	if resp == nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.CacheMisses.WithLabelValues("quota").Inc()
		}
		live, callErr := s.callUpstreamQuota(ctx, req)
		if callErr != nil {
			return "", callErr
		}
		resp = &live
	} else if s.deps.Metrics != nil {
		s.deps.Metrics.CacheHits.WithLabelValues("quota").Inc()
	}
	if !resp.Clean() {
		return resp.Errors[0].Code, nil
	}
	return "", nil
}

func (s *server) callUpstreamQuota(ctx context.Context, req core.QuotaRequest) (core.QuotaResponse, error) {
	start := s.deps.Clock.Now()
	resp, err := s.deps.Client.AllocateQuota(ctx, req)
	s.observeUpstream("allocate_quota", start, err)
	if err != nil {
		return core.QuotaResponse{}, err
	}
	if cacheErr := s.deps.Quotaer.CacheResponse(req, resp); cacheErr != nil {
		slog.Warn("quota: failed to cache synchronous response", "error", cacheErr)
	}
	return resp, nil
}

// runReport records the completed request. Per the fire-and-forget Report
// contract, upstream failures are logged only -- the caller already has
// its response.
func (s *server) runReport(ctx context.Context, op core.Operation) {
	if s.deps.Reporter == nil {
		return
	}
	req := core.ReportRequest{OperationInfo: core.OperationInfo{ServiceName: s.deps.ServiceName, Operations: []core.Operation{op}}}
	cached, err := s.deps.Reporter.Report(req)
	if err != nil {
		slog.Warn("report: failed to merge operation into aggregator", "error", err)
		return
	}
	if cached {
		return
	}
	start := s.deps.Clock.Now()
	_, callErr := s.deps.Client.Report(ctx, req)
	s.observeUpstream("report", start, callErr)
	if callErr != nil {
		slog.Warn("report: synchronous upstream call failed", "error", callErr)
	}
}

func (s *server) observeUpstream(rpc string, start time.Time, err error) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.UpstreamDuration.WithLabelValues(rpc).Observe(s.deps.Clock.Now().Sub(start).Seconds())
	if err != nil {
		s.deps.Metrics.UpstreamErrors.WithLabelValues(rpc).Inc()
	}
}

func statusLabel(status int) string {
	if status >= 200 && status < 300 {
		return "ok"
	}
	return "error"
}
