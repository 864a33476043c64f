// Package remoteclient models the three out-of-scope remote RPCs
// (Check, AllocateQuota, Report) as a Go interface and provides an
// HTTP-based default implementation. Each RPC is decorated with its own
// circuit breaker so a struggling Report endpoint cannot add latency to
// the Check admission path. A priority-failover loop over multiple targets
// degenerates to a single target here, since a sidecar talks to one
// configured Service Control endpoint; what's kept is the
// breaker-gate-then-call-then-record shape.
package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eugener/sentinel/internal/circuitbreaker"
	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/errs"
)

// Breaker keys, one per RPC so a Report outage never trips Check/Quota.
const (
	breakerCheck  = "check"
	breakerQuota  = "quota"
	breakerReport = "report"
)

// ServiceControlClient is the out-of-scope remote collaborator: a thin,
// three-method boundary around the Check/AllocateQuota/Report RPCs.
type ServiceControlClient interface {
	Check(ctx context.Context, req core.CheckRequest) (core.CheckResponse, error)
	AllocateQuota(ctx context.Context, req core.QuotaRequest) (core.QuotaResponse, error)
	Report(ctx context.Context, req core.ReportRequest) (core.ReportResponse, error)
}

// Endpoints holds the per-RPC URLs of the remote Service Control API.
type Endpoints struct {
	Check         string
	AllocateQuota string
	Report        string
}

// HTTPClient is the default ServiceControlClient: it POSTs a JSON body to
// the configured per-RPC URL using httpClient (expected to carry an
// internal/cloudauth transport for outbound credentials), gated by a
// circuit breaker per RPC.
type HTTPClient struct {
	endpoints  Endpoints
	httpClient *http.Client
	breakers   *circuitbreaker.Registry
}

// New builds an HTTPClient. A nil breakers registry disables circuit
// breaking entirely (every call is attempted).
func New(endpoints Endpoints, httpClient *http.Client, breakers *circuitbreaker.Registry) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{endpoints: endpoints, httpClient: httpClient, breakers: breakers}
}

func (c *HTTPClient) allow(key string) error {
	if c.breakers == nil {
		return nil
	}
	if cb := c.breakers.Get(key); cb != nil && !cb.Allow() {
		return fmt.Errorf("%w: circuit breaker open for %s", errs.ErrUpstream, key)
	}
	return nil
}

func (c *HTTPClient) record(key string, err error) {
	if c.breakers == nil {
		return
	}
	if err != nil {
		if weight := circuitbreaker.ClassifyError(err); weight > 0 {
			c.breakers.GetOrCreate(key).RecordError(weight)
		}
		return
	}
	c.breakers.GetOrCreate(key).RecordSuccess()
}

// Check calls the remote Check RPC.
func (c *HTTPClient) Check(ctx context.Context, req core.CheckRequest) (core.CheckResponse, error) {
	if err := c.allow(breakerCheck); err != nil {
		return core.CheckResponse{}, err
	}
	var resp core.CheckResponse
	err := c.call(ctx, c.endpoints.Check, req, &resp)
	c.record(breakerCheck, err)
	if err != nil {
		return core.CheckResponse{}, err
	}
	return resp, nil
}

// AllocateQuota calls the remote AllocateQuota RPC.
func (c *HTTPClient) AllocateQuota(ctx context.Context, req core.QuotaRequest) (core.QuotaResponse, error) {
	if err := c.allow(breakerQuota); err != nil {
		return core.QuotaResponse{}, err
	}
	var resp core.QuotaResponse
	err := c.call(ctx, c.endpoints.AllocateQuota, req, &resp)
	c.record(breakerQuota, err)
	if err != nil {
		return core.QuotaResponse{}, err
	}
	return resp, nil
}

// Report calls the remote Report RPC. Report is fire-and-forget: callers
// are expected to log a Report failure rather than surface it to whatever
// originally triggered the flush.
func (c *HTTPClient) Report(ctx context.Context, req core.ReportRequest) (core.ReportResponse, error) {
	if err := c.allow(breakerReport); err != nil {
		return core.ReportResponse{}, err
	}
	var resp core.ReportResponse
	err := c.call(ctx, c.endpoints.Report, req, &resp)
	c.record(breakerReport, err)
	if err != nil {
		return core.ReportResponse{}, err
	}
	return resp, nil
}

func (c *HTTPClient) call(ctx context.Context, url string, reqBody, respBody any) error {
	if url == "" {
		return fmt.Errorf("%w: no endpoint configured for this RPC", errs.ErrConfiguration)
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", errs.ErrArgument, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errs.ErrUpstream, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrUpstream, err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", errs.ErrUpstream, err)
	}
	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode, body: string(respData)}
	}
	if len(respData) == 0 {
		return nil
	}
	if err := json.Unmarshal(respData, respBody); err != nil {
		return fmt.Errorf("%w: decode response: %v", errs.ErrUpstream, err)
	}
	return nil
}

// httpStatusError carries the upstream HTTP status so
// internal/circuitbreaker.ClassifyError can weight 4xx/5xx differently.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", errs.ErrUpstream, e.status, e.body)
}

func (e *httpStatusError) Unwrap() error { return errs.ErrUpstream }

func (e *httpStatusError) HTTPStatus() int { return e.status }
