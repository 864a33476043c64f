package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/eugener/sentinel/internal/core"
)

type fakeQuotaAggregator struct {
	flushReqs    []core.QuotaRequest
	cacheResponse func(req core.QuotaRequest, resp core.QuotaResponse) error
	intervalMs   int64
}

func (f *fakeQuotaAggregator) Flush() []core.QuotaRequest {
	reqs := f.flushReqs
	f.flushReqs = nil
	return reqs
}

func (f *fakeQuotaAggregator) CacheResponse(req core.QuotaRequest, resp core.QuotaResponse) error {
	if f.cacheResponse != nil {
		return f.cacheResponse(req, resp)
	}
	return nil
}

func (f *fakeQuotaAggregator) FlushIntervalMillis() int64 { return f.intervalMs }

type fakeQuotaClient struct {
	resp core.QuotaResponse
	err  error
	got  []core.QuotaRequest
}

func (f *fakeQuotaClient) AllocateQuota(ctx context.Context, req core.QuotaRequest) (core.QuotaResponse, error) {
	f.got = append(f.got, req)
	return f.resp, f.err
}

func TestQuotaFlushWorkerRefreshesAndCaches(t *testing.T) {
	t.Parallel()

	op := core.Operation{OperationName: "op1"}
	req := core.QuotaRequest{OperationInfo: core.OperationInfo{ServiceName: "svc", Operations: []core.Operation{op}}}
	agg := &fakeQuotaAggregator{flushReqs: []core.QuotaRequest{req}}
	var cached int
	agg.cacheResponse = func(req core.QuotaRequest, resp core.QuotaResponse) error {
		cached++
		return nil
	}
	client := &fakeQuotaClient{}

	w := NewQuotaFlushWorker(agg, client, nil, nil)
	w.flushOnce(context.Background())

	if len(client.got) != 1 {
		t.Fatalf("client calls = %d, want 1", len(client.got))
	}
	if cached != 1 {
		t.Fatalf("cached = %d, want 1", cached)
	}
}

func TestQuotaFlushWorkerSkipsCacheOnError(t *testing.T) {
	t.Parallel()

	op := core.Operation{OperationName: "op1"}
	req := core.QuotaRequest{OperationInfo: core.OperationInfo{ServiceName: "svc", Operations: []core.Operation{op}}}
	agg := &fakeQuotaAggregator{flushReqs: []core.QuotaRequest{req}}
	called := false
	agg.cacheResponse = func(req core.QuotaRequest, resp core.QuotaResponse) error {
		called = true
		return nil
	}
	client := &fakeQuotaClient{err: errors.New("upstream down")}

	w := NewQuotaFlushWorker(agg, client, nil, nil)
	w.flushOnce(context.Background())

	if called {
		t.Error("CacheResponse should not be called after an upstream error")
	}
}
