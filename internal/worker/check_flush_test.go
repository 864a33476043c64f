package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eugener/sentinel/internal/core"
)

type fakeCheckAggregator struct {
	flushReqs   []core.CheckRequest
	addResponse func(req core.CheckRequest, resp core.CheckResponse) error
	intervalMs  int64
}

func (f *fakeCheckAggregator) Flush() []core.CheckRequest {
	reqs := f.flushReqs
	f.flushReqs = nil
	return reqs
}

func (f *fakeCheckAggregator) AddResponse(req core.CheckRequest, resp core.CheckResponse) error {
	if f.addResponse != nil {
		return f.addResponse(req, resp)
	}
	return nil
}

func (f *fakeCheckAggregator) FlushIntervalMillis() int64 { return f.intervalMs }

type fakeCheckClient struct {
	resp core.CheckResponse
	err  error
	got  []core.CheckRequest
}

func (f *fakeCheckClient) Check(ctx context.Context, req core.CheckRequest) (core.CheckResponse, error) {
	f.got = append(f.got, req)
	return f.resp, f.err
}

func TestCheckFlushWorkerRefreshesAndCaches(t *testing.T) {
	t.Parallel()

	op := core.Operation{OperationName: "op1"}
	agg := &fakeCheckAggregator{
		flushReqs: []core.CheckRequest{core.CheckRequestFromOp("svc", op)},
	}
	var cached []core.CheckResponse
	agg.addResponse = func(req core.CheckRequest, resp core.CheckResponse) error {
		cached = append(cached, resp)
		return nil
	}
	client := &fakeCheckClient{resp: core.CheckResponse{}}

	w := NewCheckFlushWorker(agg, client, nil, nil)
	w.flushOnce(context.Background())

	if len(client.got) != 1 {
		t.Fatalf("client calls = %d, want 1", len(client.got))
	}
	if len(cached) != 1 {
		t.Fatalf("cached responses = %d, want 1", len(cached))
	}
}

func TestCheckFlushWorkerLogsUpstreamErrorWithoutCaching(t *testing.T) {
	t.Parallel()

	op := core.Operation{OperationName: "op1"}
	agg := &fakeCheckAggregator{
		flushReqs: []core.CheckRequest{core.CheckRequestFromOp("svc", op)},
	}
	called := false
	agg.addResponse = func(req core.CheckRequest, resp core.CheckResponse) error {
		called = true
		return nil
	}
	client := &fakeCheckClient{err: errors.New("upstream down")}

	w := NewCheckFlushWorker(agg, client, nil, nil)
	w.flushOnce(context.Background())

	if called {
		t.Error("AddResponse should not be called after an upstream error")
	}
}

func TestCheckFlushWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	agg := &fakeCheckAggregator{intervalMs: 10}
	client := &fakeCheckClient{}
	w := NewCheckFlushWorker(agg, client, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestPollIntervalFloorsAtTick(t *testing.T) {
	t.Parallel()
	if got := pollInterval(-1); got != checkFlushPollInterval {
		t.Errorf("pollInterval(-1) = %v, want %v", got, checkFlushPollInterval)
	}
	if got := pollInterval(5000); got != 5*time.Second {
		t.Errorf("pollInterval(5000) = %v, want 5s", got)
	}
}
