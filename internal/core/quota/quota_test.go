package quota

import (
	"testing"
	"time"

	"github.com/eugener/sentinel/internal/core"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func lowOp(consumer string) core.Operation {
	return core.Operation{ConsumerID: consumer, Importance: core.Low}
}

func TestNewRejectsRefreshGreaterThanExpiration(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	_, err := New("svc", 100, 10*time.Second, time.Second, nil, clk, nil)
	if err == nil {
		t.Fatal("expected configuration error when refresh >= expiration")
	}
}

func TestAllocateQuotaMissTriggersUpstream(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a, err := New("svc", 100, time.Millisecond, time.Second, nil, clk, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := a.AllocateQuota(core.QuotaRequest{OperationInfo: core.OperationInfo{ServiceName: "svc", Operations: []core.Operation{lowOp("project:p1")}}})
	if err != nil {
		t.Fatalf("AllocateQuota: %v", err)
	}
	if resp != nil {
		t.Fatal("expected nil on cache miss")
	}
}

func TestAllocateQuotaServesFreshResponse(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a, err := New("svc", 100, time.Second, 10*time.Second, nil, clk, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	op := lowOp("project:p1")
	req := core.QuotaRequest{OperationInfo: core.OperationInfo{ServiceName: "svc", Operations: []core.Operation{op}}}

	if err := a.CacheResponse(req, core.QuotaResponse{}); err != nil {
		t.Fatalf("CacheResponse: %v", err)
	}
	resp, err := a.AllocateQuota(req)
	if err != nil {
		t.Fatalf("AllocateQuota: %v", err)
	}
	if resp == nil {
		t.Fatal("expected cached response while fresh")
	}
}

func TestFlushReturnsBestEffortRequest(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a, err := New("svc", 100, time.Millisecond, 10*time.Millisecond, nil, clk, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	op := lowOp("project:p1")
	req := core.QuotaRequest{OperationInfo: core.OperationInfo{ServiceName: "svc", Operations: []core.Operation{op}}}
	if _, err := a.AllocateQuota(req); err != nil {
		t.Fatalf("AllocateQuota: %v", err)
	}
	reqs := a.Flush()
	if len(reqs) != 1 {
		t.Fatalf("Flush returned %d requests, want 1", len(reqs))
	}
	if reqs[0].Mode != core.BestEffort {
		t.Errorf("Mode = %v, want BestEffort", reqs[0].Mode)
	}
}
