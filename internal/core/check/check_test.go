package check

import (
	"sync"
	"testing"
	"time"

	"github.com/eugener/sentinel/internal/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func lowOp(consumer string) core.Operation {
	return core.Operation{
		ConsumerID: consumer,
		Importance: core.Low,
		Start:      time.Now(),
		End:        time.Now(),
	}
}

func TestCheckMissTriggersUpstream(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a := New("svc", 100, 100*time.Millisecond, 0, nil, clk, nil)

	resp, err := a.Check(core.CheckRequestFromOp("svc", lowOp("project:p1")))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp != nil {
		t.Fatalf("expected nil (cache miss -> must query upstream), got %+v", resp)
	}
}

func TestHighImportanceBypassesCache(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a := New("svc", 100, 100*time.Millisecond, 0, nil, clk, nil)
	op := lowOp("project:p1")
	op.Importance = core.High

	if err := a.AddResponse(core.CheckRequestFromOp("svc", op), core.CheckResponse{}); err != nil {
		t.Fatalf("AddResponse: %v", err)
	}
	resp, err := a.Check(core.CheckRequestFromOp("svc", op))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp != nil {
		t.Fatal("high importance must always bypass cache and return nil")
	}
}

func TestServiceNameMismatchIsArgumentError(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a := New("svc", 100, 100*time.Millisecond, 0, nil, clk, nil)
	_, err := a.Check(core.CheckRequestFromOp("other-svc", lowOp("project:p1")))
	if err == nil {
		t.Fatal("expected argument error on service name mismatch")
	}
}

func TestCheckServesFreshCachedResponse(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a := New("svc", 100, 100*time.Millisecond, 0, nil, clk, nil)
	op := lowOp("project:p1")
	req := core.CheckRequestFromOp("svc", op)

	if err := a.AddResponse(req, core.CheckResponse{}); err != nil {
		t.Fatalf("AddResponse: %v", err)
	}
	resp, err := a.Check(req)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp == nil {
		t.Fatal("expected cached response to be served while fresh")
	}
}

// TestCheckSingleFlight implements scenario 5: seed a clean response whose
// lastCheckTimestamp is older than flushInterval, issue 100 concurrent
// checks with identical signature; exactly 1 returns nil (refresh) and 99
// return the cached response.
func TestCheckSingleFlight(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	flushInterval := 10 * time.Millisecond
	a := New("svc", 100, flushInterval, time.Second, nil, clk, nil)
	op := lowOp("project:p1")
	req := core.CheckRequestFromOp("svc", op)

	if err := a.AddResponse(req, core.CheckResponse{}); err != nil {
		t.Fatalf("AddResponse: %v", err)
	}
	clk.advance(2 * flushInterval) // now stale

	const n = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	nilCount, respCount := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := a.Check(req)
			if err != nil {
				t.Errorf("Check: %v", err)
				return
			}
			mu.Lock()
			if resp == nil {
				nilCount++
			} else {
				respCount++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if nilCount != 1 {
		t.Errorf("nilCount = %d, want 1", nilCount)
	}
	if respCount != n-1 {
		t.Errorf("respCount = %d, want %d", respCount, n-1)
	}
}

func TestStaleErrorServedUntilAddResponse(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	flushInterval := 10 * time.Millisecond
	a := New("svc", 100, flushInterval, time.Second, nil, clk, nil)
	op := lowOp("project:p1")
	req := core.CheckRequestFromOp("svc", op)

	errResp := core.CheckResponse{Errors: []core.CheckError{{Code: core.ErrResourceExhausted}}}
	if err := a.AddResponse(req, errResp); err != nil {
		t.Fatalf("AddResponse: %v", err)
	}
	clk.advance(2 * flushInterval)

	resp, err := a.Check(req)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp != nil {
		t.Fatal("first stale-error check should return nil, signalling refresh")
	}

	// concurrent caller before AddResponse arrives should see the stale error
	resp2, err := a.Check(req)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp2 == nil || len(resp2.Errors) == 0 {
		t.Fatal("second concurrent caller should still see the stale error response")
	}
}

func TestFlushDrainsPendingOperations(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a := New("svc", 100, time.Millisecond, 0, nil, clk, nil)
	op := lowOp("project:p1")
	req := core.CheckRequestFromOp("svc", op)

	if _, err := a.Check(req); err != nil {
		t.Fatalf("Check: %v", err)
	}
	reqs := a.Flush()
	if len(reqs) != 1 {
		t.Fatalf("Flush returned %d requests, want 1", len(reqs))
	}
}
