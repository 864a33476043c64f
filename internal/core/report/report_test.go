package report

import (
	"testing"
	"time"

	"github.com/eugener/sentinel/internal/core"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time         { return f.now }
func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestHighImportanceOperationRejectsCaching(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a := New("svc", 100, time.Second, nil, clk, nil, 0)

	req := core.ReportRequest{OperationInfo: core.OperationInfo{
		ServiceName: "svc",
		Operations:  []core.Operation{{ConsumerID: "project:p1", Importance: core.High}},
	}}
	ok, err := a.Report(req)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if ok {
		t.Fatal("high-importance operation must reject caching")
	}
}

func TestServiceNameMismatchIsArgumentError(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a := New("svc", 100, time.Second, nil, clk, nil, 0)
	_, err := a.Report(core.ReportRequest{OperationInfo: core.OperationInfo{ServiceName: "other"}})
	if err == nil {
		t.Fatal("expected argument error on service name mismatch")
	}
}

// TestReportBatching implements scenario 4: 261 report requests each
// carrying 2 operations with identical fingerprints (the same two
// fingerprints repeat across every request), importance LOW, flushInterval
// 1ms. After advancing the clock 1ms, flush() returns exactly one Report
// request carrying 2 operations; a subsequent flush() returns 0.
func TestReportBatching(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a := New("svc", 10000, time.Millisecond, nil, clk, nil, 0)

	opA := core.Operation{ConsumerID: "project:a", OperationName: "read", Importance: core.Low, Start: clk.now, End: clk.now}
	opB := core.Operation{ConsumerID: "project:b", OperationName: "write", Importance: core.Low, Start: clk.now, End: clk.now}

	for i := 0; i < 261; i++ {
		req := core.ReportRequest{OperationInfo: core.OperationInfo{
			ServiceName: "svc",
			Operations:  []core.Operation{opA, opB},
		}}
		ok, err := a.Report(req)
		if err != nil {
			t.Fatalf("Report: %v", err)
		}
		if !ok {
			t.Fatal("expected Report to accept low-importance operations")
		}
	}

	clk.advance(time.Millisecond)
	reqs := a.Flush()
	if len(reqs) != 1 {
		t.Fatalf("Flush returned %d requests, want 1", len(reqs))
	}
	if len(reqs[0].Operations) != 2 {
		t.Fatalf("batch carries %d operations, want 2", len(reqs[0].Operations))
	}

	again := a.Flush()
	if len(again) != 0 {
		t.Fatalf("second Flush returned %d requests, want 0", len(again))
	}
}

func TestMaxBatchOperationsSplitsRequests(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: time.Now()}
	a := New("svc", 10000, time.Millisecond, nil, clk, nil, 2)

	for i := 0; i < 5; i++ {
		op := core.Operation{ConsumerID: "project:p", OperationName: opName(i), Importance: core.Low}
		req := core.ReportRequest{OperationInfo: core.OperationInfo{ServiceName: "svc", Operations: []core.Operation{op}}}
		if _, err := a.Report(req); err != nil {
			t.Fatalf("Report: %v", err)
		}
	}
	clk.advance(time.Millisecond)
	reqs := a.Flush()
	total := 0
	for _, r := range reqs {
		if len(r.Operations) > 2 {
			t.Errorf("batch carries %d operations, want <=2", len(r.Operations))
		}
		total += len(r.Operations)
	}
	if total != 5 {
		t.Fatalf("total operations flushed = %d, want 5", total)
	}
}

func opName(i int) string {
	names := []string{"a", "b", "c", "d", "e"}
	return names[i]
}
