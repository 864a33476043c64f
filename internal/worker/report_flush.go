package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/signature"
	"github.com/eugener/sentinel/internal/storage"
)

// ReportClient is the remote collaborator ReportFlushWorker drives.
type ReportClient interface {
	Report(ctx context.Context, req core.ReportRequest) (core.ReportResponse, error)
}

// ReportAggregator is the subset of report.Aggregator ReportFlushWorker needs.
type ReportAggregator interface {
	Flush() []core.ReportRequest
	FlushIntervalMillis() int64
}

// ReportFlushWorker periodically drains the Report aggregator and sends
// each batch to the remote Report RPC. Report failures are logged and
// recorded to the audit ledger, never retried or surfaced to whatever
// request originally triggered the aggregation -- by the time a batch
// reaches here, its originating request has already completed.
type ReportFlushWorker struct {
	aggregator ReportAggregator
	client     ReportClient
	ledger     storage.Ledger
	clock      core.Clock
}

// NewReportFlushWorker builds a ReportFlushWorker.
func NewReportFlushWorker(aggregator ReportAggregator, client ReportClient, ledger storage.Ledger, clock core.Clock) *ReportFlushWorker {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &ReportFlushWorker{aggregator: aggregator, client: client, ledger: ledger, clock: clock}
}

// Name returns the worker identifier.
func (w *ReportFlushWorker) Name() string { return "report_flush" }

// Run drains and sends the Report aggregator until ctx is cancelled.
func (w *ReportFlushWorker) Run(ctx context.Context) error {
	interval := pollInterval(w.aggregator.FlushIntervalMillis())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flushOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *ReportFlushWorker) flushOnce(ctx context.Context) {
	for _, req := range w.aggregator.Flush() {
		start := w.clock.Now()
		_, err := w.client.Report(ctx, req)
		latency := w.clock.Now().Sub(start).Milliseconds()

		var fp string
		if len(req.Operations) > 0 {
			fp = signature.Report(req.ServiceName, req.Operations[0])
		}
		recordLedger(ctx, w.ledger, w.clock, "report", fp, req.ServiceName, len(req.Operations), latency, err)

		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "report flush: upstream call failed",
				slog.String("service", req.ServiceName),
				slog.Int("operations", len(req.Operations)),
				slog.String("error", err.Error()),
			)
		}
	}
}
