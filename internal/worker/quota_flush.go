package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/signature"
	"github.com/eugener/sentinel/internal/storage"
)

// QuotaClient is the remote collaborator QuotaFlushWorker drives.
type QuotaClient interface {
	AllocateQuota(ctx context.Context, req core.QuotaRequest) (core.QuotaResponse, error)
}

// QuotaAggregator is the subset of quota.Aggregator QuotaFlushWorker needs.
type QuotaAggregator interface {
	Flush() []core.QuotaRequest
	CacheResponse(req core.QuotaRequest, resp core.QuotaResponse) error
	FlushIntervalMillis() int64
}

// QuotaFlushWorker mirrors CheckFlushWorker for the AllocateQuota RPC:
// it periodically refreshes cached quota allocations in the background so
// the admission path only blocks on an upstream call for a cold or expired
// fingerprint.
type QuotaFlushWorker struct {
	aggregator QuotaAggregator
	client     QuotaClient
	ledger     storage.Ledger
	clock      core.Clock
}

// NewQuotaFlushWorker builds a QuotaFlushWorker. A nil ledger disables
// audit persistence; a nil clock uses core.RealClock.
func NewQuotaFlushWorker(aggregator QuotaAggregator, client QuotaClient, ledger storage.Ledger, clock core.Clock) *QuotaFlushWorker {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &QuotaFlushWorker{aggregator: aggregator, client: client, ledger: ledger, clock: clock}
}

// Name returns the worker identifier.
func (w *QuotaFlushWorker) Name() string { return "quota_flush" }

// Run drains and refreshes the Quota aggregator until ctx is cancelled.
func (w *QuotaFlushWorker) Run(ctx context.Context) error {
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

func (w *QuotaFlushWorker) flushOnce(ctx context.Context) {
	for _, req := range w.aggregator.Flush() {
		start := w.clock.Now()
		resp, err := w.client.AllocateQuota(ctx, req)
		latency := w.clock.Now().Sub(start).Milliseconds()

		var fp string
		if len(req.Operations) > 0 {
			fp = signature.Quota(req.ServiceName, req.Operations[0])
		}
		recordLedger(ctx, w.ledger, w.clock, "allocate_quota", fp, req.ServiceName, len(req.Operations), latency, err)

		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "quota flush: upstream call failed",
				slog.String("service", req.ServiceName),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := w.aggregator.CacheResponse(req, resp); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "quota flush: failed to cache refreshed response",
				slog.String("service", req.ServiceName),
				slog.String("error", err.Error()),
			)
		}
	}
}
