package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/signature"
	"github.com/eugener/sentinel/internal/storage"
)

const checkFlushPollInterval = time.Second

// CheckClient is the remote collaborator CheckFlushWorker drives.
type CheckClient interface {
	Check(ctx context.Context, req core.CheckRequest) (core.CheckResponse, error)
}

// CheckAggregator is the subset of check.Aggregator CheckFlushWorker needs.
type CheckAggregator interface {
	Flush() []core.CheckRequest
	AddResponse(req core.CheckRequest, resp core.CheckResponse) error
	FlushIntervalMillis() int64
}

// CheckFlushWorker periodically drains the Check aggregator's stale and
// evicted entries and refreshes each against the remote Check RPC, keeping
// cached admission decisions current without the request path ever waiting
// on an upstream call itself: a ticker-driven periodic resync loop,
// draining a flush queue whose cadence is set by the aggregator it serves.
type CheckFlushWorker struct {
	aggregator CheckAggregator
	client     CheckClient
	ledger     storage.Ledger // nil = no audit persistence
	clock      core.Clock
}

// NewCheckFlushWorker builds a CheckFlushWorker. A nil ledger disables
// audit persistence; a nil clock uses core.RealClock.
func NewCheckFlushWorker(aggregator CheckAggregator, client CheckClient, ledger storage.Ledger, clock core.Clock) *CheckFlushWorker {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &CheckFlushWorker{aggregator: aggregator, client: client, ledger: ledger, clock: clock}
}

// Name returns the worker identifier.
func (w *CheckFlushWorker) Name() string { return "check_flush" }

// Run drains and refreshes the Check aggregator until ctx is cancelled.
func (w *CheckFlushWorker) Run(ctx context.Context) error {
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

func (w *CheckFlushWorker) flushOnce(ctx context.Context) {
	for _, req := range w.aggregator.Flush() {
		start := w.clock.Now()
		resp, err := w.client.Check(ctx, req)
		latency := w.clock.Now().Sub(start).Milliseconds()

		var fp string
		if len(req.Operations) > 0 {
			fp = signature.Check(req.ServiceName, req.Operations[0])
		}
		recordLedger(ctx, w.ledger, w.clock, "check", fp, req.ServiceName, len(req.Operations), latency, err)

		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "check flush: upstream call failed",
				slog.String("service", req.ServiceName),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := w.aggregator.AddResponse(req, resp); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "check flush: failed to cache refreshed response",
				slog.String("service", req.ServiceName),
				slog.String("error", err.Error()),
			)
		}
	}
}

// pollInterval derives a flush-loop tick from an aggregator's configured
// interval in milliseconds. A disabled aggregator (-1) or a sub-tick
// interval still polls at checkFlushPollInterval so Flush() is never
// starved entirely.
func pollInterval(configuredMillis int64) time.Duration {
	if configuredMillis <= 0 {
		return checkFlushPollInterval
	}
	d := time.Duration(configuredMillis) * time.Millisecond
	if d < checkFlushPollInterval {
		return checkFlushPollInterval
	}
	return d
}
