package worker

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/storage"
)

// recordLedger writes one audit entry for a flushed batch. A nil ledger
// (no audit persistence configured) is a no-op: a best-effort persistence
// call that logs on failure rather than blocking or retrying the flush loop.
func recordLedger(ctx context.Context, ledger storage.Ledger, clock core.Clock, rpc, fingerprint, serviceName string, operations int, latency int64, callErr error) {
	if ledger == nil {
		return
	}
	entry := storage.LedgerEntry{
		ID:          uuid.Must(uuid.NewV7()).String(),
		RPC:         rpc,
		ServiceName: serviceName,
		Fingerprint: fingerprint,
		Operations:  operations,
		Success:     callErr == nil,
		LatencyMs:   latency,
		CreatedAt:   clock.Now().UnixMilli(),
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	if err := ledger.RecordBatch(ctx, []storage.LedgerEntry{entry}); err != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "ledger: failed to record flushed batch",
			slog.String("rpc", rpc),
			slog.String("error", err.Error()),
		)
	}
}
