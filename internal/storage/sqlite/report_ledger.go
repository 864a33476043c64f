package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/eugener/sentinel/internal/storage"
)

// RecordBatch batch-inserts ledger entries for flushed Check/AllocateQuota/
// Report calls. A single multi-row INSERT avoids N round-trips for a
// worker flush batch.
func (s *Store) RecordBatch(ctx context.Context, entries []storage.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const cols = 9
	placeholders := make([]string, len(entries))
	args := make([]any, 0, len(entries)*cols)

	for i, e := range entries {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			e.ID, e.RPC, e.ServiceName, e.Fingerprint, e.Operations,
			boolToInt(e.Success), e.Error, e.LatencyMs, e.CreatedAt,
		)
	}

	query := `INSERT INTO ledger_entries
		(id, rpc, service_name, fingerprint, operations, success, error, latency_ms, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// RecentBatches returns the most recent ledger entries for rpc (or all RPCs
// if rpc is empty), newest first.
func (s *Store) RecentBatches(ctx context.Context, rpc string, limit int) ([]storage.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if rpc == "" {
		rows, err = s.read.QueryContext(ctx,
			`SELECT id, rpc, service_name, fingerprint, operations, success, error, latency_ms, created_at
			 FROM ledger_entries ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.read.QueryContext(ctx,
			`SELECT id, rpc, service_name, fingerprint, operations, success, error, latency_ms, created_at
			 FROM ledger_entries WHERE rpc = ? ORDER BY created_at DESC LIMIT ?`, rpc, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.LedgerEntry
	for rows.Next() {
		var e storage.LedgerEntry
		var success int
		if err := rows.Scan(&e.ID, &e.RPC, &e.ServiceName, &e.Fingerprint, &e.Operations,
			&success, &e.Error, &e.LatencyMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
