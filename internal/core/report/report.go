// Package report implements the Report aggregator: it coalesces usage
// records (operations with their metrics and log entries) behind a
// fingerprint cache and periodically flushes them as batched Report
// requests, instead of sending one RPC per completed HTTP request.
package report

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/aggcache"
	"github.com/eugener/sentinel/internal/core/errs"
	"github.com/eugener/sentinel/internal/core/operation"
	"github.com/eugener/sentinel/internal/core/signature"
)

// DefaultMaxBatchOperations bounds how many merged operations accumulate
// into one outgoing Report request before Flush splits off another batch.
// Not specified by name upstream; chosen to keep individual RPC payloads
// bounded regardless of how many distinct fingerprints are tracked.
const DefaultMaxBatchOperations = 1000

// Aggregator is the Report engine for one Service.
type Aggregator struct {
	serviceName    string
	kinds          operation.KindTable
	clock          core.Clock
	logger         *slog.Logger
	cache          *aggcache.Cache[*operation.Builder]
	maxBatchOps    int
}

// New builds a Report aggregator. numEntries<=0 disables caching (every
// Report call then returns false, forcing the caller to send synchronously).
func New(serviceName string, numEntries int, flushInterval time.Duration, kinds operation.KindTable, clock core.Clock, logger *slog.Logger, maxBatchOperations int) *Aggregator {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxBatchOperations <= 0 {
		maxBatchOperations = DefaultMaxBatchOperations
	}
	return &Aggregator{
		serviceName: serviceName,
		kinds:       kinds,
		clock:       clock,
		logger:      logger,
		cache:       aggcache.New[*operation.Builder](numEntries, flushInterval, flushInterval, clock),
		maxBatchOps: maxBatchOperations,
	}
}

// Report merges req's operations into the cache under their fingerprints
// and returns true, unless any operation has importance != Low, in which
// case it rejects caching entirely and returns false (the caller must send
// the request synchronously instead).
func (a *Aggregator) Report(req core.ReportRequest) (bool, error) {
	if req.ServiceName != a.serviceName {
		return false, fmt.Errorf("%w: report request service %q does not match aggregator service %q", errs.ErrArgument, req.ServiceName, a.serviceName)
	}
	for _, op := range req.Operations {
		if op.Importance != core.Low {
			return false, nil
		}
	}
	for _, op := range req.Operations {
		fp := signature.Report(a.serviceName, op)
		a.cache.Mutate(fp, func(existing *operation.Builder, ok bool, _ time.Time) (*operation.Builder, bool) {
			b := existing
			if !ok || b == nil {
				b = operation.NewBuilder(a.kinds)
			}
			if err := b.Add(op); err != nil {
				a.logger.Warn("report: failed to merge operation into cache item", "error", err)
			}
			return b, true
		})
	}
	return true, nil
}

// Flush drains the eviction queue, groups pending aggregated operations
// into batches of at most maxBatchOperations, and returns one Report
// request per batch.
func (a *Aggregator) Flush() []core.ReportRequest {
	var ops []core.Operation

	for _, b := range a.cache.Flush() {
		if b != nil && !b.Empty() {
			ops = append(ops, b.Result())
		}
	}

	var keys []string
	a.cache.Range(func(key string, b *operation.Builder) bool {
		if b != nil && !b.Empty() {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		a.cache.Mutate(key, func(existing *operation.Builder, ok bool, _ time.Time) (*operation.Builder, bool) {
			if !ok || existing == nil || existing.Empty() {
				return existing, ok
			}
			ops = append(ops, existing.Result())
			return operation.NewBuilder(a.kinds), true
		})
	}

	if len(ops) == 0 {
		return nil
	}
	var reqs []core.ReportRequest
	for len(ops) > 0 {
		n := a.maxBatchOps
		if n > len(ops) {
			n = len(ops)
		}
		batch := ops[:n]
		ops = ops[n:]
		reqs = append(reqs, core.ReportRequest{
			OperationInfo: core.OperationInfo{ServiceName: a.serviceName, Operations: append([]core.Operation(nil), batch...)},
		})
	}
	return reqs
}

// Clear invalidates the cache and output queue, for use on shutdown.
func (a *Aggregator) Clear() { a.cache.Clear() }

// FlushIntervalMillis returns -1 when caching is disabled, else the
// configured interval.
func (a *Aggregator) FlushIntervalMillis() int64 { return a.cache.FlushIntervalMillis() }

// Len reports the number of fingerprints currently cached, for operator
// introspection.
func (a *Aggregator) Len() int { return a.cache.Len() }
