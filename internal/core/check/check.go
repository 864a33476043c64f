// Package check implements the Check aggregator: it suppresses duplicate
// Check requests and serves a cached admission decision while it remains
// fresh, coalescing request traffic so the host need not call the remote
// Service Control Check RPC on every incoming request.
package check

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

// Item is the cached per-fingerprint state: the last admission response,
// when it was last refreshed, the operations merged since the last flush,
// and the flushing flag guarding single-flight refresh.
type Item struct {
	Response           core.CheckResponse
	LastCheckTimestamp time.Time
	Pending            *operation.Builder
	Flushing           bool
}

// Aggregator is the Check engine for one Service.
type Aggregator struct {
	serviceName   string
	flushInterval time.Duration
	kinds         operation.KindTable
	clock         core.Clock
	logger        *slog.Logger
	cache         *aggcache.Cache[*Item]
}

// New builds a Check aggregator. responseExpiration is coerced to
// max(responseExpiration, flushInterval+1ms) per the aggregating cache
// contract. numEntries<=0 disables caching entirely.
func New(serviceName string, numEntries int, flushInterval, responseExpiration time.Duration, kinds operation.KindTable, clock core.Clock, logger *slog.Logger) *Aggregator {
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if responseExpiration < flushInterval+time.Millisecond {
		responseExpiration = flushInterval + time.Millisecond
	}
	return &Aggregator{
		serviceName:   serviceName,
		flushInterval: flushInterval,
		kinds:         kinds,
		clock:         clock,
		logger:        logger,
		cache:         aggcache.New[*Item](numEntries, responseExpiration, flushInterval, clock),
	}
}

// Check returns the cached response if one exists and is fresh; nil signals
// the caller must send the request upstream. Operations whose importance is
// not Low bypass the cache unconditionally.
func (a *Aggregator) Check(req core.CheckRequest) (*core.CheckResponse, error) {
	if req.ServiceName != a.serviceName {
		return nil, fmt.Errorf("%w: check request service %q does not match aggregator service %q", errs.ErrArgument, req.ServiceName, a.serviceName)
	}
	if len(req.Operations) == 0 {
		return nil, fmt.Errorf("%w: check request carries no operation", errs.ErrArgument)
	}
	op := req.Operations[0]
	if op.Importance != core.Low {
		return nil, nil
	}

	fp := signature.Check(a.serviceName, op)
	var result *core.CheckResponse

	a.cache.Mutate(fp, func(existing *Item, ok bool, now time.Time) (*Item, bool) {
		if !ok {
			item := &Item{Pending: operation.NewBuilder(a.kinds), LastCheckTimestamp: now, Flushing: true}
			if err := item.Pending.Add(op); err != nil {
				a.logger.Warn("check: failed to merge operation into new cache item", "error", err)
			}
			result = nil
			return item, true
		}

		current := now.Sub(existing.LastCheckTimestamp) < a.flushInterval

		if !existing.Response.Clean() {
			if current {
				resp := existing.Response
				result = &resp
				return existing, true
			}
			if existing.Flushing {
				a.logger.Warn("check: second stale refresh fired before first response returned", "fingerprint", fp)
			}
			existing.LastCheckTimestamp = now
			existing.Flushing = true
			result = nil
			return existing, true
		}

		if err := existing.Pending.Add(op); err != nil {
			a.logger.Warn("check: failed to merge operation into cache item", "error", err)
		}
		if current {
			resp := existing.Response
			result = &resp
			return existing, true
		}
		existing.Flushing = true
		existing.LastCheckTimestamp = now
		result = nil
		return existing, true
	})

	return result, nil
}

// AddResponse records or refreshes the cache entry for sign(req),
// stamping lastCheckTimestamp to now and clearing the flushing flag.
func (a *Aggregator) AddResponse(req core.CheckRequest, resp core.CheckResponse) error {
	if req.ServiceName != a.serviceName {
		return fmt.Errorf("%w: check response service %q does not match aggregator service %q", errs.ErrArgument, req.ServiceName, a.serviceName)
	}
	if len(req.Operations) == 0 {
		return fmt.Errorf("%w: check response carries no operation", errs.ErrArgument)
	}
	op := req.Operations[0]
	fp := signature.Check(a.serviceName, op)

	a.cache.Mutate(fp, func(existing *Item, ok bool, now time.Time) (*Item, bool) {
		if !ok {
			return &Item{
				Response:           resp,
				LastCheckTimestamp: now,
				Pending:            operation.NewBuilder(a.kinds),
				Flushing:           false,
			}, true
		}
		existing.Response = resp
		existing.LastCheckTimestamp = now
		existing.Flushing = false
		return existing, true
	})
	return nil
}

// Flush drains aggregated delta operations accumulated since the last flush
// into synthetic Check requests, one per fingerprint, for background
// refresh. This drains both cache-evicted items (which have no further
// chance to be flushed later) and still-live items with pending operations.
func (a *Aggregator) Flush() []core.CheckRequest {
	var reqs []core.CheckRequest

	for _, item := range a.cache.Flush() {
		if item.Pending != nil && !item.Pending.Empty() {
			reqs = append(reqs, core.CheckRequestFromOp(a.serviceName, item.Pending.Result()))
		}
	}

	var keys []string
	a.cache.Range(func(key string, item *Item) bool {
		if item.Pending != nil && !item.Pending.Empty() {
			keys = append(keys, key)
		}
		return true
	})
	for _, key := range keys {
		a.cache.Mutate(key, func(existing *Item, ok bool, now time.Time) (*Item, bool) {
			if !ok || existing.Pending == nil || existing.Pending.Empty() {
				return existing, ok
			}
			reqs = append(reqs, core.CheckRequestFromOp(a.serviceName, existing.Pending.Result()))
			existing.Pending = operation.NewBuilder(a.kinds)
			return existing, true
		})
	}
	return reqs
}

// FlushIntervalMillis returns -1 if caching is disabled, else the
// configured flush interval in milliseconds.
func (a *Aggregator) FlushIntervalMillis() int64 { return a.cache.FlushIntervalMillis() }

// Len reports the number of fingerprints currently cached, for operator
// introspection.
func (a *Aggregator) Len() int { return a.cache.Len() }
