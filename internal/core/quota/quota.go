// Package quota implements the Quota aggregator: it coalesces AllocateQuota
// requests, serving a cached allocation response while fresh and
// accumulating per-fingerprint metric costs for periodic background
// refresh, mirroring the Check aggregator's contract with a separate
// refresh/expiration split.
package quota

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

// Item is the cached per-fingerprint allocation state.
type Item struct {
	Response    core.QuotaResponse
	LastRefresh time.Time
	Pending     *operation.Builder
	Flushing    bool
}

// Aggregator is the Quota engine for one Service.
type Aggregator struct {
	serviceName   string
	refreshMillis time.Duration
	kinds         operation.KindTable
	clock         core.Clock
	logger        *slog.Logger
	cache         *aggcache.Cache[*Item]
}

// New builds a Quota aggregator. refreshMillis must be strictly less than
// expirationMillis -- a deployment where a refresh could never fire before
// the cached answer expires is a configuration error, not a silently
// degraded one.
func New(serviceName string, numEntries int, refreshMillis, expirationMillis time.Duration, kinds operation.KindTable, clock core.Clock, logger *slog.Logger) (*Aggregator, error) {
	if numEntries > 0 && refreshMillis >= expirationMillis {
		return nil, fmt.Errorf("%w: quota refresh interval (%s) must be less than expiration (%s)", errs.ErrConfiguration, refreshMillis, expirationMillis)
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		serviceName:   serviceName,
		refreshMillis: refreshMillis,
		kinds:         kinds,
		clock:         clock,
		logger:        logger,
		cache:         aggcache.New[*Item](numEntries, expirationMillis, refreshMillis, clock),
	}, nil
}

// AllocateQuota returns the cached response if one exists and is fresh; nil
// signals the caller must send the request upstream. Operations whose
// importance is not Low bypass the cache unconditionally.
func (a *Aggregator) AllocateQuota(req core.QuotaRequest) (*core.QuotaResponse, error) {
	if req.ServiceName != a.serviceName {
		return nil, fmt.Errorf("%w: quota request service %q does not match aggregator service %q", errs.ErrArgument, req.ServiceName, a.serviceName)
	}
	if len(req.Operations) == 0 {
		return nil, fmt.Errorf("%w: quota request carries no operation", errs.ErrArgument)
	}
	op := req.Operations[0]
	if op.Importance != core.Low {
		return nil, nil
	}

	fp := signature.Quota(a.serviceName, op)
	var result *core.QuotaResponse

	a.cache.Mutate(fp, func(existing *Item, ok bool, now time.Time) (*Item, bool) {
		if !ok {
			item := &Item{Pending: operation.NewBuilder(a.kinds), LastRefresh: now, Flushing: true}
			if err := item.Pending.Add(op); err != nil {
				a.logger.Warn("quota: failed to merge operation into new cache item", "error", err)
			}
			result = nil
			return item, true
		}

		current := now.Sub(existing.LastRefresh) < a.refreshMillis

		if !existing.Response.Clean() {
			if current {
				resp := existing.Response
				result = &resp
				return existing, true
			}
			if existing.Flushing {
				a.logger.Warn("quota: second stale refresh fired before first response returned", "fingerprint", fp)
			}
			existing.LastRefresh = now
			existing.Flushing = true
			result = nil
			return existing, true
		}

		if err := existing.Pending.Add(op); err != nil {
			a.logger.Warn("quota: failed to merge operation into cache item", "error", err)
		}
		if current {
			resp := existing.Response
			result = &resp
			return existing, true
		}
		existing.Flushing = true
		existing.LastRefresh = now
		result = nil
		return existing, true
	})

	return result, nil
}

// CacheResponse records or refreshes the cache entry for sign(req).
func (a *Aggregator) CacheResponse(req core.QuotaRequest, resp core.QuotaResponse) error {
	if req.ServiceName != a.serviceName {
		return fmt.Errorf("%w: quota response service %q does not match aggregator service %q", errs.ErrArgument, req.ServiceName, a.serviceName)
	}
	if len(req.Operations) == 0 {
		return fmt.Errorf("%w: quota response carries no operation", errs.ErrArgument)
	}
	op := req.Operations[0]
	fp := signature.Quota(a.serviceName, op)

	a.cache.Mutate(fp, func(existing *Item, ok bool, now time.Time) (*Item, bool) {
		if !ok {
			return &Item{
				Response:    resp,
				LastRefresh: now,
				Pending:     operation.NewBuilder(a.kinds),
				Flushing:    false,
			}, true
		}
		existing.Response = resp
		existing.LastRefresh = now
		existing.Flushing = false
		return existing, true
	})
	return nil
}

// Flush returns one AllocateQuota request per tracked fingerprint, carrying
// the summed costs observed since the last flush and QuotaMode=BestEffort.
func (a *Aggregator) Flush() []core.QuotaRequest {
	var reqs []core.QuotaRequest

	for _, item := range a.cache.Flush() {
		if item.Pending != nil && !item.Pending.Empty() {
			reqs = append(reqs, toQuotaRequest(a.serviceName, item.Pending.Result()))
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
			reqs = append(reqs, toQuotaRequest(a.serviceName, existing.Pending.Result()))
			existing.Pending = operation.NewBuilder(a.kinds)
			return existing, true
		})
	}
	return reqs
}

func toQuotaRequest(serviceName string, op core.Operation) core.QuotaRequest {
	return core.QuotaRequest{
		OperationInfo: core.OperationInfo{ServiceName: serviceName, Operations: []core.Operation{op}},
		Mode:          core.BestEffort,
	}
}

// FlushIntervalMillis returns -1 if caching is disabled, else the
// configured refresh interval in milliseconds.
func (a *Aggregator) FlushIntervalMillis() int64 { return a.cache.FlushIntervalMillis() }

// Len reports the number of fingerprints currently cached, for operator
// introspection.
func (a *Aggregator) Len() int { return a.cache.Len() }
