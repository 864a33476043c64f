// Package operation implements the per-fingerprint operation aggregator:
// merging a sequence of Operations sharing a fingerprint into one Operation,
// combining time ranges, log entries, and metric values per metric kind.
package operation

import (
	"fmt"
	"time"

	"github.com/eugener/sentinel/internal/core"
	"github.com/eugener/sentinel/internal/core/distribution"
	"github.com/eugener/sentinel/internal/core/errs"
)

// KindTable is a closed lookup of metric name -> MetricKind, replacing a
// reflection-based enum-matching table with a small data map iterated once
// at startup. Metrics absent from the table default to Delta.
type KindTable map[string]core.MetricKind

func (t KindTable) kindOf(metricName string) core.MetricKind {
	if t == nil {
		return core.Delta
	}
	if k, ok := t[metricName]; ok {
		return k
	}
	return core.Delta
}

// Builder accumulates Operations sharing a single fingerprint into one
// merged Operation. Not safe for concurrent use; callers (aggcache /
// Check / Quota / Report) serialize access under their own locks.
type Builder struct {
	kinds   KindTable
	merged  core.Operation
	started bool
}

// NewBuilder returns an empty Builder using kinds to resolve per-metric
// merge policy (DELTA vs CUMULATIVE/GAUGE).
func NewBuilder(kinds KindTable) *Builder {
	return &Builder{kinds: kinds}
}

// Add merges op into the builder's running Operation.
func (b *Builder) Add(op core.Operation) error {
	op = op.Clone()
	if !b.started {
		b.merged = op
		if b.merged.MetricValueSets == nil {
			b.merged.MetricValueSets = map[string][]core.MetricValue{}
		}
		b.started = true
		return nil
	}

	if op.Start.Before(b.merged.Start) {
		b.merged.Start = op.Start
	}
	if op.End.After(b.merged.End) {
		b.merged.End = op.End
	}
	b.merged.LogEntries = append(b.merged.LogEntries, op.LogEntries...)

	for name, values := range op.MetricValueSets {
		kind := b.kinds.kindOf(name)
		for _, v := range values {
			if err := b.mergeValue(name, kind, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeValue merges a single incoming metric value into the builder's set
// for metricName, matching by (metric name, metric-value fingerprint)
// within the set -- in practice the fingerprint is the value's label set,
// so we find the first existing value with equal labels.
func (b *Builder) mergeValue(metricName string, kind core.MetricKind, v core.MetricValue) error {
	existing := b.merged.MetricValueSets[metricName]
	for i, cur := range existing {
		if !labelsEqual(cur.Labels, v.Labels) {
			continue
		}
		merged, err := mergeOne(cur, v, kind)
		if err != nil {
			return fmt.Errorf("metric %q: %w", metricName, err)
		}
		existing[i] = merged
		return nil
	}
	b.merged.MetricValueSets[metricName] = append(existing, v)
	return nil
}

func labelsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// mergeOne merges two metric values of the same fingerprint. For DELTA
// kind, values combine (add / distribution-merge / money-add / time-range
// union). For non-DELTA kinds, the value with the later end-time wins;
// ties break toward the later arrival (b, since it is the newer value).
func mergeOne(a, b core.MetricValue, kind core.MetricKind) (core.MetricValue, error) {
	if a.Kind != b.Kind {
		return core.MetricValue{}, fmt.Errorf("%w: cannot merge metric values of different variants (%v vs %v)", errs.ErrArgument, a.Kind, b.Kind)
	}

	if kind != core.Delta {
		if !b.End.Before(a.End) {
			return b, nil
		}
		return a, nil
	}

	out := a
	switch a.Kind {
	case core.ValueInt64:
		out.Int64Val = a.Int64Val + b.Int64Val
	case core.ValueDouble:
		out.DoubleVal = a.DoubleVal + b.DoubleVal
	case core.ValueDistribution:
		if a.Dist == nil {
			out.Dist = b.Dist
		} else if b.Dist == nil {
			out.Dist = a.Dist
		} else {
			merged, err := distribution.Merge(a.Dist, b.Dist)
			if err != nil {
				return core.MetricValue{}, err
			}
			out.Dist = merged
		}
	case core.ValueMoney:
		if a.MoneyVal.CurrencyCode != "" && b.MoneyVal.CurrencyCode != "" && a.MoneyVal.CurrencyCode != b.MoneyVal.CurrencyCode {
			return core.MetricValue{}, fmt.Errorf("%w: cannot add money values of different currencies (%s vs %s)", errs.ErrArgument, a.MoneyVal.CurrencyCode, b.MoneyVal.CurrencyCode)
		}
		out.MoneyVal = addMoney(a.MoneyVal, b.MoneyVal)
	case core.ValueBool, core.ValueString, core.ValueAbsent:
		// no natural "add"; DELTA merge for these degenerates to keeping
		// the later value, same as non-DELTA kinds.
		if !b.End.Before(a.End) {
			out = b
		}
	}

	out.Start, out.HasStart = unionStart(a, b)
	out.End, out.HasEnd = unionEnd(a, b)
	return out, nil
}

func addMoney(a, b core.Money) core.Money {
	code := a.CurrencyCode
	if code == "" {
		code = b.CurrencyCode
	}
	units := a.Units + b.Units
	nanos := a.Nanos + b.Nanos
	if nanos >= 1_000_000_000 {
		units++
		nanos -= 1_000_000_000
	} else if nanos <= -1_000_000_000 {
		units--
		nanos += 1_000_000_000
	}
	return core.Money{CurrencyCode: code, Units: units, Nanos: nanos}
}

func unionStart(a, b core.MetricValue) (time.Time, bool) {
	switch {
	case a.HasStart && b.HasStart:
		if a.Start.Before(b.Start) {
			return a.Start, true
		}
		return b.Start, true
	case a.HasStart:
		return a.Start, true
	case b.HasStart:
		return b.Start, true
	default:
		return time.Time{}, false
	}
}

func unionEnd(a, b core.MetricValue) (time.Time, bool) {
	switch {
	case a.HasEnd && b.HasEnd:
		if a.End.After(b.End) {
			return a.End, true
		}
		return b.End, true
	case a.HasEnd:
		return a.End, true
	case b.HasEnd:
		return b.End, true
	default:
		return time.Time{}, false
	}
}

// Result returns the merged Operation. Safe to call repeatedly; does not
// reset the builder.
func (b *Builder) Result() core.Operation { return b.merged }

// Empty reports whether any operation has been added yet.
func (b *Builder) Empty() bool { return !b.started }
