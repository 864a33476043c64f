// Package signature computes stable content fingerprints for operations and
// requests, used by the Check, Quota, and Report aggregators to group
// traffic that may be merged or served from the same cache entry.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sort"

	"github.com/eugener/sentinel/internal/core"
)

// writeString hashes a string preceded by a NUL separator, so that
// ("a","b") and ("ab","") never collide.
func writeString(h hash.Hash, s string) {
	h.Write([]byte{0})
	h.Write([]byte(s))
}

func writeLabels(h hash.Hash, labels map[string]string) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeString(h, k)
		writeString(h, labels[k])
	}
}

// writeMetricValue hashes a metric value's labels and, for Money values,
// its currency code. Numeric amounts are deliberately NOT hashed, so that
// requests differing only in amount collide and can be aggregated.
func writeMetricValue(h hash.Hash, mv core.MetricValue) {
	writeLabels(h, mv.Labels)
	if mv.Kind == core.ValueMoney {
		writeString(h, mv.MoneyVal.CurrencyCode)
	}
}

// Operation computes a stable fingerprint for a single operation: consumer
// id, operation name, labels, and for each metric value set, the metric
// name plus each value's labels/currency.
func Operation(serviceName, consumerID, operationName string, labels map[string]string, metricValueSets map[string][]core.MetricValue) string {
	h := sha256.New()
	writeString(h, serviceName)
	writeString(h, consumerID)
	writeString(h, operationName)
	writeLabels(h, labels)

	names := make([]string, 0, len(metricValueSets))
	for name := range metricValueSets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeString(h, name)
		for _, mv := range metricValueSets[name] {
			writeMetricValue(h, mv)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Check computes the fingerprint for a Check request: derived from the
// first operation's fields (Check requests carry a single operation).
func Check(serviceName string, op core.Operation) string {
	return Operation(serviceName, op.ConsumerID, op.OperationName, op.Labels, op.MetricValueSets)
}

// Quota computes the fingerprint for a Quota request. It must be
// independent of metric ordering (guaranteed by sorting inside Operation)
// and must not depend on each metric value's int64 cost -- costs aggregate
// inside the cached item rather than participating in identity, so this
// simply reuses the same field set as Check/Operation (which never hashes
// numeric amounts).
func Quota(serviceName string, op core.Operation) string {
	return Operation(serviceName, op.ConsumerID, op.OperationName, op.Labels, op.MetricValueSets)
}

// Report computes the fingerprint for a Report operation; identical
// derivation to Check since both key off the operation's identity fields.
func Report(serviceName string, op core.Operation) string {
	return Operation(serviceName, op.ConsumerID, op.OperationName, op.Labels, op.MetricValueSets)
}
