package server

import "net/http"

// aggregatorStat is one aggregator's introspection snapshot.
type aggregatorStat struct {
	Name               string `json:"name"`
	Entries            int    `json:"entries"`
	FlushIntervalMs    int64  `json:"flush_interval_ms"`
}

// handleDebugAggregators reports the live fingerprint count and configured
// flush interval for each aggregator, for operators diagnosing cache
// behavior without a metrics scrape.
func (s *server) handleDebugAggregators(w http.ResponseWriter, r *http.Request) {
	var stats []aggregatorStat
	if c := s.deps.Checker; c != nil {
		stats = append(stats, aggregatorStat{Name: "check", Entries: c.Len(), FlushIntervalMs: c.FlushIntervalMillis()})
	}
	if q := s.deps.Quotaer; q != nil {
		stats = append(stats, aggregatorStat{Name: "quota", Entries: q.Len(), FlushIntervalMs: q.FlushIntervalMillis()})
	}
	if rp := s.deps.Reporter; rp != nil {
		stats = append(stats, aggregatorStat{Name: "report", Entries: rp.Len(), FlushIntervalMs: rp.FlushIntervalMillis()})
	}
	writeJSON(w, http.StatusOK, stats)
}
