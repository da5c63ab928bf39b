package snmp

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// rowStat is a lightweight, exponentially-weighted estimate of how
// many rows a walked table is expected to return, used to size the
// max_repetitions of the next GETBULK the way the
// original WalkStats t-digest did: a cheap running estimate is good
// enough to keep request width within budget, it does not need to be
// exact.
type rowStat struct {
	estimate float64
	seen     bool
}

func (s *rowStat) Observe(n int) {
	if !s.seen {
		s.estimate = float64(n)
		s.seen = true
		return
	}
	const alpha = 0.3
	s.estimate = alpha*float64(n) + (1-alpha)*s.estimate
}

// Estimate returns the current row-count estimate, defaulting to def
// when nothing has been observed yet.
func (s *rowStat) Estimate(def int) int {
	if !s.seen {
		return def
	}
	return int(s.estimate + 0.5)
}

// StatsCache keeps per-table-root row-count estimates in an in-memory
// LRU across polls for the life of the process. Nothing is written to
// disk, so a table this process has not walked yet gets the default
// estimate.
type StatsCache struct {
	cache *lru.Cache[string, *rowStat]
}

func NewStatsCache(capacity int) (*StatsCache, error) {
	if capacity <= 0 {
		capacity = 256
	}
	c, err := lru.New[string, *rowStat](capacity)
	if err != nil {
		return nil, err
	}
	return &StatsCache{cache: c}, nil
}

func (s *StatsCache) get(root OID) *rowStat {
	if st, ok := s.cache.Get(string(root)); ok {
		return st
	}
	st := &rowStat{}
	s.cache.Add(string(root), st)
	return st
}

func (s *StatsCache) Observe(root OID, rows int) {
	s.get(root).Observe(rows)
}

func (s *StatsCache) Estimate(root OID, def int) int {
	return s.get(root).Estimate(def)
}
