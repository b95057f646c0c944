package swcache

import (
	"math"
	"sync"
	"sync/atomic"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	mu       sync.Mutex
	outcomes map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{outcomes: map[string]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one response served with the given outcome.
func (s *statsCollector) Observe(outcome string, respBytes int) {
	s.mu.Lock()
	s.outcomes[outcome]++
	s.mu.Unlock()

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	TotalResponses uint64            `json:"total_responses"`
	TotalRespBytes uint64            `json:"total_resp_bytes"`
	MinRespBytes   uint64            `json:"min_resp_bytes"`
	MaxRespBytes   uint64            `json:"max_resp_bytes"`
	AvgRespBytes   uint64            `json:"avg_resp_bytes"`
	Outcomes       map[string]uint64 `json:"outcomes"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	s.mu.Lock()
	outcomes := make(map[string]uint64, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	s.mu.Unlock()

	count := s.totalResponses.Load()
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	maxv := s.maxRespBytes.Load()
	if count == 0 {
		return StatsSnapshot{Outcomes: outcomes}
	}
	if minv == math.MaxUint64 {
		minv = 0
	}
	return StatsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   maxv,
		AvgRespBytes:   total / count,
		Outcomes:       outcomes,
	}
}

// HitRatio is hits over all intercepted GETs that reached the cache.
func (s StatsSnapshot) HitRatio() float64 {
	hits := s.Outcomes[OutcomeHit]
	looked := hits + s.Outcomes[OutcomeMiss] + s.Outcomes[OutcomeUncached] + s.Outcomes[OutcomeOffline]
	if looked == 0 {
		return 0
	}
	return float64(hits) / float64(looked)
}
