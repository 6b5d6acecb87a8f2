package quality

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shardCount is the number of independently-locked buckets the host
// table is split across, keyed by xxhash(host), so concurrent sessions
// hitting different mirrors don't contend on one lock.
const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	hosts map[string]*HostStats
}

// Tracker maintains per-host HostStats in a process-global, sharded map
// (spec §3: "HostStats are shared across all sessions, process-global,
// atomically updated"). It must be constructor-injected rather than
// reached for as a package singleton (spec §9), so callers build exactly
// one Tracker and share it across every DownloadSession.
type Tracker struct {
	cfg    Config
	shards [shardCount]*shard
}

// NewTracker builds an empty, process-wide Tracker.
func NewTracker(cfg Config) *Tracker {
	t := &Tracker{cfg: cfg.withDefaults()}
	for i := range t.shards {
		t.shards[i] = &shard{hosts: make(map[string]*HostStats)}
	}
	return t
}

func (t *Tracker) shardFor(host string) *shard {
	return t.shards[xxhash.Sum64String(host)%shardCount]
}

func (t *Tracker) stats(host string) *HostStats {
	s := t.shardFor(host)

	s.mu.RLock()
	hs, ok := s.hosts[host]
	s.mu.RUnlock()
	if ok {
		return hs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if hs, ok = s.hosts[host]; ok {
		return hs
	}
	hs = newHostStats(host, t.cfg)
	s.hosts[host] = hs
	return hs
}

// RecordAttempt increments the attempt counter for host (spec §4.2).
func (t *Tracker) RecordAttempt(host string) {
	t.stats(host).recordAttempt()
}

// RecordSuccess records a completed transfer: resets consecutive_failures,
// updates EWMA latency/throughput, and stamps last_success (spec §4.2).
func (t *Tracker) RecordSuccess(host string, latencyMs float64, bytes int64, elapsedMs float64) {
	t.stats(host).recordSuccess(latencyMs, bytes, elapsedMs)
}

// RecordFailure records a failed attempt; kind is informational (logged by
// the caller) and does not affect scoring directly. On reaching the
// consecutive-failure threshold, the host trips to Open for a cooldown
// window with exponential backoff on repeat trips (spec §4.2).
func (t *Tracker) RecordFailure(host string, kind string) {
	t.stats(host).recordFailure(time.Now())
}

// Snapshot returns a single atomic read of host's counters and circuit
// state, attempting the Open→HalfOpen transition first if the cooldown
// has elapsed (spec §4.2, §5).
func (t *Tracker) Snapshot(host string) Snapshot {
	hs := t.stats(host)
	hs.maybeHalfOpen(time.Now())
	return hs.snapshot()
}

// Score computes the 0-100 quality score for host from its current
// snapshot (spec §3, §4.2). Open hosts score 0.
func Score(s Snapshot) float64 {
	if s.State == Open {
		return 0
	}
	availability := 0.0
	if s.Attempts > 0 {
		availability = float64(s.Successes) / float64(s.Attempts)
	} else {
		availability = 1 // no history yet: optimistic default so new hosts get a fair trial
	}
	latencyScore := 100 - min(s.EWMALatencyMs/10, 100)
	if latencyScore < 0 {
		latencyScore = 0
	}
	throughputMbps := s.EWMAThroughputBps * 8 / 1_000_000
	bandwidthScore := min(throughputMbps*10, 100)
	return 0.40*latencyScore + 0.35*bandwidthScore + 0.25*(availability*100)
}
