// Package quality implements the Server Quality Tracker (spec §4.2):
// per-host statistics (atomic counters, mutex-guarded EWMA values) feeding a 0-100 quality score and a
// circuit-breaker-gated selection policy.
package quality

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/VividCortex/ewma"
)

// Config tunes the tracker's thresholds; all fields default per spec §4.2
// when zero (see NewTracker).
type Config struct {
	// ConsecutiveFailureThreshold trips the circuit to Open (default 5).
	ConsecutiveFailureThreshold int64
	// CooldownBase is the initial Open-state cooldown (default 60s).
	CooldownBase time.Duration
	// CooldownMax caps exponential cooldown growth (default 15m).
	CooldownMax time.Duration
	// EWMAAlpha smooths latency/throughput (default 0.3).
	EWMAAlpha float64
}

func (c Config) withDefaults() Config {
	if c.ConsecutiveFailureThreshold <= 0 {
		c.ConsecutiveFailureThreshold = 5
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 60 * time.Second
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = 15 * time.Minute
	}
	if c.EWMAAlpha <= 0 {
		c.EWMAAlpha = 0.3
	}
	return c
}

// HostStats is the per-host live statistics record (spec §3). Counters are
// plain atomics on the hot path; the EWMA smoothers use VividCortex/ewma,
// which is not itself lock-free, so a dedicated mutex guards only the two
// EWMA values — every other field stays atomic, matching spec §9's
// preference for atomics over locks on hot paths while keeping the
// smoothing math correct.
type HostStats struct {
	host string
	cfg  Config

	attempts            atomic.Int64
	successes           atomic.Int64
	failures            atomic.Int64
	consecutiveFailures atomic.Int64
	lastSuccessUnixNS   atomic.Int64

	circuit circuit

	ewmaMu       sync.Mutex
	latencyEWMA  ewma.MovingAverage
	throughputEWMA ewma.MovingAverage
}

func newHostStats(host string, cfg Config) *HostStats {
	// ewma takes an age, not a decay: age 2/α-1 gives decay α.
	return &HostStats{
		host:           host,
		cfg:            cfg,
		latencyEWMA:    ewma.NewMovingAverage(2/cfg.EWMAAlpha - 1),
		throughputEWMA: ewma.NewMovingAverage(2/cfg.EWMAAlpha - 1),
	}
}

// Snapshot is the atomic, point-in-time read of a HostStats used for
// scoring and selection (spec §5 "Selection decisions use a single
// atomic snapshot of counters per decision").
type Snapshot struct {
	Host                string
	Attempts            int64
	Successes           int64
	Failures            int64
	ConsecutiveFailures int64
	LastSuccess         time.Time
	EWMALatencyMs       float64
	EWMAThroughputBps   float64
	State               CircuitState
	CooldownRemaining   time.Duration
}

func (h *HostStats) snapshot() Snapshot {
	h.ewmaMu.Lock()
	lat := h.latencyEWMA.Value()
	thr := h.throughputEWMA.Value()
	h.ewmaMu.Unlock()

	state, cooldownUntilNS := h.circuit.load()
	var remaining time.Duration
	if state == Open {
		remaining = time.Until(time.Unix(0, cooldownUntilNS))
		if remaining < 0 {
			remaining = 0
		}
	}

	lastSuccessNS := h.lastSuccessUnixNS.Load()
	var lastSuccess time.Time
	if lastSuccessNS != 0 {
		lastSuccess = time.Unix(0, lastSuccessNS)
	}

	return Snapshot{
		Host:                h.host,
		Attempts:            h.attempts.Load(),
		Successes:           h.successes.Load(),
		Failures:            h.failures.Load(),
		ConsecutiveFailures: h.consecutiveFailures.Load(),
		LastSuccess:         lastSuccess,
		EWMALatencyMs:       lat,
		EWMAThroughputBps:   thr,
		State:               state,
		CooldownRemaining:   remaining,
	}
}

func (h *HostStats) recordAttempt() {
	h.attempts.Add(1)
}

func (h *HostStats) recordSuccess(latencyMs float64, bytes int64, elapsedMs float64) {
	h.successes.Add(1)
	h.consecutiveFailures.Store(0)
	h.lastSuccessUnixNS.Store(time.Now().UnixNano())

	h.ewmaMu.Lock()
	h.latencyEWMA.Add(latencyMs)
	if elapsedMs > 0 {
		bps := float64(bytes) / (elapsedMs / 1000.0)
		h.throughputEWMA.Add(bps)
	}
	h.ewmaMu.Unlock()

	state, _ := h.circuit.load()
	if state == HalfOpen {
		h.circuit.state.Store(int32(Closed))
		h.circuit.openCount.Store(0)
	}
}

func (h *HostStats) recordFailure(now time.Time) {
	h.failures.Add(1)
	cf := h.consecutiveFailures.Add(1)

	state, _ := h.circuit.load()
	if state == HalfOpen {
		// A failure in half-open re-enters Open with an escalated cooldown.
		h.tripOpen(now)
		return
	}
	if cf >= h.cfg.ConsecutiveFailureThreshold {
		h.tripOpen(now)
	}
}

func (h *HostStats) tripOpen(now time.Time) {
	n := h.circuit.openCount.Add(1)
	cooldown := h.cfg.CooldownBase << (n - 1)
	if cooldown <= 0 || cooldown > h.cfg.CooldownMax {
		cooldown = h.cfg.CooldownMax
	}
	h.circuit.cooldownUntilNS.Store(now.Add(cooldown).UnixNano())
	h.circuit.state.Store(int32(Open))
}

// maybeHalfOpen transitions an Open host whose cooldown has elapsed into
// HalfOpen, allowing exactly the next attempt through as a trial.
func (h *HostStats) maybeHalfOpen(now time.Time) {
	state, cooldownUntilNS := h.circuit.load()
	if state == Open && now.UnixNano() >= cooldownUntilNS {
		h.circuit.state.CompareAndSwap(int32(Open), int32(HalfOpen))
	}
}
