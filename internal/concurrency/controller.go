// Package concurrency implements the Adaptive Concurrency controller
// (spec §4.4.1): a tick-based feedback loop that raises or lowers the
// number of simultaneous chunk workers for a transfer based on recent
// completion latency, error rate, and timeouts.
package concurrency

import (
	"context"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"golang.org/x/time/rate"
)

// Config bounds and tunes the controller (spec §4.4.1 parameters).
type Config struct {
	Min             int
	Max             int
	Initial         int
	TickInterval    time.Duration
	ErrorRateWindow int
	// IncreaseInhibitTicks is how many ticks an increase stays inhibited
	// after any adjustment (spec §4.4.1 "further increases are inhibited
	// for 2 ticks"). Decreases are never inhibited.
	IncreaseInhibitTicks int
}

func (c Config) withDefaults() Config {
	if c.Min <= 0 {
		c.Min = 1
	}
	if c.Max <= 0 {
		c.Max = 32
	}
	if c.Initial <= 0 {
		c.Initial = 4
	}
	if c.Initial < c.Min {
		c.Initial = c.Min
	}
	if c.Initial > c.Max {
		c.Initial = c.Max
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.ErrorRateWindow <= 0 {
		c.ErrorRateWindow = 20
	}
	if c.IncreaseInhibitTicks <= 0 {
		c.IncreaseInhibitTicks = 2
	}
	return c
}

// outcome is one completed chunk's tick sample.
type outcome struct {
	ok      bool
	timeout bool
}

// Controller tracks rolling completion feedback for a single transfer
// and recommends a concurrency level. It holds no goroutines of its
// own; callers call Tick periodically (or after every N completions)
// and read Level.
type Controller struct {
	cfg Config

	mu                   sync.Mutex
	level                int
	window               []outcome
	windowPos            int
	windowFilled         bool
	completionEWMA       ewma.MovingAverage
	throughputEWMA       ewma.MovingAverage
	increaseInhibitTicks int
}

// New builds a Controller seeded at cfg.Initial.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	// ewma takes an age, not a decay: age 2/0.3-1 gives decay 0.3.
	return &Controller{
		cfg:            cfg,
		level:          cfg.Initial,
		window:         make([]outcome, cfg.ErrorRateWindow),
		completionEWMA: ewma.NewMovingAverage(2/0.3 - 1),
		throughputEWMA: ewma.NewMovingAverage(2/0.3 - 1),
	}
}

// Level returns the current recommended concurrency.
func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Observe records one completed chunk's outcome: elapsed completion
// time, whether it succeeded, whether it timed out, and (for a
// successful chunk) the bytes transferred. Call this once per chunk
// completion; the controller folds it into the rolling window and
// throughput estimate used by Tick.
//
// A single worker's bytes/elapsed only measures its own share of the
// link; multiplying by the level in flight at observation time
// approximates the link's total capacity, which is what
// expected_chunk_time(c, plan_chunk_size) divides back down by c to
// get a per-worker estimate (spec §4.4.1 "expected_chunk_time is
// estimated from the session's EWMA throughput").
func (c *Controller) Observe(elapsed time.Duration, ok bool, timeout bool, bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.completionEWMA.Add(float64(elapsed.Milliseconds()))
	if ok && elapsed > 0 && bytes > 0 {
		perWorker := float64(bytes) / elapsed.Seconds()
		c.throughputEWMA.Add(perWorker * float64(c.level))
	}
	c.window[c.windowPos] = outcome{ok: ok, timeout: timeout}
	c.windowPos++
	if c.windowPos >= len(c.window) {
		c.windowPos = 0
		c.windowFilled = true
	}
}

// expectedChunkTimeMsLocked estimates how long planChunkSize should
// take at the current level, given the EWMA aggregate link throughput
// (spec §4.4.1 expected_chunk_time(c, plan_chunk_size)). Returns 0 when
// there isn't yet a throughput estimate to divide by.
func (c *Controller) expectedChunkTimeMsLocked(planChunkSize int64) float64 {
	agg := c.throughputEWMA.Value()
	if agg <= 0 || planChunkSize <= 0 || c.level <= 0 {
		return 0
	}
	perWorker := agg / float64(c.level)
	if perWorker <= 0 {
		return 0
	}
	return float64(planChunkSize) / perWorker * 1000
}

// errorRate returns the fraction of failures in the current window.
// Must be called holding c.mu.
func (c *Controller) errorRate() (rate float64, timeouts int, n int) {
	n = c.windowPos
	if c.windowFilled {
		n = len(c.window)
	}
	if n == 0 {
		return 0, 0, 0
	}
	failures := 0
	for i := 0; i < n; i++ {
		o := c.window[i]
		if !o.ok {
			failures++
		}
		if o.timeout {
			timeouts++
		}
	}
	return float64(failures) / float64(n), timeouts, n
}

// BandwidthLimiter caps aggregate bytes/sec across every chunk worker
// sharing it, independent of how many are running concurrently. It is
// optional: a nil *BandwidthLimiter (or one built with NewBandwidthLimiter(0, 0))
// never throttles. Tests use it to simulate a congested link without
// actually shaping a socket.
type BandwidthLimiter struct {
	lim *rate.Limiter
}

// NewBandwidthLimiter builds a limiter allowing bytesPerSec sustained
// throughput with burst headroom of burstBytes. bytesPerSec <= 0 means
// unlimited.
func NewBandwidthLimiter(bytesPerSec int, burstBytes int) *BandwidthLimiter {
	if bytesPerSec <= 0 {
		return &BandwidthLimiter{}
	}
	if burstBytes < bytesPerSec {
		burstBytes = bytesPerSec
	}
	return &BandwidthLimiter{lim: rate.NewLimiter(rate.Limit(bytesPerSec), burstBytes)}
}

// WaitN blocks until n bytes' worth of budget is available, or ctx is
// done. A nil-backed limiter returns immediately.
func (b *BandwidthLimiter) WaitN(ctx context.Context, n int) error {
	if b == nil || b.lim == nil {
		return nil
	}
	return b.lim.WaitN(ctx, n)
}

// ErrorRate reports the failure fraction and timeout count in the
// current rolling window, for callers that adapt on signals other than
// concurrency (e.g. chunk-size adaptation).
func (c *Controller) ErrorRate() (rate float64, timeouts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rate, timeouts, _ = c.errorRate()
	return rate, timeouts
}

// CompletionEWMA returns the current exponentially-weighted average
// chunk completion time in milliseconds.
func (c *Controller) CompletionEWMA() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completionEWMA.Value()
}

// Tick re-evaluates the concurrency level against the rolling window
// and the EWMA completion time vs. expected_chunk_time(c,
// planChunkSize) (spec §4.4.1):
//
//   - consecutive_timeouts ≥ 2 or error_rate > 0.10: c ← max(c_min, c−2)
//   - else ewma_chunk_time < 0.5 * expected_chunk_time(c, plan_chunk_size): c ← min(c_max, c+1)
//
// A decrease is never inhibited. An increase is inhibited for
// IncreaseInhibitTicks ticks after any adjustment (increase or
// decrease), so a single burst of feedback can't whipsaw the level
// upward (spec §4.4.1 "further increases are inhibited for 2 ticks").
func (c *Controller) Tick(now time.Time, planChunkSize int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	rate, _, n := c.errorRate()
	consecutiveTimeouts := 0
	for i := 1; i <= n; i++ {
		idx := (c.windowPos - i + len(c.window)) % len(c.window)
		if !c.window[idx].timeout {
			break
		}
		consecutiveTimeouts++
	}
	adjusted := false
	if n >= 3 {
		switch {
		case consecutiveTimeouts >= 2 || rate > 0.10:
			c.level -= 2
			if c.level < c.cfg.Min {
				c.level = c.cfg.Min
			}
			c.increaseInhibitTicks = c.cfg.IncreaseInhibitTicks
			adjusted = true
		default:
			if c.increaseInhibitTicks == 0 {
				expectedMs := c.expectedChunkTimeMsLocked(planChunkSize)
				if expectedMs > 0 && c.completionEWMA.Value() < 0.5*expectedMs {
					c.level++
					if c.level > c.cfg.Max {
						c.level = c.cfg.Max
					}
					c.increaseInhibitTicks = c.cfg.IncreaseInhibitTicks
					adjusted = true
				}
			}
		}
	}
	if !adjusted && c.increaseInhibitTicks > 0 {
		c.increaseInhibitTicks--
	}
	return c.level
}
