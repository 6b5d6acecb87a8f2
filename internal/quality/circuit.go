package quality

import "sync/atomic"

// CircuitState is a host's health status (spec §3, §4.2 glossary).
type CircuitState int32

const (
	Closed CircuitState = iota
	HalfOpen
	Open
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// circuit holds the atomic circuit-breaker fields embedded in HostStats.
type circuit struct {
	state           atomic.Int32
	openCount       atomic.Int64 // number of times this host has tripped Open; drives exponential cooldown
	cooldownUntilNS atomic.Int64 // unix nanoseconds; valid only while state==Open
}

func (c *circuit) load() (CircuitState, int64) {
	return CircuitState(c.state.Load()), c.cooldownUntilNS.Load()
}
