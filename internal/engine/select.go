// Package engine implements the Concurrent Range Downloader and the
// two Adaptive Controllers wired together into one download session
// (spec.md §4.3, §4.4).
package engine

import (
	"sort"

	"github.com/loonghao/turbocdn-go/internal/quality"
	"github.com/loonghao/turbocdn-go/internal/urlmap"
)

// rankedCandidate pairs a candidate with the circuit/score snapshot
// used to reorder it (spec §4.2 "Selection for a request").
type rankedCandidate struct {
	candidate urlmap.CandidateUrl
	host      string
	state     quality.CircuitState
	score     float64
	index     int
}

func circuitRank(s quality.CircuitState) int {
	switch s {
	case quality.Closed:
		return 0
	case quality.HalfOpen:
		return 1
	default:
		return 2
	}
}

// SelectOrder reorders candidates by (circuit_state: Closed<HalfOpen<Open,
// score DESC, original_index ASC), per spec §4.2. Ties fall back to the
// static priority already encoded in the input order from the URL Mapper.
func SelectOrder(candidates []urlmap.CandidateUrl, tracker *quality.Tracker, hostOf func(string) string) []urlmap.CandidateUrl {
	ranked := make([]rankedCandidate, len(candidates))
	for i, c := range candidates {
		host := hostOf(c.URL)
		snap := tracker.Snapshot(host)
		ranked[i] = rankedCandidate{
			candidate: c,
			host:      host,
			state:     snap.State,
			score:     quality.Score(snap),
			index:     i,
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		ra, rb := circuitRank(a.state), circuitRank(b.state)
		if ra != rb {
			return ra < rb
		}
		if a.score != b.score {
			return a.score > b.score
		}
		return a.index < b.index
	})

	out := make([]urlmap.CandidateUrl, len(ranked))
	for i, r := range ranked {
		out[i] = r.candidate
	}
	return out
}

// AllOpenFallback reports whether every candidate's host circuit is
// Open, in which case spec §8 requires trying the longest-cooling-down
// host first rather than giving up.
func AllOpenFallback(candidates []urlmap.CandidateUrl, tracker *quality.Tracker, hostOf func(string) string) ([]urlmap.CandidateUrl, bool) {
	type cooldown struct {
		candidate urlmap.CandidateUrl
		remaining int64
	}
	all := make([]cooldown, len(candidates))
	allOpen := true
	for i, c := range candidates {
		host := hostOf(c.URL)
		snap := tracker.Snapshot(host)
		if snap.State != quality.Open {
			allOpen = false
		}
		all[i] = cooldown{candidate: c, remaining: int64(snap.CooldownRemaining)}
	}
	if !allOpen {
		return nil, false
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].remaining < all[j].remaining })
	out := make([]urlmap.CandidateUrl, len(all))
	for i, c := range all {
		out[i] = c.candidate
	}
	return out, true
}
