// Package chunker implements Smart Chunking (spec §4.4.2): the initial
// chunk-size policy and its tail-only adaptation during a transfer.
package chunker

import "sync"

// State is a ChunkTask's lifecycle state (spec §3). Transitions are
// monotonic except Failed→Pending on retry.
type State int

const (
	Pending State = iota
	InFlight
	Done
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Task is one [Offset, Offset+Length) byte range to fetch with a single
// Range request (spec §3 ChunkTask).
type Task struct {
	ID      int
	Offset  int64
	Length  int64
	URL     string
	Attempt int

	mu    sync.Mutex
	state State
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Plan is an ordered, disjoint, contiguous covering of [0, TotalSize)
// (spec §3 ChunkPlan, §8 invariant 2).
type Plan struct {
	TotalSize int64
	ChunkSize int64
	Tasks     []*Task
}

// Build constructs the initial plan for a probed total size. When
// acceptsRanges is false, or totalSize is 0 or unknown-small, the plan
// collapses to a single whole-file task (spec §4.3 "Range Not Supported",
// §8 boundary behaviours).
func Build(totalSize int64, acceptsRanges bool, chunkSize, minChunkSize, maxChunkSize int64) *Plan {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize(totalSize)
	}
	chunkSize = clamp(chunkSize, minChunkSize, maxChunkSize)

	if !acceptsRanges || totalSize <= 0 {
		return &Plan{
			TotalSize: totalSize,
			ChunkSize: max64(totalSize, 1),
			Tasks:     []*Task{{ID: 0, Offset: 0, Length: totalSize, state: Pending}},
		}
	}

	var tasks []*Task
	var offset int64
	id := 0
	for offset < totalSize {
		length := chunkSize
		if offset+length > totalSize {
			length = totalSize - offset
		}
		tasks = append(tasks, &Task{ID: id, Offset: offset, Length: length, state: Pending})
		offset += length
		id++
	}
	return &Plan{TotalSize: totalSize, ChunkSize: chunkSize, Tasks: tasks}
}

// DefaultChunkSize implements the total-size-keyed default table in
// spec §4.4.2.
func DefaultChunkSize(totalSize int64) int64 {
	const (
		mib = 1 << 20
		gib = 1 << 30
	)
	switch {
	case totalSize < mib:
		return max64(totalSize, 1)
	case totalSize < 10*mib:
		return 512 * 1024
	case totalSize < 100*mib:
		return 1 * mib
	case totalSize < gib:
		return 2 * mib
	default:
		return 4 * mib
	}
}

func clamp(v, lo, hi int64) int64 {
	if lo > 0 && v < lo {
		v = lo
	}
	if hi > 0 && v > hi {
		v = hi
	}
	return v
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Rechunk re-splits the Pending tail of the plan (chunks not yet
// InFlight/Done) to newChunkSize, clamped to [minChunkSize,
// maxChunkSize]. Issued chunks (InFlight, Done, Failed, Cancelled) keep
// their original size for accounting simplicity (spec §4.4.2).
func (p *Plan) Rechunk(newChunkSize, minChunkSize, maxChunkSize int64) {
	newChunkSize = clamp(newChunkSize, minChunkSize, maxChunkSize)
	if newChunkSize == p.ChunkSize {
		return
	}

	var kept []*Task
	var tailStart int64 = -1
	var tailEnd int64
	maxID := -1
	for _, t := range p.Tasks {
		if t.State() == Pending {
			if tailStart < 0 {
				tailStart = t.Offset
			}
			tailEnd = t.Offset + t.Length
			continue
		}
		kept = append(kept, t)
		if t.ID > maxID {
			maxID = t.ID
		}
	}
	if tailStart < 0 {
		return // nothing pending left to rechunk
	}

	id := maxID + 1
	offset := tailStart
	for offset < tailEnd {
		length := newChunkSize
		if offset+length > tailEnd {
			length = tailEnd - offset
		}
		kept = append(kept, &Task{ID: id, Offset: offset, Length: length, state: Pending})
		offset += length
		id++
	}
	p.Tasks = kept
	p.ChunkSize = newChunkSize
}

// ExpectedChunkCount is ceil(N/c), the invariant checked in spec §8.
func ExpectedChunkCount(totalSize, chunkSize int64) int {
	if chunkSize <= 0 {
		return 1
	}
	n := totalSize / chunkSize
	if totalSize%chunkSize != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return int(n)
}
