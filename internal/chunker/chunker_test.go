package chunker

import "testing"

func TestBuildPlanCoversDisjointContiguous(t *testing.T) {
	sizes := []int64{0, 1, 1024, 10*1<<20 + 37}
	for _, n := range sizes {
		p := Build(n, true, 0, 0, 0)
		var sum int64
		for i, task := range p.Tasks {
			if task.Offset != sum {
				t.Fatalf("size %d: task %d offset %d != expected %d", n, i, task.Offset, sum)
			}
			sum += task.Length
		}
		if n == 0 {
			if len(p.Tasks) != 1 || p.Tasks[0].Length != 0 {
				t.Fatalf("size 0: expected single no-op chunk, got %+v", p.Tasks)
			}
			continue
		}
		if sum != n {
			t.Fatalf("size %d: sum of lengths %d != total", n, sum)
		}
		want := ExpectedChunkCount(n, p.ChunkSize)
		if len(p.Tasks) != want {
			t.Fatalf("size %d: got %d chunks, want %d (chunk size %d)", n, len(p.Tasks), want, p.ChunkSize)
		}
	}
}

func TestBuildPlanSingleByteRange(t *testing.T) {
	p := Build(1, true, 0, 0, 0)
	if len(p.Tasks) != 1 || p.Tasks[0].Length != 1 {
		t.Fatalf("expected one chunk of length 1, got %+v", p.Tasks)
	}
}

func TestBuildPlanNoRangeSupport(t *testing.T) {
	p := Build(50*1024*1024, false, 0, 0, 0)
	if len(p.Tasks) != 1 {
		t.Fatalf("expected exactly one chunk when ranges unsupported, got %d", len(p.Tasks))
	}
	if p.Tasks[0].Length != 50*1024*1024 {
		t.Fatalf("expected whole-file chunk length, got %d", p.Tasks[0].Length)
	}
}

func TestDefaultChunkSizeTable(t *testing.T) {
	cases := []struct {
		size int64
		want int64
	}{
		{500 * 1024, 500 * 1024},
		{5 * 1024 * 1024, 512 * 1024},
		{50 * 1024 * 1024, 1 * 1024 * 1024},
		{500 * 1024 * 1024, 2 * 1024 * 1024},
		{2 * 1024 * 1024 * 1024, 4 * 1024 * 1024},
	}
	for _, c := range cases {
		if got := DefaultChunkSize(c.size); got != c.want {
			t.Errorf("DefaultChunkSize(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestRechunkOnlyAffectsPendingTail(t *testing.T) {
	p := Build(10*1024*1024, true, 1024*1024, 0, 0)
	// mark the first two chunks as Done/InFlight so they must survive untouched
	p.Tasks[0].SetState(Done)
	p.Tasks[1].SetState(InFlight)

	origFirst := *p.Tasks[0]
	origSecond := *p.Tasks[1]

	p.Rechunk(2*1024*1024, 0, 0)

	if p.Tasks[0].Offset != origFirst.Offset || p.Tasks[0].Length != origFirst.Length {
		t.Fatalf("rechunk mutated an already-Done task: %+v vs %+v", p.Tasks[0], origFirst)
	}
	if p.Tasks[1].Offset != origSecond.Offset || p.Tasks[1].Length != origSecond.Length {
		t.Fatalf("rechunk mutated an InFlight task: %+v vs %+v", p.Tasks[1], origSecond)
	}

	var sum int64
	for _, t2 := range p.Tasks {
		sum += t2.Length
	}
	if sum != p.TotalSize {
		t.Fatalf("rechunked plan no longer covers total size: sum=%d total=%d", sum, p.TotalSize)
	}
}

func TestNextChunkSizeDoublesAndHalves(t *testing.T) {
	if got := NextChunkSize(1<<20, true, 0.01, false, 1<<10, 8<<20); got != 2<<20 {
		t.Fatalf("expected doubling, got %d", got)
	}
	if got := NextChunkSize(1<<20, false, 0.0, true, 1<<10, 8<<20); got != 1<<19 {
		t.Fatalf("expected halving, got %d", got)
	}
	if got := NextChunkSize(1<<20, true, 0.20, false, 1<<10, 8<<20); got != 1<<20 {
		t.Fatalf("expected no change with high error rate, got %d", got)
	}
}

func TestHistorySeedsBestThroughput(t *testing.T) {
	h := NewHistory(4)
	h.Record("cdn.example.com", 1<<20, 1_000_000)
	h.Record("cdn.example.com", 2<<20, 5_000_000)
	h.Record("cdn.example.com", 4<<20, 3_000_000)
	if got := h.Seed("cdn.example.com"); got != 2<<20 {
		t.Fatalf("expected seed to pick the highest-throughput size 2MiB, got %d", got)
	}
	if got := h.Seed("unknown.example.com"); got != 0 {
		t.Fatalf("expected 0 for unseen host, got %d", got)
	}
}
