package engine

import (
	"context"
	"testing"
	"time"
)

func TestLimiterRespectsInitialCapacity(t *testing.T) {
	l := newLimiter(2, 8)
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire 1 failed: %v", err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire 2 failed: %v", err)
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctxTimeout); err == nil {
		t.Fatalf("expected third acquire to block at capacity 2")
	}
}

func TestLimiterSetLimitGrows(t *testing.T) {
	l := newLimiter(1, 8)
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	l.SetLimit(4)

	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d after grow failed: %v", i, err)
		}
	}
}

func TestLimiterReleaseFreesSlot(t *testing.T) {
	l := newLimiter(1, 8)
	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	l.Release()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}
