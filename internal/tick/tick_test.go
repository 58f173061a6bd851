package tick

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDriverFiresPeriodically(t *testing.T) {
	var count atomic.Int32
	d := New(10*time.Millisecond, func(ctx context.Context, now time.Time) {
		count.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if count.Load() < 3 {
		t.Errorf("expected at least 3 ticks in 55ms at 10ms interval, got %d", count.Load())
	}
}

func TestDriverCoalescesOverrun(t *testing.T) {
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	d := New(5*time.Millisecond, func(ctx context.Context, now time.Time) {
		n := concurrent.Add(1)
		for {
			old := maxConcurrent.Load()
			if n <= old || maxConcurrent.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		concurrent.Add(-1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	d.Run(ctx)

	if maxConcurrent.Load() > 1 {
		t.Errorf("expected ticks to never overlap, saw max concurrency %d", maxConcurrent.Load())
	}
}
