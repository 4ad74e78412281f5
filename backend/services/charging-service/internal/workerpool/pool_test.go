package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

func TestPoolRunsAndDrainsOnClose(t *testing.T) {
	pool := NewPool(2, 16, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		if !pool.Submit("count", func(context.Context) { count.Add(1) }) {
			t.Fatalf("submit %d dropped", i)
		}
	}
	cancel()
	pool.Close()

	if got := count.Load(); got != 10 {
		t.Fatalf("expected 10 jobs, got %d", got)
	}
	if pool.Submit("late", func(context.Context) {}) {
		t.Fatalf("submit after close must be rejected")
	}
}

func TestPoolDropsWhenQueueFull(t *testing.T) {
	pool := NewPool(1, 1, zap.NewNop())
	pool.Start(context.Background())
	t.Cleanup(pool.Close)

	block := make(chan struct{})
	running := make(chan struct{})
	pool.Submit("block", func(context.Context) {
		close(running)
		<-block
	})
	<-running

	if !pool.Submit("queued", func(context.Context) {}) {
		t.Fatalf("first queued job should fit")
	}
	if pool.Submit("overflow", func(context.Context) {}) {
		t.Fatalf("overflow job should be dropped")
	}
	close(block)
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := NewPool(1, 4, zap.NewNop())
	pool.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	pool.Submit("panic", func(context.Context) { panic("boom") })
	pool.Submit("after", func(context.Context) { wg.Done() })
	wg.Wait()
	pool.Close()
}
