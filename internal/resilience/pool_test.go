package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

// TestPool_BoundsConcurrency verifies no more than limit callers run at
// once.
func TestPool_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	const limit = 3
	p := NewPool(limit)

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Run(context.Background(), func() error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > limit {
		t.Errorf("peak concurrency %d exceeds limit %d", got, limit)
	}
}

// TestPool_CancelledContext verifies a waiter gives up when its context
// ends.
func TestPool_CancelledContext(t *testing.T) {
	t.Parallel()

	p := NewPool(1)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Run(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx, func() error { return nil }); err == nil {
		t.Error("expected context error while pool is full")
	}
	close(release)
}

// TestPool_NilRunsDirectly verifies a nil pool imposes no limit.
func TestPool_NilRunsDirectly(t *testing.T) {
	t.Parallel()

	var p *Pool
	ran := false
	if err := p.Run(context.Background(), func() error { ran = true; return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Error("fn did not run")
	}
}
