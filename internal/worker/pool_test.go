package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	pool := New(2, nil)
	defer pool.Close()

	var runs atomic.Int32
	for i := 0; i < 5; i++ {
		if !pool.Submit("count", func(ctx context.Context) error {
			runs.Add(1)
			return nil
		}) {
			t.Fatalf("submit rejected")
		}
	}
	pool.Wait()

	if got := runs.Load(); got != 5 {
		t.Fatalf("expected 5 runs, got %d", got)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := New(2, nil)
	defer pool.Close()

	var active, peak atomic.Int32
	for i := 0; i < 6; i++ {
		pool.Submit("bounded", func(ctx context.Context) error {
			n := active.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil
		})
	}
	pool.Wait()

	if got := peak.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, saw %d", got)
	}
}

func TestPoolTaskErrorDoesNotStopPool(t *testing.T) {
	pool := New(1, nil)
	defer pool.Close()

	var ok atomic.Bool
	pool.Submit("fail", func(ctx context.Context) error { return errors.New("boom") })
	pool.Submit("ok", func(ctx context.Context) error {
		ok.Store(true)
		return nil
	})
	pool.Wait()

	if !ok.Load() {
		t.Fatalf("task after failure did not run")
	}
}

func TestPoolRejectsAfterClose(t *testing.T) {
	pool := New(1, nil)
	pool.Close()

	if pool.Submit("late", func(ctx context.Context) error { return nil }) {
		t.Fatalf("expected submit after close to be rejected")
	}
}

func TestPoolCloseCancelsRunningTask(t *testing.T) {
	pool := New(1, nil)

	started := make(chan struct{})
	var cancelled atomic.Bool
	pool.Submit("block", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	})
	<-started
	pool.Close()

	if !cancelled.Load() {
		t.Fatalf("running task did not observe cancellation")
	}
}
