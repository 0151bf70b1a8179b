package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitRunsUnderLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentProcessing = 5
	q := New(cfg)

	var n int64
	var wg sync.WaitGroup
	wg.Add(1)
	q.Submit(context.Background(), func(ctx context.Context) {
		atomic.AddInt64(&n, 1)
		wg.Done()
	})
	wg.Wait()

	if atomic.LoadInt64(&n) != 1 {
		t.Errorf("task did not run")
	}
}

func TestSubmitQueuesOverLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentProcessing = 1
	q := New(cfg)

	release := make(chan struct{})
	started := make(chan struct{})

	q.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	var ran int64
	q.Submit(context.Background(), func(ctx context.Context) {
		atomic.AddInt64(&ran, 1)
	})

	stats := q.Stats()
	if stats.BacklogDepth != 1 {
		t.Errorf("BacklogDepth = %d, want 1 (second task should queue behind the first)", stats.BacklogDepth)
	}
	if stats.ActiveProcessing != 1 {
		t.Errorf("ActiveProcessing = %d, want 1", stats.ActiveProcessing)
	}

	close(release)
	q.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("queued task should have run once the slot freed up")
	}
}

func TestSubmitAfterDisconnectIsNoOp(t *testing.T) {
	q := New(DefaultConfig())
	q.Disconnect()

	var ran int64
	q.Submit(context.Background(), func(ctx context.Context) {
		atomic.AddInt64(&ran, 1)
	})
	q.Wait()

	if atomic.LoadInt64(&ran) != 0 {
		t.Error("task submitted after Disconnect should never run")
	}
}

func TestDisconnectDropsBacklogNotInFlight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentProcessing = 1
	q := New(cfg)

	release := make(chan struct{})
	started := make(chan struct{})
	var inFlightRan int64
	q.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
		atomic.AddInt64(&inFlightRan, 1)
	})
	<-started

	var backlogRan int64
	q.Submit(context.Background(), func(ctx context.Context) {
		atomic.AddInt64(&backlogRan, 1)
	})

	if q.Stats().BacklogDepth != 1 {
		t.Fatal("expected one backlog entry before disconnect")
	}

	q.Disconnect()
	close(release)
	q.Wait()

	if atomic.LoadInt64(&inFlightRan) != 1 {
		t.Error("in-flight task should complete naturally after Disconnect")
	}
	if atomic.LoadInt64(&backlogRan) != 0 {
		t.Error("backlog task should have been dropped by Disconnect, not run")
	}
}

func TestMemoryTriggeredDropPolicy(t *testing.T) {
	cfg := Config{
		MaxConcurrentProcessing: 1,
		Policy:                  PolicyMemoryTriggeredDrop,
		HighWaterMark:           1,
		MemoryPressure:          func() bool { return true },
	}
	q := New(cfg)

	release := make(chan struct{})
	started := make(chan struct{})
	q.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	// Fill the backlog past the high water mark; each push beyond the
	// mark should evict the oldest entry under memory pressure.
	for i := 0; i < 5; i++ {
		q.Submit(context.Background(), func(ctx context.Context) {})
	}

	stats := q.Stats()
	if stats.Dropped == 0 {
		t.Error("expected some backlog entries to be dropped under memory pressure")
	}

	close(release)
	q.Wait()
}

func TestWaitBlocksUntilInFlightComplete(t *testing.T) {
	q := New(DefaultConfig())
	var done int64
	q.Submit(context.Background(), func(ctx context.Context) {
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&done, 1)
	})
	q.Wait()
	if atomic.LoadInt64(&done) != 1 {
		t.Error("Wait returned before the task finished")
	}
}
