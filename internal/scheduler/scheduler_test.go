package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	tsync "github.com/marcus/tempo/internal/sync"
)

func countingRunner(calls *atomic.Int32, ok bool) Func {
	return func(ctx context.Context, force bool) (bool, tsync.Summary) {
		calls.Add(1)
		return ok, tsync.Summary{}
	}
}

func TestRunsOnInterval(t *testing.T) {
	var calls atomic.Int32
	s := New(countingRunner(&calls, true), 20*time.Millisecond, nil)

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := calls.Load(); got < 2 {
		t.Errorf("runner ran %d times, want at least 2", got)
	}
}

func TestStopPreventsFurtherRuns(t *testing.T) {
	var calls atomic.Int32
	s := New(countingRunner(&calls, true), 20*time.Millisecond, nil)

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	if s.Running() {
		t.Error("scheduler still running after Stop")
	}
	after := calls.Load()
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != after {
		t.Errorf("runner ran after Stop: %d -> %d", after, got)
	}
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	var calls atomic.Int32
	s := New(countingRunner(&calls, true), time.Hour, nil)

	s.Start()
	s.Start() // second call must not spawn a second worker
	if !s.Running() {
		t.Fatal("scheduler should be running")
	}

	s.Stop()
	if s.Running() {
		t.Error("scheduler still running after Stop")
	}
}

func TestStopWithoutStartIsNoOp(t *testing.T) {
	var calls atomic.Int32
	s := New(countingRunner(&calls, true), time.Hour, nil)
	s.Stop() // must not panic or block
}

func TestFailureTriggersCooldown(t *testing.T) {
	var calls atomic.Int32
	s := New(countingRunner(&calls, false), 20*time.Millisecond, nil)

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	// The cooldown is much longer than the interval, so no second run
	// happens in this window.
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("runner ran %d times during cooldown, want 1", got)
	}
}

func TestPanickingRunnerDoesNotKillWorker(t *testing.T) {
	var calls atomic.Int32
	runner := Func(func(ctx context.Context, force bool) (bool, tsync.Summary) {
		calls.Add(1)
		panic("worker must survive this")
	})
	s := New(runner, 20*time.Millisecond, nil)

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	if got := calls.Load(); got < 1 {
		t.Fatalf("runner never ran")
	}
	if s.Running() {
		t.Error("scheduler still running after Stop")
	}
}
