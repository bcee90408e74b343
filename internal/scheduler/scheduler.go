// Package scheduler drives the sync coordinator on a timer. The worker
// sleeps in one-second increments so Stop takes effect within roughly a
// second instead of waiting out the full interval.
package scheduler

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	tsync "github.com/marcus/tempo/internal/sync"
)

const (
	// tick is the cancellation-check granularity of the interval sleep.
	tick = time.Second

	// errCooldown is how long the worker backs off after a failed or
	// panicking pass before resuming the normal interval loop.
	errCooldown = 10 * time.Second

	// stopJoinTimeout bounds how long Stop waits for the worker to exit.
	stopJoinTimeout = 5 * time.Second
)

// Runner is the operation the scheduler drives; satisfied by
// *sync.Coordinator.
type Runner interface {
	SyncAll(ctx context.Context, force bool) (bool, tsync.Summary)
}

// Func adapts a plain function to Runner.
type Func func(ctx context.Context, force bool) (bool, tsync.Summary)

func (f Func) SyncAll(ctx context.Context, force bool) (bool, tsync.Summary) { return f(ctx, force) }

// Scheduler owns one background worker per instance. Stopped -> Running
// -> Stopped; Start while running is a warning no-op.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	log      *slog.Logger

	mu     gosync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler that invokes runner every interval.
func New(runner Runner, interval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{runner: runner, interval: interval, log: log}
}

// Running reports whether the background worker is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Start spawns the background worker. Calling Start on a running
// scheduler logs a warning and does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		s.log.Warn("scheduler already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Debug("scheduler started", "interval", s.interval)
}

// Stop cancels the worker and blocks until it has observably exited,
// bounded by stopJoinTimeout. No sync pass starts after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		s.log.Warn("scheduler worker did not exit in time")
	}
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if !s.sleep(ctx, s.interval) {
			return
		}
		if !s.runOnce(ctx) {
			// A persistent failure degrades to periodic retries rather
			// than crashing the scheduler.
			if !s.sleep(ctx, errCooldown) {
				return
			}
		}
	}
}

// runOnce invokes one pass, containing panics. Returns false when the
// pass failed and the loop should cool down.
func (s *Scheduler) runOnce(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled sync panicked", "panic", r)
			ok = false
		}
	}()

	ok, _ = s.runner.SyncAll(ctx, false)
	if !ok {
		s.log.Warn("scheduled sync failed")
	}
	return ok
}

// sleep waits for d in tick increments, returning false once ctx is
// cancelled so Stop latency stays within one tick.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		step := tick
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(step):
		}
	}
}
