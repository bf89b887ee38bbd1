// Package scheduler owns the two-snapshot timing protocol: one run at a
// time, change notifications paused while the engine writes to the live
// tree, a settle delay for change-triggered runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/phl/patternwatch/snapshot"
)

// State is the scheduler's position in a run.
type State int32

const (
	Idle State = iota
	SnapshotA
	Waiting
	Diffing
	Reporting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SnapshotA:
		return "snapshot_a"
	case Waiting:
		return "waiting"
	case Diffing:
		return "diffing"
	case Reporting:
		return "reporting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Trigger says why a run was requested.
type Trigger int

const (
	// Redo is an explicit request; it runs immediately.
	Redo Trigger = iota
	// Change is a change notification; the run waits Settle first.
	Change
)

func (t Trigger) String() string {
	if t == Change {
		return "change"
	}
	return "redo"
}

// Config controls run timing.
type Config struct {
	// Delay separates snapshot A from snapshot B. Default: 1536ms.
	Delay time.Duration
	// Settle precedes change-triggered runs. Default: 2s.
	Settle time.Duration
}

func (c *Config) defaults() {
	if c.Delay <= 0 {
		c.Delay = 1536 * time.Millisecond
	}
	if c.Settle <= 0 {
		c.Settle = 2 * time.Second
	}
}

// Pipeline is the work done in one run.
type Pipeline interface {
	// Capture stamps new elements and returns a pruned snapshot.
	Capture(ctx context.Context) (*snapshot.Tree, error)
	// Diff clears previous tags and matches current against previous.
	Diff(ctx context.Context, current, previous *snapshot.Tree) error
	// Report aggregates and publishes results.
	Report(ctx context.Context) error
}

// Notifier delivers change notifications for the live tree. While paused,
// changes are discarded rather than buffered.
type Notifier interface {
	Changes() <-chan struct{}
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Scheduler runs a Pipeline under a single-flight lock.
type Scheduler struct {
	pipeline Pipeline
	notifier Notifier
	config   Config
	logger   *slog.Logger

	busy    atomic.Bool
	state   atomic.Int32
	runs    atomic.Uint64
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// New creates a Scheduler. n may be nil when only explicit requests drive
// runs.
func New(p Pipeline, n Notifier, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{pipeline: p, notifier: n, config: cfg, logger: logger}
}

// State returns the current state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Runs returns the number of completed runs.
func (s *Scheduler) Runs() uint64 { return s.runs.Load() }

// Dropped returns the number of requests dropped because a run was active.
func (s *Scheduler) Dropped() uint64 { return s.dropped.Load() }

// Trigger starts a run in the background. It returns false, without
// queuing anything, when a run is already in flight.
func (s *Scheduler) Trigger(ctx context.Context, t Trigger) bool {
	if !s.acquire(t) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.cycle(ctx, t); err != nil {
			s.logger.Warn("scheduler: run failed", "trigger", t, "error", err)
		}
	}()
	return true
}

// RunOnce runs one cycle synchronously. started is false when another run
// held the lock.
func (s *Scheduler) RunOnce(ctx context.Context, t Trigger) (started bool, err error) {
	if !s.acquire(t) {
		return false, nil
	}
	return true, s.cycle(ctx, t)
}

// Wait blocks until runs started with Trigger have finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Run performs an initial run, then one run per change notification until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler: started", "delay", s.config.Delay, "settle", s.config.Settle)

	if _, err := s.RunOnce(ctx, Redo); err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduler: initial run failed", "error", err)
	}

	var changes <-chan struct{}
	if s.notifier != nil {
		changes = s.notifier.Changes()
	}
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("scheduler: stopped", "runs", s.Runs(), "dropped", s.Dropped())
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if _, err := s.RunOnce(ctx, Change); err != nil && ctx.Err() == nil {
				s.logger.Warn("scheduler: run failed", "trigger", Change, "error", err)
			}
		}
	}
}

func (s *Scheduler) acquire(t Trigger) bool {
	if s.busy.CompareAndSwap(false, true) {
		return true
	}
	s.dropped.Add(1)
	s.logger.Debug("scheduler: run in flight, request dropped", "trigger", t)
	return false
}

func (s *Scheduler) cycle(ctx context.Context, t Trigger) (err error) {
	defer func() {
		s.state.Store(int32(Idle))
		s.busy.Store(false)
	}()

	if s.notifier != nil {
		if err := s.notifier.Pause(ctx); err != nil {
			return fmt.Errorf("scheduler: pause notifications: %w", err)
		}
		// Re-arm even when the run fails or ctx is cancelled.
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if rerr := s.notifier.Resume(rctx); rerr != nil {
				err = errors.Join(err, fmt.Errorf("scheduler: resume notifications: %w", rerr))
			}
		}()
	}

	if t == Change {
		if err := sleep(ctx, s.config.Settle); err != nil {
			return err
		}
	}

	start := time.Now()
	s.state.Store(int32(SnapshotA))
	previous, err := s.pipeline.Capture(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: snapshot a: %w", err)
	}
	defer previous.Release()

	s.state.Store(int32(Waiting))
	if err := sleep(ctx, s.config.Delay); err != nil {
		return err
	}

	s.state.Store(int32(Diffing))
	current, err := s.pipeline.Capture(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: snapshot b: %w", err)
	}
	defer current.Release()
	if err := s.pipeline.Diff(ctx, current, previous); err != nil {
		return fmt.Errorf("scheduler: diff: %w", err)
	}

	s.state.Store(int32(Reporting))
	if err := s.pipeline.Report(ctx); err != nil {
		return fmt.Errorf("scheduler: report: %w", err)
	}

	s.runs.Add(1)
	s.logger.Debug("scheduler: run complete", "trigger", t, "duration", time.Since(start))
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
