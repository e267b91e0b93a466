// Package scheduler dispatches queued files to a bounded pool of processing tasks.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	errors "github.com/Laisky/errors/v2"
	logSDK "github.com/Laisky/go-utils/v6/log"
	"github.com/Laisky/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Laisky/docingest/internal/ingest/processor"
	"github.com/Laisky/docingest/internal/ingest/settings"
	"github.com/Laisky/docingest/library/log"
)

// Processor handles one queued file per call.
type Processor interface {
	ProcessNext(ctx context.Context) (claimed bool, err error)
}

// Counter returns the authoritative queue depth.
type Counter interface {
	CountPending(ctx context.Context) (int64, error)
}

// Stats is a snapshot of the scheduler counters.
type Stats struct {
	Pending   int64 `json:"pending"`
	InFlight  int64 `json:"in_flight"`
	Limit     int   `json:"limit"`
	Completed int64 `json:"completed"`
	Errors    int64 `json:"errors"`
}

// Scheduler keeps an advisory pending estimate and runs at most limit tasks at once.
//
// The estimate is raised by Notify, replaced by periodic reconciliation and
// cleared when a task finds the queue empty. It only decides whether polling
// is worthwhile; claiming a row is what actually decides who processes a file.
type Scheduler struct {
	proc    Processor
	counter Counter
	logger  logSDK.Logger

	limit             int
	reconcileInterval time.Duration
	idleInterval      time.Duration

	pending   atomic.Int64
	inFlight  atomic.Int64
	completed atomic.Int64
	errored   atomic.Int64

	reconcileRequested atomic.Bool
	wake               chan struct{}
	running            atomic.Bool
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger logSDK.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a scheduler from processor settings.
func New(proc Processor, counter Counter, cfg settings.ProcessorSettings, opts ...Option) (*Scheduler, error) {
	if proc == nil {
		return nil, errors.New("processor is required")
	}
	if counter == nil {
		return nil, errors.New("pending counter is required")
	}

	s := &Scheduler{
		proc:              proc,
		counter:           counter,
		logger:            log.Logger.Named("scheduler"),
		limit:             cfg.MaxActiveProcess,
		reconcileInterval: cfg.ReconcileInterval,
		idleInterval:      cfg.IdleInterval,
		wake:              make(chan struct{}, 1),
	}
	if s.limit <= 0 {
		s.limit = 1
	}
	if s.reconcileInterval <= 0 {
		s.reconcileInterval = 5 * time.Minute
	}
	if s.idleInterval <= 0 {
		s.idleInterval = 3 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Notify records one newly inserted file.
func (s *Scheduler) Notify() {
	s.pending.Add(1)
	s.signal()
}

// RequestReconcile asks the loop to recount the queue on its next iteration.
func (s *Scheduler) RequestReconcile() {
	s.reconcileRequested.Store(true)
	s.signal()
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Pending:   s.pending.Load(),
		InFlight:  s.inFlight.Load(),
		Limit:     s.limit,
		Completed: s.completed.Load(),
		Errors:    s.errored.Load(),
	}
}

// signal wakes the loop without blocking.
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run dispatches tasks until ctx is cancelled or a task hits a fatal error.
// Either way it stops spawning and waits for in-flight tasks; tasks are not
// cancelled, so each reaches its commit or rollback. It returns the fatal
// error, or nil after a normal shutdown.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler is already running")
	}
	defer s.running.Store(false)

	var group errgroup.Group
	group.SetLimit(s.limit)
	fatal := make(chan error, 1)
	var lastReconcile time.Time

	s.logger.Info("scheduler started",
		zap.Int("limit", s.limit),
		zap.Duration("reconcile_interval", s.reconcileInterval))

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case runErr = <-fatal:
			s.logger.Error("fatal processing error, stop dispatching", zap.Error(runErr))
			break loop
		default:
		}

		if s.reconcileRequested.Swap(false) || time.Since(lastReconcile) >= s.reconcileInterval {
			s.reconcile(ctx)
			lastReconcile = time.Now()
		}

		for s.pending.Load() > 0 && s.inFlight.Load() < int64(s.limit) {
			s.pending.Add(-1)
			s.inFlight.Add(1)
			group.Go(s.task(ctx, fatal))
		}

		s.wait(ctx)
	}

	if inFlight := s.inFlight.Load(); inFlight > 0 {
		s.logger.Info("waiting for in-flight tasks", zap.Int64("in_flight", inFlight))
	}
	_ = group.Wait()

	if runErr == nil {
		select {
		case runErr = <-fatal:
		default:
		}
	}
	s.logger.Info("scheduler stopped", zap.Error(runErr))
	return runErr
}

// reconcile replaces the estimate with a fresh count.
func (s *Scheduler) reconcile(ctx context.Context) {
	count, err := s.counter.CountPending(ctx)
	if err != nil {
		s.logger.Warn("reconcile pending count", zap.Error(err))
		return
	}
	if prev := s.pending.Swap(count); prev != count {
		s.logger.Debug("pending estimate reconciled",
			zap.Int64("previous", prev), zap.Int64("current", count))
	}
}

// wait sleeps for the idle interval or until something changes.
func (s *Scheduler) wait(ctx context.Context) {
	if s.pending.Load() > 0 && s.inFlight.Load() < int64(s.limit) {
		return
	}

	timer := time.NewTimer(s.idleInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-timer.C:
	}
}

// task returns one pool job. The in-flight slot is released on every exit path.
func (s *Scheduler) task(ctx context.Context, fatal chan<- error) func() error {
	taskCtx := context.WithoutCancel(ctx)
	return func() error {
		defer func() {
			if r := recover(); r != nil {
				s.errored.Add(1)
				s.logger.Error("file task panicked", zap.String("panic", fmt.Sprint(r)))
			}
			s.inFlight.Add(-1)
			s.signal()
		}()

		claimed, err := s.proc.ProcessNext(taskCtx)
		switch {
		case err != nil && processor.IsFatal(err):
			select {
			case fatal <- err:
			default:
			}
			s.signal()
		case err != nil:
			s.errored.Add(1)
			s.logger.Error("process file", zap.Error(err))
		case !claimed:
			s.pending.Store(0)
		default:
			s.completed.Add(1)
		}
		return nil
	}
}
