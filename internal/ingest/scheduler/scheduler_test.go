package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	errors "github.com/Laisky/errors/v2"
	"github.com/stretchr/testify/require"

	"github.com/Laisky/docingest/internal/ingest/processor"
	"github.com/Laisky/docingest/internal/ingest/settings"
)

// fakeQueue hands out remaining jobs and tracks concurrent calls.
type fakeQueue struct {
	remaining atomic.Int64
	current   atomic.Int64
	peak      atomic.Int64
	processed atomic.Int64
	counts    atomic.Int64
	delay     time.Duration
	process   func(ctx context.Context) (bool, error)
}

func (q *fakeQueue) ProcessNext(ctx context.Context) (bool, error) {
	cur := q.current.Add(1)
	defer q.current.Add(-1)
	for {
		peak := q.peak.Load()
		if cur <= peak || q.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	if q.process != nil {
		return q.process(ctx)
	}
	time.Sleep(q.delay)
	if q.remaining.Add(-1) < 0 {
		q.remaining.Add(1)
		return false, nil
	}
	q.processed.Add(1)
	return true, nil
}

func (q *fakeQueue) CountPending(context.Context) (int64, error) {
	q.counts.Add(1)
	return q.remaining.Load(), nil
}

// waitReconciled blocks until the loop has done its startup recount.
func waitReconciled(t *testing.T, q *fakeQueue) {
	require.Eventually(t, func() bool { return q.counts.Load() > 0 }, 5*time.Second, time.Millisecond)
}

func testSettings(limit int) settings.ProcessorSettings {
	return settings.ProcessorSettings{
		MaxActiveProcess:  limit,
		ReconcileInterval: time.Hour,
		IdleInterval:      10 * time.Millisecond,
	}
}

// runScheduler starts Run in the background and returns its result channel.
func runScheduler(ctx context.Context, s *Scheduler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

// TestBurstNeverExceedsLimit verifies a burst of notifications never runs more than the limit at once.
func TestBurstNeverExceedsLimit(t *testing.T) {
	q := &fakeQueue{delay: 5 * time.Millisecond}
	s, err := New(q, q, testSettings(3))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runScheduler(ctx, s)

	const burst = 40
	q.remaining.Store(burst)
	for range burst {
		s.Notify()
	}

	require.Eventually(t, func() bool {
		return q.processed.Load() == burst
	}, 10*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.LessOrEqual(t, q.peak.Load(), int64(3))
	require.Zero(t, s.Stats().InFlight)
	require.EqualValues(t, burst, s.Stats().Completed)
}

// TestReconcilePicksUpMissedFiles verifies files queued without notifications are found by the recount.
func TestReconcilePicksUpMissedFiles(t *testing.T) {
	q := &fakeQueue{}
	q.remaining.Store(5)
	s, err := New(q, q, testSettings(2))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runScheduler(ctx, s)

	require.Eventually(t, func() bool {
		return q.processed.Load() == 5
	}, 5*time.Second, 5*time.Millisecond)

	q.remaining.Store(2)
	s.RequestReconcile()
	require.Eventually(t, func() bool {
		return q.processed.Load() == 7
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// TestClaimMissClearsEstimate verifies an empty claim resets the advisory estimate.
func TestClaimMissClearsEstimate(t *testing.T) {
	q := &fakeQueue{}
	s, err := New(q, q, testSettings(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runScheduler(ctx, s)
	waitReconciled(t, q)

	s.pending.Add(9)
	s.signal()
	require.Eventually(t, func() bool {
		return s.Stats().Pending == 0 && s.Stats().InFlight == 0
	}, 5*time.Second, 5*time.Millisecond)
	require.Zero(t, q.processed.Load())

	cancel()
	require.NoError(t, <-done)
}

// TestTaskFailuresAreIsolated verifies errors and panics release their slot and do not stop the loop.
func TestTaskFailuresAreIsolated(t *testing.T) {
	var calls atomic.Int64
	q := &fakeQueue{}
	q.process = func(context.Context) (bool, error) {
		switch calls.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return true, errors.New("database went away")
		case 3:
			return true, nil
		default:
			return false, nil
		}
	}
	s, err := New(q, q, testSettings(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runScheduler(ctx, s)
	waitReconciled(t, q)

	for range 3 {
		s.Notify()
	}
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Completed == 1 && st.Errors == 2 && st.InFlight == 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// TestFatalErrorStopsScheduler verifies a fatal task error ends Run after in-flight tasks finish.
func TestFatalErrorStopsScheduler(t *testing.T) {
	release := make(chan struct{})
	var (
		calls    atomic.Int64
		slowDone atomic.Bool
	)
	q := &fakeQueue{}
	q.process = func(context.Context) (bool, error) {
		if calls.Add(1) == 1 {
			<-release
			slowDone.Store(true)
			return true, nil
		}
		return true, processor.NewError(processor.ErrCodeUnsupportedMediaType, "unsupported", false)
	}
	s, err := New(q, q, testSettings(2))
	require.NoError(t, err)

	done := runScheduler(context.Background(), s)
	waitReconciled(t, q)
	s.Notify()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	s.Notify()

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("scheduler returned before the in-flight task finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	err = <-done
	require.True(t, processor.IsCode(err, processor.ErrCodeUnsupportedMediaType))
	require.True(t, slowDone.Load())
}

// TestShutdownLetsTasksFinish verifies cancellation is not propagated into running tasks.
func TestShutdownLetsTasksFinish(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var (
		once    sync.Once
		taskErr atomic.Value
	)
	q := &fakeQueue{}
	q.process = func(ctx context.Context) (bool, error) {
		once.Do(func() { close(started) })
		<-release
		taskErr.Store(ctx.Err() == nil)
		return true, nil
	}
	s, err := New(q, q, testSettings(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runScheduler(ctx, s)
	waitReconciled(t, q)
	s.Notify()
	<-started

	cancel()
	select {
	case <-done:
		t.Fatal("scheduler returned before the in-flight task finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	require.Equal(t, true, taskErr.Load())
}

// TestRunRejectsConcurrentRuns verifies a scheduler runs one loop at a time.
func TestRunRejectsConcurrentRuns(t *testing.T) {
	q := &fakeQueue{}
	s, err := New(q, q, testSettings(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runScheduler(ctx, s)
	require.Eventually(t, func() bool { return s.running.Load() }, time.Second, time.Millisecond)
	require.Error(t, s.Run(ctx))
	cancel()
	require.NoError(t, <-done)
}
