package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/txix-open/isp-kit/log"
)

const (
	initialRestartBackoff    = 100 * time.Millisecond
	maxRestartBackoff        = 5 * time.Second
	restartBackoffResetAfter = 1 * time.Minute
)

// task is a restartable background unit: a notifier, the recovery loop
// or the watchdog. The run function must heartbeat through beat and
// return promptly when its context is cancelled.
type task struct {
	name string
	run  func(ctx context.Context, beat func()) error

	lastBeat atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

func newTask(name string, run func(ctx context.Context, beat func()) error) *task {
	return &task{
		name: name,
		run:  run,
	}
}

func (t *task) beat(now time.Time) {
	t.lastBeat.Store(now.UnixNano())
}

func (t *task) setCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = cancel
}

func (t *task) interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// supervisor keeps every background task alive: a task that panics or
// returns is restarted with capped exponential backoff, a task whose
// heartbeat stalls is interrupted and restarted. Restarts repeat
// forever and are never surfaced to callers, only counted for status.
type supervisor struct {
	logger        log.Logger
	stallAfter    time.Duration
	checkInterval time.Duration
	now           func() time.Time

	tasks       []*task
	wg          sync.WaitGroup
	restarts    atomic.Int64
	lastFailure atomic.Value // string
}

func newSupervisor(logger log.Logger, stallAfter time.Duration, checkInterval time.Duration, now func() time.Time) *supervisor {
	return &supervisor{
		logger:        logger,
		stallAfter:    stallAfter,
		checkInterval: checkInterval,
		now:           now,
	}
}

func (s *supervisor) add(t *task) {
	s.tasks = append(s.tasks, t)
}

func (s *supervisor) start(ctx context.Context) {
	for _, t := range s.tasks {
		t.beat(s.now())
		s.wg.Add(1)
		go s.supervise(ctx, t)
	}
	s.wg.Add(1)
	go s.monitor(ctx)
}

func (s *supervisor) wait() {
	s.wg.Wait()
}

func (s *supervisor) supervise(ctx context.Context, t *task) {
	defer s.wg.Done()

	backoff := initialRestartBackoff
	for {
		startedAt := s.now()
		err := s.runOnce(ctx, t)
		if ctx.Err() != nil {
			return
		}

		reason := "task returned"
		if err != nil {
			reason = err.Error()
		}
		s.restarts.Add(1)
		s.lastFailure.Store(t.name + ": " + reason)
		s.logger.Error(ctx, "rate limit background task terminated, restarting",
			log.String("task", t.name),
			log.String("reason", reason),
		)

		if s.now().Sub(startedAt) > restartBackoffResetAfter {
			backoff = initialRestartBackoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxRestartBackoff {
			backoff = maxRestartBackoff
		}
	}
}

func (s *supervisor) runOnce(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.setCancel(cancel)
	t.beat(s.now())

	return t.run(taskCtx, func() {
		t.beat(s.now())
	})
}

// monitor interrupts tasks whose heartbeat is older than stallAfter.
// The interrupted task falls back into its supervise loop and is
// started again from scratch.
func (s *supervisor) monitor(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := s.now()
		for _, t := range s.tasks {
			lastBeat := time.Unix(0, t.lastBeat.Load())
			if now.Sub(lastBeat) < s.stallAfter {
				continue
			}
			s.logger.Error(ctx, "rate limit background task stalled, interrupting",
				log.String("task", t.name),
				log.String("lastHeartbeat", lastBeat.Format(time.RFC3339)),
			)
			t.beat(now)
			t.interrupt()
		}
	}
}

func (s *supervisor) status() (int64, string) {
	failure, _ := s.lastFailure.Load().(string)
	return s.restarts.Load(), failure
}
