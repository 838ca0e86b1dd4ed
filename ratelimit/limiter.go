package ratelimit

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/txix-open/isp-kit/log"
	"quota-gate-service/domain"
)

// ErrAcquireTimeout is returned when the watchdog force-resolves a wait
// that exceeded the configured maximum. The caller may simply retry.
var ErrAcquireTimeout = errors.New("rate limit: admission wait timed out")

// Limiter is the admission-control engine. One Acquire call per
// outbound request, one NotifyViolation call per upstream rate-limit
// rejection. Background tasks are started explicitly by Start and
// stopped by Close.
type Limiter struct {
	logger     log.Logger
	cfg        EngineConfig
	groups     map[string]*groupState
	names      []string
	notifiers  map[string]*notifier
	supervisor *supervisor

	now    func() time.Time
	cancel context.CancelFunc
}

func New(logger log.Logger, cfg EngineConfig, groups []GroupConfig) (*Limiter, error) {
	if len(groups) == 0 {
		return nil, errors.New("at least one rate limit group is required")
	}
	cfg = cfg.withDefaults()
	now := time.Now

	l := &Limiter{
		logger:    logger,
		cfg:       cfg,
		groups:    make(map[string]*groupState),
		notifiers: make(map[string]*notifier),
		now:       now,
	}
	states := make([]*groupState, 0, len(groups))
	for _, groupCfg := range groups {
		err := groupCfg.Validate()
		if err != nil {
			return nil, errors.WithMessage(err, "validate group config")
		}
		if _, ok := l.groups[groupCfg.Name]; ok {
			return nil, errors.Errorf("duplicated rate limit group '%s'", groupCfg.Name)
		}
		state := newGroupState(groupCfg, now)
		l.groups[groupCfg.Name] = state
		l.names = append(l.names, groupCfg.Name)
		states = append(states, state)
	}
	sort.Strings(l.names)

	l.supervisor = newSupervisor(logger, cfg.StallAfter, cfg.HealthcheckInterval, now)
	for _, name := range l.names {
		state := l.groups[name]
		n := newNotifier(state, cfg.HealthcheckInterval)
		l.notifiers[name] = n
		l.supervisor.add(newTask("notifier/"+name, n.run))
	}
	l.supervisor.add(newTask("recovery", newRecovery(states, cfg.RecoveryInterval, now).run))
	l.supervisor.add(newTask("watchdog", newWatchdog(states, cfg.MaxAwaitTime, cfg.WatchdogInterval).run))

	return l, nil
}

// Start launches the per-group notifiers, the recovery loop and the
// watchdog under supervision.
func (l *Limiter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.supervisor.start(ctx)
}

// Close stops all background tasks, waits for them and force-resolves
// every still-queued waiter with the timeout outcome. No Acquire call
// outlives the engine, callers get the same retryable error the
// watchdog produces.
func (l *Limiter) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.supervisor.wait()
	for _, name := range l.names {
		l.groups[name].drainWaiters()
	}
	return nil
}

// Acquire blocks until the group admits one more call. Throttling is
// normal control flow and never returns an error; only caller
// cancellation or the watchdog bound end the wait early.
func (l *Limiter) Acquire(ctx context.Context, group string, label string) error {
	state, ok := l.groups[group]
	if !ok {
		return errors.Errorf("unknown rate limit group '%s'", group)
	}

	delay := state.preventiveDelay(l.now())
	if delay > 0 {
		err := sleepContext(ctx, delay)
		if err != nil {
			return err
		}
	}

	w, admitted := state.admitOrEnqueue(label)
	if admitted {
		return nil
	}
	l.notifiers[group].wake()

	select {
	case outcome := <-w.done:
		return outcomeErr(outcome)
	case <-ctx.Done():
		if state.cancel(w) {
			return ctx.Err()
		}
		// lost the race against the notifier or the watchdog
		return outcomeErr(<-w.done)
	}
}

// NotifyViolation feeds an observed upstream rejection into the
// adjustment controller. Unknown groups are ignored, error handling
// call sites should never fail on reporting.
func (l *Limiter) NotifyViolation(group string) {
	state, ok := l.groups[group]
	if !ok {
		return
	}
	state.notifyViolation(l.now())
}

// Status returns a read-only snapshot for observability. It takes each
// group lock briefly and never blocks on admission.
func (l *Limiter) Status() domain.EngineStatus {
	groups := make([]domain.GroupStatus, 0, len(l.names))
	for _, name := range l.names {
		state := l.groups[name]
		ratio := state.currentRatio()
		effectiveRate := state.cfg.Rate * ratio
		if state.minute != nil {
			minuteRate := state.cfg.MinuteRate / 60 * ratio
			if minuteRate < effectiveRate {
				effectiveRate = minuteRate
			}
		}
		groups = append(groups, domain.GroupStatus{
			Group:                name,
			Ratio:                ratio,
			EffectiveRate:        effectiveRate,
			QueueDepth:           state.queueDepth(),
			TotalGranted:         state.stats.granted.Load(),
			TotalQueued:          state.stats.queued.Load(),
			TotalViolations:      state.stats.violations.Load(),
			TotalTimeouts:        state.stats.timeouts.Load(),
			MaxConcurrentWaiters: state.stats.maxWaiters.Load(),
		})
	}
	restarts, lastFailure := l.supervisor.status()
	return domain.EngineStatus{
		Groups:          groups,
		TaskRestarts:    restarts,
		LastTaskFailure: lastFailure,
	}
}

func outcomeErr(outcome waiterOutcome) error {
	if outcome == outcomeTimeout {
		return ErrAcquireTimeout
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
