package ratelimit

import (
	"context"
	"time"
)

// notifier wakes queued waiters of a single group as their admission
// time arrives. It never assumes a computed ready time is still valid:
// the admission test runs again at wake and the waiter re-sleeps if the
// slot moved. The idle interval bounds every sleep so the loop keeps
// heartbeating for the supervisor even when the queue is empty.
type notifier struct {
	group  *groupState
	wakeCh chan struct{}
	idle   time.Duration
}

func newNotifier(group *groupState, idle time.Duration) *notifier {
	return &notifier{
		group:  group,
		wakeCh: make(chan struct{}, 1),
		idle:   idle,
	}
}

// wake nudges the loop after a new waiter was enqueued.
func (n *notifier) wake() {
	select {
	case n.wakeCh <- struct{}{}:
	default:
	}
}

func (n *notifier) run(ctx context.Context, beat func()) error {
	timer := time.NewTimer(n.idle)
	defer timer.Stop()
	for {
		beat()

		wait := n.idle
		untilNext, pending := n.group.serveQueue()
		if pending && untilNext < wait {
			wait = untilNext
		}
		if wait < 0 {
			wait = 0
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.wakeCh:
		case <-timer.C:
		}
	}
}

// watchdog is the last line of defense against caller hangs: whatever
// state the notifiers are in, no waiter outlives maxAwait.
type watchdog struct {
	groups   []*groupState
	maxAwait time.Duration
	interval time.Duration
}

func newWatchdog(groups []*groupState, maxAwait time.Duration, interval time.Duration) *watchdog {
	return &watchdog{
		groups:   groups,
		maxAwait: maxAwait,
		interval: interval,
	}
}

func (w *watchdog) run(ctx context.Context, beat func()) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			beat()
			for _, group := range w.groups {
				group.expireWaiters(w.maxAwait)
			}
		}
	}
}
