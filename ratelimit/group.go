package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maximum number of violation timestamps kept per group, the oldest are
// dropped first
const violationHistoryLimit = 128

type groupStats struct {
	granted    atomic.Int64
	queued     atomic.Int64
	violations atomic.Int64
	timeouts   atomic.Int64
	maxWaiters atomic.Int64
}

func (s *groupStats) observeDepth(depth int) {
	for {
		current := s.maxWaiters.Load()
		if int64(depth) <= current {
			return
		}
		if s.maxWaiters.CompareAndSwap(current, int64(depth)) {
			return
		}
	}
}

// groupState is the only mutable state of a group. Every field below the
// mutex is read and written under it, both from callers and from the
// background tasks, so all admission decisions for the group are
// linearizable. Groups never share locks.
type groupState struct {
	cfg GroupConfig
	now func() time.Time

	mu     sync.Mutex
	second gcraCell
	minute *gcraCell

	ratio          float64
	violations     []time.Time
	lastViolation  time.Time
	lastReduction  time.Time
	queue          *waiterQueue

	stats groupStats
}

func newGroupState(cfg GroupConfig, now func() time.Time) *groupState {
	g := &groupState{
		cfg:    cfg,
		now:    now,
		second: gcraCell{rate: cfg.Rate, burst: cfg.Burst},
		ratio:  1.0,
		queue:  newWaiterQueue(),
	}
	if cfg.MinuteRate > 0 {
		g.minute = &gcraCell{rate: cfg.MinuteRate / 60, burst: cfg.MinuteBurst}
	}
	return g
}

// tryConsumeLocked runs the admission test for a single slot. For
// dual-limit groups both scales must admit, a denial by either one
// leaves both cells untouched so the blocked scale cannot drift the
// other. On denial the returned time is the later of the two scales'
// next admission times.
func (g *groupState) tryConsumeLocked(now time.Time) (bool, time.Time) {
	admitted, newTat, readyAt := g.second.check(now, g.ratio)
	if g.minute == nil {
		if !admitted {
			return false, readyAt
		}
		g.second.commit(newTat)
		return true, now
	}

	minuteAdmitted, minuteTat, minuteReadyAt := g.minute.check(now, g.ratio)
	if !admitted || !minuteAdmitted {
		if minuteReadyAt.After(readyAt) {
			readyAt = minuteReadyAt
		}
		return false, readyAt
	}
	g.second.commit(newTat)
	g.minute.commit(minuteTat)
	return true, now
}

// nextAvailableLocked is tryConsumeLocked without the commit.
func (g *groupState) nextAvailableLocked(now time.Time) time.Time {
	admitted, _, readyAt := g.second.check(now, g.ratio)
	if admitted {
		readyAt = now
	}
	if g.minute == nil {
		return readyAt
	}
	minuteAdmitted, _, minuteReadyAt := g.minute.check(now, g.ratio)
	if minuteAdmitted {
		minuteReadyAt = now
	}
	if minuteReadyAt.After(readyAt) {
		readyAt = minuteReadyAt
	}
	return readyAt
}

// admitOrEnqueue is the caller-side entry point. While the queue is not
// empty new arrivals always join its tail, even if a slot happens to be
// free, so queued waiters keep their position.
func (g *groupState) admitOrEnqueue(label string) (*waiter, bool) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.queue.len() == 0 {
		admitted, _ := g.tryConsumeLocked(now)
		if admitted {
			g.stats.granted.Add(1)
			return nil, true
		}
	}

	w := &waiter{
		id:         uuid.NewString(),
		label:      label,
		enqueuedAt: now,
		readyAt:    g.nextAvailableLocked(now),
		done:       make(chan waiterOutcome, 1),
	}
	depth := g.queue.push(w)
	g.stats.queued.Add(1)
	g.stats.observeDepth(depth)
	return w, false
}

// serveQueue admits every due waiter at the head of the queue in arrival
// order. It returns the delay until the next waiter is due and whether
// any waiter remains queued.
func (g *groupState) serveQueue() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		head := g.queue.head()
		if head == nil {
			return 0, false
		}
		now := g.now()
		if now.Before(head.readyAt) {
			return head.readyAt.Sub(now), true
		}
		admitted, readyAt := g.tryConsumeLocked(now)
		if !admitted {
			// the slot moved, e.g. the ratio was just reduced
			head.readyAt = readyAt
			return readyAt.Sub(now), true
		}
		g.resolveLocked(head, outcomeGranted)
		g.stats.granted.Add(1)
	}
}

func (g *groupState) resolveLocked(w *waiter, outcome waiterOutcome) {
	if w.resolved {
		return
	}
	w.resolved = true
	g.queue.remove(w.id)
	w.done <- outcome
}

// cancel withdraws a still-queued waiter. It reports false if the waiter
// was already resolved, in which case the caller must consume the
// outcome instead.
func (g *groupState) cancel(w *waiter) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w.resolved {
		return false
	}
	w.resolved = true
	g.queue.remove(w.id)
	return true
}

// expireWaiters force-resolves every waiter older than maxAge with a
// timeout outcome. The queue is FIFO, so the scan stops at the first
// young enough entry.
func (g *groupState) expireWaiters(maxAge time.Duration) int {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	expired := 0
	for {
		head := g.queue.head()
		if head == nil || now.Sub(head.enqueuedAt) <= maxAge {
			break
		}
		g.resolveLocked(head, outcomeTimeout)
		g.stats.timeouts.Add(1)
		expired++
	}
	return expired
}

// drainWaiters force-resolves every queued waiter with the timeout
// outcome regardless of age. Engine teardown only.
func (g *groupState) drainWaiters() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		head := g.queue.head()
		if head == nil {
			return
		}
		g.resolveLocked(head, outcomeTimeout)
		g.stats.timeouts.Add(1)
	}
}

func (g *groupState) currentRatio() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ratio
}

func (g *groupState) queueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queue.len()
}
