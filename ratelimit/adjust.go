package ratelimit

import (
	"context"
	"time"
)

// notifyViolation records an upstream rate-limit rejection. When enough
// fresh violations accumulate after the previous reduction the granted
// ratio shrinks multiplicatively, bounded below by MinRatio. Violations
// counted into a reduction do not count again, one error burst produces
// one reduction.
func (g *groupState) notifyViolation(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stats.violations.Add(1)
	g.lastViolation = now
	g.violations = append(g.violations, now)
	g.pruneViolationsLocked(now)

	if !g.cfg.DynamicAdjustment {
		return
	}
	fresh := 0
	for _, ts := range g.violations {
		if now.Sub(ts) <= g.cfg.ErrorWindow && ts.After(g.lastReduction) {
			fresh++
		}
	}
	if fresh < g.cfg.ErrorThreshold {
		return
	}

	reduced := g.ratio * g.cfg.ReductionRatio
	if reduced < g.cfg.MinRatio {
		reduced = g.cfg.MinRatio
	}
	g.ratio = reduced
	g.lastReduction = now
}

func (g *groupState) pruneViolationsLocked(now time.Time) {
	window := g.cfg.ErrorWindow
	if g.cfg.PreventiveWindow > window {
		window = g.cfg.PreventiveWindow
	}
	kept := g.violations[:0]
	for _, ts := range g.violations {
		if now.Sub(ts) <= window {
			kept = append(kept, ts)
		}
	}
	if len(kept) > violationHistoryLimit {
		kept = kept[len(kept)-violationHistoryLimit:]
	}
	g.violations = kept
}

// recoverStep restores a throttled group by one additive step once the
// last reduction is old enough. Called from the shared recovery tick.
func (g *groupState) recoverStep(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ratio >= 1.0 {
		return
	}
	if now.Sub(g.lastReduction) < g.cfg.RecoveryDelay {
		return
	}
	ratio := g.ratio + g.cfg.RecoveryStep
	if ratio > 1.0 {
		ratio = 1.0
	}
	g.ratio = ratio
}

// preventiveDelay computes the proactive delay applied before the
// admission attempt. It grows with the number of recent violations and
// decays linearly since the most recent one. Independent of the GCRA
// check.
func (g *groupState) preventiveDelay(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.PreventiveWindow <= 0 || g.lastViolation.IsZero() {
		return 0
	}
	sinceLast := now.Sub(g.lastViolation)
	if sinceLast >= g.cfg.PreventiveWindow {
		return 0
	}

	count := 0
	for _, ts := range g.violations {
		if now.Sub(ts) <= g.cfg.PreventiveWindow {
			count++
		}
	}
	base := time.Duration(count) * g.cfg.PreventiveUnitDelay
	if base > g.cfg.MaxPreventiveDelay {
		base = g.cfg.MaxPreventiveDelay
	}
	decay := 1 - float64(sinceLast)/float64(g.cfg.PreventiveWindow)
	if decay < 0 {
		decay = 0
	}
	return time.Duration(float64(base) * decay)
}

// recovery is the single shared loop restoring throttled groups. One
// instance serves all groups, each group decides its own eligibility.
type recovery struct {
	groups   []*groupState
	interval time.Duration
	now      func() time.Time
}

func newRecovery(groups []*groupState, interval time.Duration, now func() time.Time) *recovery {
	return &recovery{
		groups:   groups,
		interval: interval,
		now:      now,
	}
}

func (r *recovery) run(ctx context.Context, beat func()) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			beat()
			r.tick()
		}
	}
}

func (r *recovery) tick() {
	now := r.now()
	for _, group := range r.groups {
		group.recoverStep(now)
	}
}
