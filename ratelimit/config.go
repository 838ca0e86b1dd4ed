package ratelimit

import (
	"time"

	"github.com/pkg/errors"
)

const (
	defaultMaxAwaitTime     = 60 * time.Second
	defaultWatchdogInterval = 5 * time.Second
	defaultStallAfter       = 30 * time.Second
	defaultCheckInterval    = 1 * time.Second
	defaultRecoveryInterval = 30 * time.Second
)

type GroupConfig struct {
	Name  string
	Rate  float64 // requests per second at full ratio
	Burst float64

	// MinuteRate adds a second, minute-scale limit to the group.
	// Zero disables it.
	MinuteRate  float64 // requests per minute
	MinuteBurst float64

	DynamicAdjustment bool
	ErrorThreshold    int
	ErrorWindow       time.Duration
	ReductionRatio    float64
	MinRatio          float64
	RecoveryDelay     time.Duration
	RecoveryStep      float64

	PreventiveWindow    time.Duration
	PreventiveUnitDelay time.Duration
	MaxPreventiveDelay  time.Duration
}

func (c GroupConfig) Validate() error {
	if c.Name == "" {
		return errors.New("group name is required")
	}
	if c.Rate <= 0 {
		return errors.Errorf("group '%s': rate must be positive", c.Name)
	}
	if c.Burst <= 0 {
		return errors.Errorf("group '%s': burst must be positive", c.Name)
	}
	if c.MinuteRate < 0 {
		return errors.Errorf("group '%s': minute rate must not be negative", c.Name)
	}
	if c.MinuteRate > 0 && c.MinuteBurst <= 0 {
		return errors.Errorf("group '%s': minute burst must be positive", c.Name)
	}
	if !c.DynamicAdjustment {
		return nil
	}
	if c.ErrorThreshold <= 0 {
		return errors.Errorf("group '%s': error threshold must be positive", c.Name)
	}
	if c.ErrorWindow <= 0 {
		return errors.Errorf("group '%s': error window must be positive", c.Name)
	}
	if c.ReductionRatio <= 0 || c.ReductionRatio >= 1 {
		return errors.Errorf("group '%s': reduction ratio must be in (0, 1)", c.Name)
	}
	if c.MinRatio <= 0 || c.MinRatio > 1 {
		return errors.Errorf("group '%s': min ratio must be in (0, 1]", c.Name)
	}
	if c.RecoveryDelay <= 0 {
		return errors.Errorf("group '%s': recovery delay must be positive", c.Name)
	}
	if c.RecoveryStep <= 0 {
		return errors.Errorf("group '%s': recovery step must be positive", c.Name)
	}
	return nil
}

type EngineConfig struct {
	// MaxAwaitTime is the hard upper bound on any waiter's age. The
	// watchdog force-resolves older waiters with ErrAcquireTimeout.
	MaxAwaitTime     time.Duration
	WatchdogInterval time.Duration

	// StallAfter is how long a background task may go without a
	// heartbeat before the supervisor restarts it.
	StallAfter          time.Duration
	HealthcheckInterval time.Duration

	RecoveryInterval time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxAwaitTime <= 0 {
		c.MaxAwaitTime = defaultMaxAwaitTime
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = defaultWatchdogInterval
	}
	if c.StallAfter <= 0 {
		c.StallAfter = defaultStallAfter
	}
	if c.HealthcheckInterval <= 0 {
		c.HealthcheckInterval = defaultCheckInterval
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = defaultRecoveryInterval
	}
	return c
}
