package ratelimit

import (
	"time"
)

// gcraCell holds the theoretical arrival time for one rate scale of a
// group. The cell itself is not synchronized, callers go through the
// group mutex.
type gcraCell struct {
	rate  float64 // requests per second at full ratio
	burst float64
	tat   time.Time
}

// check computes the admission decision at now without mutating the
// cell. newTat is meaningful only on admission, readyAt only on denial.
// Burst below 1 yields a negative tolerance, i.e. spacing stricter than
// the plain emission interval.
func (c *gcraCell) check(now time.Time, ratio float64) (admitted bool, newTat time.Time, readyAt time.Time) {
	interval := emissionInterval(c.rate, ratio)
	tolerance := time.Duration((c.burst - 1) * float64(interval))
	allowAt := c.tat.Add(-tolerance)
	if now.Before(allowAt) {
		return false, time.Time{}, allowAt
	}

	tat := c.tat
	if now.After(tat) {
		tat = now
	}
	return true, tat.Add(interval), time.Time{}
}

func (c *gcraCell) commit(newTat time.Time) {
	c.tat = newTat
}

func emissionInterval(rate float64, ratio float64) time.Duration {
	return time.Duration(float64(time.Second) / (rate * ratio))
}
