package proctor

import "github.com/stemsi/exstem-proctor/internal/model"

// DefaultGraceTicks is how many one-second ticks a condition must persist before it counts.
const DefaultGraceTicks = 3

// ViolationClock is a single-shot, restartable countdown that turns a
// sustained anomaly into one escalation. It is not safe for concurrent use;
// the session owns it under its own lock.
type ViolationClock struct {
	grace     int
	pending   bool
	remaining int
	reason    model.ViolationReason
}

// NewViolationClock creates a clock with the given grace window in ticks.
func NewViolationClock(grace int) *ViolationClock {
	if grace <= 0 {
		grace = DefaultGraceTicks
	}
	return &ViolationClock{grace: grace}
}

// Arm starts a countdown for reason. While a countdown is pending the call is
// a no-op and the pending reason is kept. Reports whether a countdown started.
func (c *ViolationClock) Arm(reason model.ViolationReason) bool {
	if c.pending {
		return false
	}
	c.pending = true
	c.remaining = c.grace
	c.reason = reason
	return true
}

// Tick advances a pending countdown by one. When it reaches zero the clock
// fires once, returns the reason and disarms.
func (c *ViolationClock) Tick() (model.ViolationReason, bool) {
	if !c.pending {
		return "", false
	}
	c.remaining--
	if c.remaining > 0 {
		return "", false
	}
	reason := c.reason
	c.reset()
	return reason, true
}

// Cancel silently drops a pending countdown. Reports whether one was pending.
func (c *ViolationClock) Cancel() bool {
	if !c.pending {
		return false
	}
	c.reset()
	return true
}

// Pending returns the reason and remaining ticks of the active countdown.
func (c *ViolationClock) Pending() (model.ViolationReason, int, bool) {
	return c.reason, c.remaining, c.pending
}

func (c *ViolationClock) reset() {
	c.pending = false
	c.remaining = 0
	c.reason = ""
}
