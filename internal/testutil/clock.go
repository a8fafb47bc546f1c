package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a test Clock.
var Epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// Clock is a settable wall clock for tests. TTL and timeout tests advance
// it instead of sleeping.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock reading start. A zero start means Epoch.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = Epoch
	}
	return &Clock{now: start}
}

// Now returns the current reading. Its signature matches time.Now so it
// can be passed wherever a clock function is accepted.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
