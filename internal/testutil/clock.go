package testutil

import (
	"sync"
	"time"
)

// Epoch is the starting instant of every manual clock in tests.
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// ManualClock is a thread-safe clock that only moves when told to.
//
// Tests use it in place of wall time so retention windows, timestamps
// produced by now() and diffTime results are exact and repeatable.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock reading Epoch.
func NewManualClock() *ManualClock {
	return &ManualClock{now: Epoch}
}

// Now returns the current reading.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new reading.
// Negative durations are ignored; the clock never goes backwards.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return c.now
}

// Set moves the clock to t if t is not before the current reading.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}

// Elapsed returns the time since Epoch.
func (c *ManualClock) Elapsed() time.Duration {
	return c.Now().Sub(Epoch)
}
