package live

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roach88/ndrt/internal/timer"
)

// Scheduler adapts a clock.Clock to timer.Scheduler. Callbacks run on
// the clock's goroutines, so they must only enqueue work.
type Scheduler struct {
	clock clock.Clock
}

// NewScheduler wraps c. A nil clock means the wall clock.
func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c}
}

// Now implements timer.Scheduler.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Schedule implements timer.Scheduler.
func (s *Scheduler) Schedule(d time.Duration, fn func()) timer.Timer {
	if d < 0 {
		d = 0
	}
	return s.clock.AfterFunc(d, fn)
}

// Clock returns the underlying clock.
func (s *Scheduler) Clock() clock.Clock { return s.clock }
