// Package timer implements periodic triggers on top of an injected
// scheduler.
//
// A Scheduler is the clock collaborator: it reports the current time and
// runs a callback after a delay. The simulator provides a virtual-time
// scheduler, live mode wraps a wall clock. Periodic triggers never read
// time directly.
package timer

import (
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// Timer is a pending callback that can be stopped.
type Timer interface {
	// Stop prevents the callback from running. Returns false if it has
	// already run or was already stopped.
	Stop() bool
}

// Scheduler is the clock/timer collaborator.
type Scheduler interface {
	Now() time.Time
	Schedule(d time.Duration, fn func()) Timer
}

// Policy describes when a periodic trigger fires.
//
// The first firing happens after Delay. With a zero Period the trigger
// fires once. Otherwise it fires every Period until it has fired Count
// times; a zero Count means forever.
type Policy struct {
	Delay  time.Duration
	Period time.Duration
	Count  int
}

// Once is a fire-once policy.
func Once(delay time.Duration) Policy {
	return Policy{Delay: delay}
}

// Every is a recurring policy with no firing limit.
func Every(delay, period time.Duration) Policy {
	return Policy{Delay: delay, Period: period}
}

// Validate rejects negative durations and counts, and a count above one
// without a period.
func (p Policy) Validate() error {
	if p.Delay < 0 || p.Period < 0 || p.Count < 0 {
		return errors.Newf("invalid periodic policy %s", p)
	}
	if p.Period == 0 && p.Count > 1 {
		return errors.Newf("periodic policy %s fires %d times without a period", p, p.Count)
	}
	return nil
}

// Recurring reports whether the policy fires more than once.
func (p Policy) Recurring() bool {
	return p.Period > 0 && p.Count != 1
}

func (p Policy) String() string {
	if p.Period == 0 {
		return "once after " + p.Delay.String()
	}
	s := "every " + p.Period.String() + " after " + p.Delay.String()
	if p.Count > 0 {
		s += " x" + strconv.Itoa(p.Count)
	}
	return s
}

// Handle controls a scheduled periodic trigger.
//
// Thread-safety: Cancel and Active may be called from any goroutine; the
// scheduler may run the firing callback on another goroutine.
type Handle struct {
	mu        sync.Mutex
	sched     Scheduler
	policy    Policy
	fire      func(*Handle)
	pending   Timer
	fired     int
	cancelled bool
}

// Schedule arms a periodic trigger. fire runs once per firing with the
// handle, so a consumer that queues the firing for later can check
// Active before acting on it.
func Schedule(s Scheduler, p Policy, fire func(*Handle)) (*Handle, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	h := &Handle{sched: s, policy: p, fire: fire}
	h.mu.Lock()
	h.pending = s.Schedule(p.Delay, h.tick)
	h.mu.Unlock()
	return h, nil
}

func (h *Handle) tick() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.fired++
	h.pending = nil
	if h.policy.Recurring() && (h.policy.Count == 0 || h.fired < h.policy.Count) {
		h.pending = h.sched.Schedule(h.policy.Period, h.tick)
	}
	h.mu.Unlock()

	// Run outside the lock so the callback may cancel the handle.
	h.fire(h)
}

// Cancel stops all further firings, including one already delivered to
// the consumer but not yet acted on (Active turns false). Cancelling
// twice is a no-op that returns false.
func (h *Handle) Cancel() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return false
	}
	h.cancelled = true
	if h.pending != nil {
		h.pending.Stop()
		h.pending = nil
	}
	return true
}

// Active reports whether the trigger has not been cancelled.
func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.cancelled
}

// Fired returns the number of firings so far.
func (h *Handle) Fired() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fired
}

// Policy returns the trigger's policy.
func (h *Handle) Policy() Policy {
	return h.policy
}
