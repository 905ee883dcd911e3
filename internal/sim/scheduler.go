package sim

import (
	"time"

	"github.com/google/btree"

	"github.com/roach88/ndrt/internal/timer"
)

const btreeDegree = 16

// Scheduler is a discrete-event scheduler over virtual time.
// It implements timer.Scheduler. Not safe for concurrent use.
type Scheduler struct {
	now    time.Time
	queue  *btree.BTree
	seq    uint64
	after  []func()
	steps  int
	active bool
}

type pending struct {
	at      time.Time
	seq     uint64
	fn      func()
	stopped bool
	ran     bool
}

func (p *pending) Less(than btree.Item) bool {
	o := than.(*pending)
	if !p.at.Equal(o.at) {
		return p.at.Before(o.at)
	}
	return p.seq < o.seq
}

// NewScheduler creates a scheduler whose clock reads start.
func NewScheduler(start time.Time) *Scheduler {
	return &Scheduler{now: start, queue: btree.New(btreeDegree)}
}

// Now returns the virtual time.
func (s *Scheduler) Now() time.Time { return s.now }

// Schedule runs fn once virtual time has advanced by d. Negative delays
// count as zero. Callbacks at the same instant run in scheduling order.
func (s *Scheduler) Schedule(d time.Duration, fn func()) timer.Timer {
	if d < 0 {
		d = 0
	}
	s.seq++
	p := &pending{at: s.now.Add(d), seq: s.seq, fn: fn}
	s.queue.ReplaceOrInsert(p)
	return &simTimer{s: s, p: p}
}

type simTimer struct {
	s *Scheduler
	p *pending
}

// Stop implements timer.Timer.
func (t *simTimer) Stop() bool {
	if t.p.stopped || t.p.ran {
		return false
	}
	t.p.stopped = true
	t.s.queue.Delete(t.p)
	return true
}

// AfterStep registers fn to run after every callback.
func (s *Scheduler) AfterStep(fn func()) {
	s.after = append(s.after, fn)
}

// Pending returns the number of callbacks waiting to run.
func (s *Scheduler) Pending() int { return s.queue.Len() }

// Steps returns the number of callbacks run so far.
func (s *Scheduler) Steps() int { return s.steps }

// Next returns the instant of the earliest pending callback.
func (s *Scheduler) Next() (time.Time, bool) {
	first := s.queue.Min()
	if first == nil {
		return time.Time{}, false
	}
	return first.(*pending).at, true
}

// Step runs the earliest pending callback, then the after-step hooks.
// Returns false when nothing is pending.
func (s *Scheduler) Step() bool {
	first := s.queue.DeleteMin()
	if first == nil {
		return false
	}
	p := first.(*pending)
	if p.at.After(s.now) {
		s.now = p.at
	}
	p.ran = true
	s.steps++
	p.fn()
	for _, fn := range s.after {
		fn()
	}
	return true
}

// RunUntil runs every callback due at or before t, then sets the clock to
// t. Returns the number of callbacks run.
func (s *Scheduler) RunUntil(t time.Time) int {
	n := 0
	for {
		next, ok := s.Next()
		if !ok || next.After(t) {
			break
		}
		s.Step()
		n++
	}
	if t.After(s.now) {
		s.now = t
	}
	return n
}

// RunFor is RunUntil(Now() + d).
func (s *Scheduler) RunFor(d time.Duration) int {
	return s.RunUntil(s.now.Add(d))
}
