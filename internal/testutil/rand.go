package testutil

import "sync"

// SequenceRand returns a fixed sequence of values from Int31, cycling when
// exhausted.
//
// It stands in for the node RNG so randomId() and periodic nonces are
// predictable in golden tests.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequenceRand struct {
	mu     sync.Mutex
	values []int32
	next   int
}

// NewSequenceRand creates a generator over values.
// With no values, Int31 counts up from 1.
func NewSequenceRand(values ...int32) *SequenceRand {
	cp := make([]int32, len(values))
	copy(cp, values)
	return &SequenceRand{values: cp}
}

// Int31 returns the next value of the sequence.
func (r *SequenceRand) Int31() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		r.next++
		return int32(r.next)
	}
	v := r.values[r.next%len(r.values)]
	r.next++
	return v
}

// Calls returns how many values have been drawn.
func (r *SequenceRand) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}
