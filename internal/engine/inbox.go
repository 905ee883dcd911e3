package engine

import (
	"sync"

	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/timer"
)

// itemKind distinguishes what an inbox item asks the node to do.
type itemKind int

const (
	// itemEvent dispatches a received message.
	itemEvent itemKind = iota + 1
	// itemInsert upserts a fact from outside the rule table.
	itemInsert
	// itemDelete removes a fact from outside the rule table.
	itemDelete
	// itemTimer is a periodic trigger firing.
	itemTimer
	// itemSweep asks for an expiry sweep.
	itemSweep
)

// item is one unit of inbox work.
type item struct {
	kind   itemKind
	tuple  ir.Tuple
	handle *timer.Handle // itemTimer only
}

// inbox is an unbounded FIFO of items. Transport deliveries and timer
// callbacks push from any goroutine; only the node's Run loop or Drain
// pops. ready carries at most one pending wakeup and is closed with the
// inbox.
type inbox struct {
	mu     sync.Mutex
	items  []item
	head   int
	closed bool
	ready  chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		items: make([]item, 0, 64),
		ready: make(chan struct{}, 1),
	}
}

// push appends it. False once the inbox is closed.
func (b *inbox) push(it item) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.items = append(b.items, it)
	select {
	case b.ready <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest item without blocking.
func (b *inbox) pop() (item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.head == len(b.items) {
		return item{}, false
	}
	it := b.items[b.head]
	b.items[b.head] = item{}
	b.head++
	if b.head == len(b.items) {
		b.items, b.head = b.items[:0], 0
	}
	return it, true
}

// wait fires when items may be available, or forever once closed.
func (b *inbox) wait() <-chan struct{} { return b.ready }

func (b *inbox) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) - b.head
}

// close rejects further pushes; queued items can still be popped.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ready)
	}
}

func (b *inbox) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
