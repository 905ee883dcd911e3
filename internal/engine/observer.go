package engine

import (
	"time"

	"github.com/roach88/ndrt/internal/ir"
)

// RecordKind says what a Record describes.
type RecordKind uint8

const (
	// RecordDispatch: an event was taken from the worklist and dispatched.
	RecordDispatch RecordKind = iota + 1
	// RecordRule: a rule or handler ran for an event.
	RecordRule
	// RecordSend: a tuple was handed to the transport.
	RecordSend
	// RecordDrop: an event or tuple was discarded (see Reason).
	RecordDrop
)

var recordKindNames = map[RecordKind]string{
	RecordDispatch: "dispatch",
	RecordRule:     "rule",
	RecordSend:     "send",
	RecordDrop:     "drop",
}

func (k RecordKind) String() string {
	if n, ok := recordKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseRecordKind maps a record kind name back to its value.
func ParseRecordKind(s string) (RecordKind, bool) {
	for k, n := range recordKindNames {
		if n == s {
			return k, true
		}
	}
	return 0, false
}

// Record is one observable step of a node's execution.
type Record struct {
	Kind    RecordKind
	Node    ir.Address
	Seq     uint64 // per-node dispatch sequence number
	At      time.Time
	Event   ir.Event // triggering event (Dispatch, Rule, Drop) or sent tuple (Send)
	Rule    string
	Peer    ir.Address // destination of a Send
	Outputs int        // output tuples of a declarative rule
	Reason  RuntimeErrorCode
}

// Observer receives execution records. Observers are called synchronously
// from the node's processing goroutine and must not call back into the
// node.
type Observer interface {
	Observe(Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Record)

// Observe implements Observer.
func (f ObserverFunc) Observe(r Record) { f(r) }

// Observers fans records out to several observers in order.
type Observers []Observer

// Observe implements Observer.
func (os Observers) Observe(r Record) {
	for _, o := range os {
		o.Observe(r)
	}
}
