package ir

import "github.com/cockroachdb/errors"

// EventKind is the discriminant of an Event.
type EventKind uint8

const (
	// EventRecv is a message received from the network or via SendLocal.
	EventRecv EventKind = iota + 1
	// EventInsert is a relation insert that changed the relation.
	EventInsert
	// EventDelete is a relation delete, including retention expiry.
	EventDelete
	// EventTimer is a periodic trigger firing.
	EventTimer
)

var eventKindNames = map[EventKind]string{
	EventRecv:   "recv",
	EventInsert: "insert",
	EventDelete: "delete",
	EventTimer:  "timer",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseEventKind maps "recv", "insert", "delete" or "timer" to an EventKind.
func ParseEventKind(s string) (EventKind, error) {
	for k, n := range eventKindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, errors.Newf("unknown event kind %q", s)
}

// Event wraps a tuple with the reason it is being dispatched.
// Events are ephemeral: they are consumed by the dispatcher and never stored.
type Event struct {
	Kind  EventKind
	Tuple Tuple
}

// Recv creates a message-received event.
func Recv(t Tuple) Event { return Event{Kind: EventRecv, Tuple: t} }

// Inserted creates a relation-inserted event.
func Inserted(t Tuple) Event { return Event{Kind: EventInsert, Tuple: t} }

// Deleted creates a relation-deleted event.
func Deleted(t Tuple) Event { return Event{Kind: EventDelete, Tuple: t} }

// Fired creates a timer-fired event.
func Fired(t Tuple) Event { return Event{Kind: EventTimer, Tuple: t} }
