package engine

import (
	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/algebra"
	"github.com/roach88/ndrt/internal/ir"
)

// Trigger selects the events a rule reacts to: a kind and a tag.
type Trigger struct {
	Kind ir.EventKind
	Tag  string
}

func (t Trigger) String() string {
	return t.Kind.String() + " " + t.Tag
}

// OnRecv triggers on a message (network or SendLocal) tagged tag.
func OnRecv(tag string) Trigger { return Trigger{Kind: ir.EventRecv, Tag: tag} }

// OnInsert triggers when relation tag gains or changes a tuple.
func OnInsert(tag string) Trigger { return Trigger{Kind: ir.EventInsert, Tag: tag} }

// OnDelete triggers when relation tag loses a tuple, including by expiry.
func OnDelete(tag string) Trigger { return Trigger{Kind: ir.EventDelete, Tag: tag} }

// OnTimer triggers when the periodic trigger tag fires.
func OnTimer(tag string) Trigger { return Trigger{Kind: ir.EventTimer, Tag: tag} }

// Action is what a declarative rule does with each output tuple.
type Action uint8

const (
	// ActionInsert upserts the output into the relation named by its tag.
	ActionInsert Action = iota + 1
	// ActionDelete removes the tuple with the output's key.
	ActionDelete
	// ActionSend transmits the output to its $dest attribute.
	ActionSend
	// ActionSendLocal delivers the output to this node in the same pass.
	ActionSendLocal
)

var actionNames = map[Action]string{
	ActionInsert:    "insert",
	ActionDelete:    "delete",
	ActionSend:      "send",
	ActionSendLocal: "sendLocal",
}

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return "unknown"
}

// ParseAction maps "insert", "delete", "send" or "sendLocal" to an Action.
func ParseAction(s string) (Action, error) {
	for a, n := range actionNames {
		if n == s {
			return a, nil
		}
	}
	return 0, errors.Newf("unknown action %q", s)
}

// Rule is a declarative rule: on Trigger, run Body over the triggering
// tuple and apply Action to every output tuple.
//
// When Verify names an attribute, the triggering tuple must carry a valid
// $sig made by the address held in that attribute; otherwise the event is
// dropped with a warning before Body runs. Sign attaches this node's
// signature to outputs of Send and SendLocal.
type Rule struct {
	Name   string
	On     Trigger
	Verify string
	Body   algebra.Pipeline
	Action Action
	Sign   bool
}

// Handler is a hand-written rule body. Returning an error logs it and
// abandons the rest of this handler; other handlers still run.
type Handler func(ctx *Context, t ir.Tuple) error

// binding is one entry of the (kind, tag) registry: either a declarative
// rule or a handler.
type binding struct {
	name    string
	on      Trigger
	rule    *Rule
	handler Handler
}
