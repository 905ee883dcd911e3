// Package epidemic is gossip delivery over discovered links.
//
// A message injected at its source gets a random id and a creation time,
// is stored in tMessage and flooded to every neighbour; each receiver
// stores it and floods it on unless it is the destination, where
// eMessageEnd reports delivery. Duplicate receipts change nothing and so
// stop the flood.
//
// Each node also keeps a summary vector, a bitset of the ids it holds.
// When a new link comes up the two ends swap vectors and each sends the
// other the messages it is missing (anti-entropy), so partitions heal.
// Messages older than MessageTTL are dropped by a decay check that runs
// every DecayPeriod.
//
// Convergence is best effort. Ids are folded into the vector modulo
// ir.SummaryVectorWidth, so two live messages can share a bit. A peer
// holding one of them then looks like it holds both and anti-entropy skips
// the other, and when one of them decays the shared bit is cleared while
// the other is still stored. Only the flood delivers such a message.
package epidemic

import (
	"time"

	"github.com/roach88/ndrt/internal/algebra"
	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/funcs"
	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/protocols/discovery"
	"github.com/roach88/ndrt/internal/timer"
)

// Relation names.
const (
	TLink       = "tLink"
	TMessage    = "tMessage"
	TSummaryVec = "tSummaryVec"
)

// Event names.
const (
	LinkAdd               = "eLinkAdd"
	MessageInjectOriginal = "eMessageInjectOriginal"
	MessageInject         = "eMessageInject"
	MessageBegin          = "eMessageBegin"
	MessageEnd            = "eMessageEnd"
	MessageNew            = "eMessageNew"
	Message               = "eMessage"
	MessageLoc            = "eMessageLoc"
	MessageDel            = "eMessageDel"
	BitVectorRequest      = "eBitVectorRequest"
	BitVectorReply        = "eBitVectorReply"
)

// Periodic triggers.
const (
	SummaryInit = "svInit"
	DecayCheck  = "decayCheck"
)

const (
	// DecayPeriod is how often stored messages are checked for age.
	DecayPeriod = time.Second
	// MessageTTL is the age, in whole seconds, past which a message is
	// deleted.
	MessageTTL = 120
)

var (
	locNbr  = []ir.AttrDef{ir.Def("loc", ir.KindAddress), ir.Def("nbr", ir.KindAddress)}
	message = []ir.AttrDef{
		ir.Def("loc", ir.KindAddress),
		ir.Def("src", ir.KindAddress),
		ir.Def("dst", ir.KindAddress),
		ir.Def("id", ir.KindInt32),
		ir.Def("tBegin", ir.KindString),
	}
	vector = []ir.AttrDef{
		ir.Def("loc", ir.KindAddress),
		ir.Def("src", ir.KindAddress),
		ir.Def("sv", ir.KindBitset),
	}
	messageAttrs = []string{"loc", "src", "dst", "id", "tBegin"}
)

func v(name string) algebra.Var { return algebra.V(name) }

func copyOf(name string, e algebra.Expr) algebra.Assign {
	return algebra.Assign{Name: name, Args: []algebra.Expr{e}}
}

func call(name, fn string, args ...algebra.Expr) algebra.Assign {
	return algebra.Assign{Name: name, Fn: fn, Args: args}
}

// joinVec joins the local summary vector as s.
var joinVec = algebra.Join{Relation: TSummaryVec, As: "s", Left: []string{"loc"}, Right: []string{"loc"}}

// Register declares discovery and the epidemic rules on b.
func Register(b *engine.Builder) *engine.Builder {
	discovery.Register(b)

	b.Relation(ir.Schema{Name: TLink, Attrs: locNbr}).
		Relation(ir.Schema{Name: TMessage, Attrs: message, Key: []string{"loc", "src", "dst", "id"}}).
		Relation(ir.Schema{Name: TSummaryVec, Attrs: []ir.AttrDef{ir.Def("loc", ir.KindAddress), ir.Def("sv", ir.KindBitset)}, Key: []string{"loc"}})

	b.Event(ir.Schema{Name: LinkAdd, Attrs: locNbr}).
		Event(ir.Schema{Name: MessageInjectOriginal, Attrs: []ir.AttrDef{ir.Def("loc", ir.KindAddress), ir.Def("dst", ir.KindAddress)}}).
		Event(ir.Schema{Name: MessageInject, Attrs: []ir.AttrDef{
			ir.Def("loc", ir.KindAddress),
			ir.Def("dst", ir.KindAddress),
			ir.Def("id", ir.KindInt32),
			ir.Def("tBegin", ir.KindString),
		}})
	for _, tag := range []string{MessageBegin, MessageEnd, MessageNew, Message, MessageLoc, MessageDel} {
		b.Event(ir.Schema{Name: tag, Attrs: message})
	}
	b.Event(ir.Schema{Name: BitVectorRequest, Attrs: vector}).
		Event(ir.Schema{Name: BitVectorReply, Attrs: vector})

	b.Periodic(SummaryInit, timer.Once(0)).
		Periodic(DecayCheck, timer.Every(0, DecayPeriod))

	// Link tracking.
	b.Rule(engine.Rule{
		Name: "r01", On: engine.OnRecv(discovery.LinkAdd), Action: engine.ActionInsert,
		Body: algebra.Pipeline{algebra.Project{Tag: TLink, In: []string{"loc", "nbr"}}},
	}).Rule(engine.Rule{
		Name: "r02", On: engine.OnRecv(discovery.LinkDel), Action: engine.ActionDelete,
		Body: algebra.Pipeline{algebra.Project{Tag: TLink, In: []string{"loc", "nbr"}}},
	}).Rule(engine.Rule{
		Name: "r03", On: engine.OnInsert(TLink), Action: engine.ActionSendLocal,
		Body: algebra.Pipeline{algebra.Project{Tag: LinkAdd, In: []string{"loc", "nbr"}}},
	})

	// Begin and end of a message's life at its endpoints.
	b.Rule(engine.Rule{
		Name: "r04", On: engine.OnRecv(MessageInject), Action: engine.ActionSendLocal,
		Body: algebra.Pipeline{
			copyOf("src", v("loc")),
			algebra.Project{Tag: MessageBegin, In: messageAttrs},
		},
	}).Rule(engine.Rule{
		Name: "r05", On: engine.OnInsert(TMessage), Action: engine.ActionSendLocal,
		Body: algebra.Pipeline{
			algebra.Select{Where: []algebra.Cond{algebra.Eq(v("dst"), algebra.Local{})}},
			algebra.Project{Tag: MessageEnd, In: messageAttrs},
		},
	})

	// Anti-entropy on link up.
	b.Rule(engine.Rule{
		Name: "r11", On: engine.OnTimer(SummaryInit), Action: engine.ActionInsert,
		Body: algebra.Pipeline{
			call("sv", funcs.FnSvCreate),
			algebra.Project{Tag: TSummaryVec, In: []string{"loc", "sv"}},
		},
	}).Rule(engine.Rule{
		Name: "r12", On: engine.OnRecv(LinkAdd), Action: engine.ActionSend,
		Body: algebra.Pipeline{
			joinVec,
			algebra.Project{Tag: BitVectorRequest,
				In:  []string{"nbr", "loc", "s.sv", "nbr"},
				Out: []string{"loc", "src", "sv", ir.DestAttr}},
		},
	}).Rule(engine.Rule{
		Name: "r13", On: engine.OnRecv(BitVectorRequest), Action: engine.ActionSend,
		Body: algebra.Pipeline{
			joinVec,
			call("missing", funcs.FnSvAndNot, v("sv"), v("s.sv")),
			algebra.Project{Tag: BitVectorReply,
				In:  []string{"src", "loc", "missing", "src"},
				Out: []string{"loc", "src", "sv", ir.DestAttr}},
		},
	}).Rule(engine.Rule{
		Name: "r14", On: engine.OnRecv(BitVectorReply), Action: engine.ActionSend,
		Body: algebra.Pipeline{
			algebra.Join{Relation: TMessage, As: "m", Left: []string{"loc"}, Right: []string{"loc"}},
			call("wanted", funcs.FnSvIn, v("sv"), v("m.id")),
			algebra.Select{Where: []algebra.Cond{algebra.Eq(v("wanted"), algebra.C(ir.Int32(1)))}},
			algebra.Project{Tag: Message,
				In:  []string{"src", "m.src", "m.dst", "m.id", "m.tBegin", "src"},
				Out: []string{"loc", "src", "dst", "id", "tBegin", ir.DestAttr}},
		},
	})

	// Flooding.
	b.Rule(engine.Rule{
		Name: "r21", On: engine.OnRecv(MessageInjectOriginal), Action: engine.ActionSendLocal,
		Body: algebra.Pipeline{
			call("id", funcs.FnRandomID),
			call("tBegin", funcs.FnNow),
			algebra.Project{Tag: MessageInject, In: []string{"loc", "dst", "id", "tBegin"}},
		},
	}).Rule(engine.Rule{
		Name: "r22", On: engine.OnRecv(MessageInject), Action: engine.ActionInsert,
		Body: algebra.Pipeline{
			copyOf("src", v("loc")),
			algebra.Project{Tag: TMessage, In: messageAttrs},
		},
	}).Rule(engine.Rule{
		Name: "r23", On: engine.OnRecv(MessageInject), Action: engine.ActionInsert,
		Body: algebra.Pipeline{
			joinVec,
			call("updated", funcs.FnSvAppend, v("s.sv"), v("id")),
			algebra.Project{Tag: TSummaryVec, In: []string{"loc", "updated"}, Out: []string{"loc", "sv"}},
		},
	}).Rule(engine.Rule{
		Name: "r24", On: engine.OnInsert(TMessage), Action: engine.ActionSendLocal,
		Body: algebra.Pipeline{
			algebra.Select{Where: []algebra.Cond{algebra.Ne(v("dst"), algebra.Local{})}},
			algebra.Project{Tag: MessageNew, In: messageAttrs},
		},
	}).Rule(engine.Rule{
		Name: "r25", On: engine.OnRecv(MessageNew), Action: engine.ActionSend,
		Body: algebra.Pipeline{
			copyOf("everyone", algebra.C(ir.Broadcast)),
			algebra.Project{Tag: Message,
				In:  []string{"everyone", "src", "dst", "id", "tBegin", "everyone"},
				Out: []string{"loc", "src", "dst", "id", "tBegin", ir.DestAttr}},
		},
	}).Rule(engine.Rule{
		Name: "r26", On: engine.OnRecv(Message), Action: engine.ActionSend,
		Body: algebra.Pipeline{
			copyOf("here", algebra.Local{}),
			algebra.Project{Tag: MessageLoc,
				In:  []string{"here", "src", "dst", "id", "tBegin", "here"},
				Out: []string{"loc", "src", "dst", "id", "tBegin", ir.DestAttr}},
		},
	}).Rule(engine.Rule{
		Name: "r27", On: engine.OnRecv(MessageLoc), Action: engine.ActionInsert,
		Body: algebra.Pipeline{algebra.Project{Tag: TMessage, In: messageAttrs}},
	}).Rule(engine.Rule{
		Name: "r28", On: engine.OnRecv(MessageLoc), Action: engine.ActionInsert,
		Body: algebra.Pipeline{
			joinVec,
			call("updated", funcs.FnSvAppend, v("s.sv"), v("id")),
			algebra.Project{Tag: TSummaryVec, In: []string{"loc", "updated"}, Out: []string{"loc", "sv"}},
		},
	})

	// Decay.
	b.Rule(engine.Rule{
		Name: "r29", On: engine.OnTimer(DecayCheck), Action: engine.ActionSendLocal,
		Body: algebra.Pipeline{
			algebra.Join{Relation: TMessage, As: "m", Left: []string{"loc"}, Right: []string{"loc"}},
			call("tNow", funcs.FnNow),
			call("age", funcs.FnDiffTime, v("tNow"), v("m.tBegin")),
			algebra.Select{Where: []algebra.Cond{algebra.Gt(v("age"), algebra.C(ir.Int32(MessageTTL)))}},
			algebra.Project{Tag: MessageDel,
				In:  []string{"loc", "m.src", "m.dst", "m.id", "m.tBegin"},
				Out: messageAttrs},
		},
	}).Rule(engine.Rule{
		Name: "r2A", On: engine.OnRecv(MessageDel), Action: engine.ActionDelete,
		Body: algebra.Pipeline{algebra.Project{Tag: TMessage, In: messageAttrs}},
	}).Rule(engine.Rule{
		Name: "r2B", On: engine.OnRecv(MessageDel), Action: engine.ActionInsert,
		Body: algebra.Pipeline{
			joinVec,
			call("updated", funcs.FnSvRemove, v("s.sv"), v("id")),
			algebra.Project{Tag: TSummaryVec, In: []string{"loc", "updated"}, Out: []string{"loc", "sv"}},
		},
	})

	return b
}

// Table builds the epidemic rule table, discovery included.
func Table() (*engine.RuleTable, error) {
	return Register(engine.NewBuilder("epidemic")).Build()
}

// Inject returns the tuple that starts a message from src to dst.
func Inject(src, dst ir.Address) ir.Tuple {
	return ir.NewTuple(MessageInjectOriginal, ir.A("loc", src), ir.A("dst", dst))
}
