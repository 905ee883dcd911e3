package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/algebra"
	"github.com/roach88/ndrt/internal/funcs"
	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/relation"
	"github.com/roach88/ndrt/internal/timer"
)

// Transport is the packet-delivery collaborator.
type Transport interface {
	// Deliver hands t to the network, addressed from one node to another
	// or to every current neighbour when to is ir.Broadcast. It must not
	// block. Delivery may be lost or reordered but is never duplicated.
	Deliver(from, to ir.Address, t ir.Tuple)
}

// Signer is the crypto collaborator.
type Signer interface {
	Sign(payload []byte, identity ir.Address) ([]byte, error)
	Verify(payload, sig []byte, identity ir.Address) bool
}

// Option configures a Node.
type Option func(*Node)

// WithMaxSteps sets the rule-invocation quota per inbox item.
//
// Default: 10000 steps (DefaultMaxSteps)
func WithMaxSteps(maxSteps int) Option {
	return func(n *Node) {
		n.maxSteps = maxSteps
	}
}

// WithObserver installs an execution observer.
func WithObserver(o Observer) Option {
	return func(n *Node) {
		n.obs = o
	}
}

// WithSigner installs the crypto collaborator used by Sign and Verify.
// Without one, signing fails and every verification fails.
func WithSigner(s Signer) Option {
	return func(n *Node) {
		n.signer = s
	}
}

// WithRand sets the random source for randomId() and timer nonces.
// Default: math/rand seeded with the node address.
func WithRand(r funcs.Rand) Option {
	return func(n *Node) {
		n.rng = r
	}
}

// Node runs one RuleTable at one address.
//
// Thread-safety model:
//   - Receive, Inject, InsertFact, DeleteFact: safe from any goroutine
//   - Run or Drain: from exactly one goroutine at a time
//   - Lookup: only while neither Run nor Drain is active
//   - Stop: safe from any goroutine
//
// INVARIANTS:
//   - The local address never changes after New
//   - Items are processed in inbox order, each to completion
//   - Rules for one trigger run in declaration order
type Node struct {
	addr     ir.Address
	table    *RuleTable
	sched    timer.Scheduler
	net      Transport
	signer   Signer
	obs      Observer
	rng      funcs.Rand
	maxSteps int
	log      *slog.Logger

	store *relation.Store
	env   algebra.Env
	inbox *inbox
	work  []ir.Event // breadth-first worklist for the current item
	seq   uint64

	mu      sync.Mutex
	timers  []*timer.Handle
	started bool

	expiry   timer.Timer
	expiryAt time.Time
}

// New creates a node. The table's relations start empty and no timer runs
// until Start.
func New(addr ir.Address, table *RuleTable, sched timer.Scheduler, net Transport, opts ...Option) (*Node, error) {
	if table == nil {
		return nil, errors.New("node requires a rule table")
	}
	if sched == nil {
		return nil, errors.New("node requires a scheduler")
	}
	if addr == ir.Broadcast {
		return nil, errors.Newf("%s is reserved for broadcast", addr)
	}

	n := &Node{
		addr:     addr,
		table:    table,
		sched:    sched,
		net:      net,
		maxSteps: DefaultMaxSteps,
		inbox:    newInbox(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.rng == nil {
		n.rng = rand.New(rand.NewSource(int64(addr)))
	}
	n.log = slog.Default().With("node", addr.String(), "ruleset", table.Name())

	store, err := relation.New(table.Relations(),
		relation.WithClock(sched.Now),
		relation.WithSink(func(ev ir.Event) { n.work = append(n.work, ev) }),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "node %s", addr)
	}
	n.store = store
	n.env = algebra.Env{
		Local:     addr,
		Relations: store,
		Funcs:     funcs.New(sched, n.rng),
	}
	return n, nil
}

// Addr returns the node's fixed local address.
func (n *Node) Addr() ir.Address { return n.addr }

// Table returns the node's rule table.
func (n *Node) Table() *RuleTable { return n.table }

// Start arms the table's periodic triggers. Calling Start twice is a no-op.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	n.mu.Unlock()

	for _, p := range n.table.Periodics() {
		if _, err := n.Schedule(p.Tag, p.Policy); err != nil {
			return errors.Wrapf(err, "start node %s", n.addr)
		}
	}
	return nil
}

// Schedule arms a timer trigger for a declared periodic tag. Each firing
// dispatches a timer event tagged tag carrying (local address, nonce).
func (n *Node) Schedule(tag string, p timer.Policy) (*timer.Handle, error) {
	if !n.table.isPeriodic(tag) {
		return nil, errors.Newf("schedule %s: not a declared periodic trigger", tag)
	}
	h, err := timer.Schedule(n.sched, p, func(h *timer.Handle) {
		n.inbox.push(item{kind: itemTimer, tuple: ir.Tuple{Tag: tag}, handle: h})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "schedule %s", tag)
	}
	n.mu.Lock()
	n.timers = append(n.timers, h)
	n.mu.Unlock()
	return h, nil
}

// Cancel stops a timer trigger and forgets it. Firings already queued are
// dropped. Cancelling twice is a no-op.
func (n *Node) Cancel(h *timer.Handle) {
	if h == nil {
		return
	}
	n.mu.Lock()
	n.timers = slices.DeleteFunc(n.timers, func(t *timer.Handle) bool { return t == h })
	n.mu.Unlock()
	h.Cancel()
}

// Stop cancels every timer trigger and closes the inbox. Run returns once
// the inbox is drained.
func (n *Node) Stop() {
	n.mu.Lock()
	timers := n.timers
	n.timers = nil
	n.mu.Unlock()

	for _, h := range timers {
		h.Cancel()
	}
	n.inbox.close()
}

// Receive queues a message for dispatch as a recv event. It is the entry
// point for the transport. Returns false once the node is stopped.
func (n *Node) Receive(t ir.Tuple) bool {
	return n.inbox.push(item{kind: itemEvent, tuple: t})
}

// Inject is Receive for tuples originating outside the network, such as a
// test or operator injecting eMessageInjectOriginal.
func (n *Node) Inject(t ir.Tuple) bool {
	return n.Receive(t)
}

// InsertFact queues an upsert into a relation from outside the rule
// table. The resulting insert event is dispatched like any other.
func (n *Node) InsertFact(t ir.Tuple) bool {
	return n.inbox.push(item{kind: itemInsert, tuple: t})
}

// DeleteFact queues a delete by key from outside the rule table.
func (n *Node) DeleteFact(t ir.Tuple) bool {
	return n.inbox.push(item{kind: itemDelete, tuple: t})
}

// Pending returns the number of queued inbox items.
func (n *Node) Pending() int {
	return n.inbox.size()
}

// Lookup reads live tuples of a relation. It must not run concurrently
// with Run or Drain.
func (n *Node) Lookup(rel string, pred func(ir.Tuple) bool) ([]ir.Tuple, error) {
	return n.store.Lookup(rel, pred)
}

// Drain processes every queued item, including items queued while
// draining, and returns how many were processed.
func (n *Node) Drain() int {
	count := 0
	for {
		it, ok := n.inbox.pop()
		if !ok {
			return count
		}
		n.process(it)
		count++
	}
}

// Run processes inbox items until ctx is cancelled or Stop is called.
//
// CRITICAL: Must be called from exactly ONE goroutine.
//
// ERROR HANDLING: failures while processing an item are logged with the
// item's context and processing continues ("log and continue"). A peer's
// periodic re-send is the retry mechanism, never the node.
func (n *Node) Run(ctx context.Context) error {
	n.log.Info("node starting")
	defer n.stopExpiry()

	for {
		it, ok := n.inbox.pop()
		if ok {
			n.process(it)
			continue
		}

		select {
		case <-ctx.Done():
			n.log.Info("node stopping: context cancelled")
			n.Stop()
			return ctx.Err()

		case <-n.inbox.wait():
			// The signal channel closes with the queue, so this also
			// fires after Stop.
			if n.inbox.isClosed() && n.inbox.size() == 0 {
				n.log.Info("node stopping: inbox closed")
				return nil
			}
		}
	}
}

// process handles one inbox item and the whole cascade it causes.
// CRITICAL: Called only from Run() or Drain() - single-writer guarantee.
func (n *Node) process(it item) {
	quota := NewQuotaEnforcer(n.maxSteps)
	now := n.sched.Now()

	// Expired tuples leave before anything else sees the store.
	n.store.Sweep(now)

	var origin ir.Event
	switch it.kind {
	case itemEvent:
		origin = ir.Recv(it.tuple)
		n.work = append(n.work, origin)
	case itemInsert:
		origin = ir.Inserted(it.tuple)
		if _, err := n.store.Insert(it.tuple); err != nil {
			n.log.Warn("fact insert rejected", "tuple", it.tuple.String(), "error", err)
		}
	case itemDelete:
		origin = ir.Deleted(it.tuple)
		if _, err := n.store.Delete(it.tuple); err != nil {
			n.log.Warn("fact delete rejected", "tuple", it.tuple.String(), "error", err)
		}
	case itemTimer:
		if it.handle != nil && !it.handle.Active() {
			n.log.Debug("dropping firing of cancelled timer", "tag", it.tuple.Tag)
			break
		}
		fired := ir.NewTuple(it.tuple.Tag,
			ir.A("loc", n.addr),
			ir.A("nonce", ir.Int32(n.rng.Int31())),
		)
		origin = ir.Fired(fired)
		n.work = append(n.work, origin)
	case itemSweep:
		n.expiry = nil
	}
	if origin.Kind == 0 && len(n.work) > 0 {
		origin = n.work[0]
	}

	if err := n.drainWork(quota); err != nil {
		n.log.Error("max steps quota exceeded",
			"steps", quota.Current(),
			"limit", quota.MaxSteps(),
			"error", err,
			"event", "quota_exceeded",
			"origin", origin.Kind.String(),
			"tag", origin.Tuple.Tag,
		)
		n.observe(Record{Kind: RecordDrop, Event: origin, Reason: ErrCodeQuotaExceeded})
	}

	n.armExpiry()
}

// drainWork dispatches worklist events breadth-first until the list is
// empty or the quota is exhausted, in which case the rest is discarded.
func (n *Node) drainWork(quota *QuotaEnforcer) error {
	defer func() { n.work = nil }()
	for len(n.work) > 0 {
		ev := n.work[0]
		n.work[0] = ir.Event{}
		n.work = n.work[1:]
		if err := n.dispatch(ev, quota); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs every rule bound to the event's (kind, tag).
func (n *Node) dispatch(ev ir.Event, quota *QuotaEnforcer) error {
	n.seq++
	bds := n.table.registry[Trigger{Kind: ev.Kind, Tag: ev.Tuple.Tag}]

	tuple := ev.Tuple
	var sig ir.Value
	if ev.Kind == ir.EventRecv {
		if len(bds) == 0 {
			n.observe(Record{Kind: RecordDispatch, Event: ev})
			return nil
		}
		sig, _ = tuple.Get(ir.SigAttr)
		schema, _ := n.table.Event(tuple.Tag)
		conformed, err := schema.Conform(tuple.Without(ir.SigAttr).Without(ir.DestAttr))
		if err != nil {
			n.drop(ev, newMalformedError(tuple.String(), err))
			return nil
		}
		tuple = conformed
		ev = ir.Event{Kind: ev.Kind, Tuple: tuple}
	}
	n.observe(Record{Kind: RecordDispatch, Event: ev})

	n.log.Debug("dispatching", "event", ev.Kind.String(), "tuple", tuple.String(), "rules", len(bds))

	for _, bd := range bds {
		if err := quota.Check(ev.Kind.String() + " " + ev.Tuple.Tag); err != nil {
			return err
		}
		ctx := &Context{node: n, rule: bd.name, event: ev, sig: sig}
		if bd.handler != nil {
			if err := bd.handler(ctx, tuple); err != nil {
				n.drop(ev, newRuleError(bd.name, tuple.String(), err))
				continue
			}
			n.observe(Record{Kind: RecordRule, Event: ev, Rule: bd.name})
			continue
		}
		n.runRule(ctx, bd.rule, tuple)
	}
	return nil
}

func (n *Node) runRule(ctx *Context, r *Rule, tuple ir.Tuple) {
	if r.Verify != "" && !ctx.Verify(r.Verify) {
		n.drop(ctx.event, newVerifyError(r.Name, tuple.String(), "signature check failed on "+r.Verify))
		return
	}

	out, err := r.Body.Run(n.env, tuple)
	if err != nil {
		n.drop(ctx.event, newRuleError(r.Name, tuple.String(), err))
		return
	}

	for _, o := range out {
		var err error
		switch r.Action {
		case ActionInsert:
			_, err = ctx.Insert(o)
		case ActionDelete:
			_, err = ctx.Delete(o)
		case ActionSend:
			err = ctx.send(o, r.Sign)
		case ActionSendLocal:
			err = ctx.sendLocal(o, r.Sign)
		default:
			err = errors.AssertionFailedf("unknown action %d", r.Action)
		}
		if err != nil {
			n.drop(ctx.event, newRuleError(r.Name, o.String(), err))
		}
	}
	n.observe(Record{Kind: RecordRule, Event: ctx.event, Rule: r.Name, Outputs: len(out)})
}

// drop logs a discarded event and reports it to the observer.
func (n *Node) drop(ev ir.Event, re *RuntimeError) {
	n.log.Warn("dropping tuple",
		"code", string(re.Code),
		"rule", re.Rule,
		"tuple", re.Tuple,
		"error", re.Message,
	)
	n.observe(Record{Kind: RecordDrop, Event: ev, Rule: re.Rule, Reason: re.Code})
}

func (n *Node) observe(r Record) {
	if n.obs == nil {
		return
	}
	r.Node = n.addr
	r.Seq = n.seq
	r.At = n.sched.Now()
	n.obs.Observe(r)
}

// armExpiry keeps one scheduler timer pointed at the store's earliest
// retention deadline, so evictions fire delete events on time even when
// the node is otherwise idle.
func (n *Node) armExpiry() {
	next, ok := n.store.NextExpiry()
	if !ok {
		n.stopExpiry()
		return
	}
	if n.expiry != nil && n.expiryAt.Equal(next) {
		return
	}
	n.stopExpiry()

	d := next.Sub(n.sched.Now())
	if d < 0 {
		d = 0
	}
	n.expiryAt = next
	n.expiry = n.sched.Schedule(d, func() {
		n.inbox.push(item{kind: itemSweep})
	})
}

func (n *Node) stopExpiry() {
	if n.expiry != nil {
		n.expiry.Stop()
		n.expiry = nil
	}
}
