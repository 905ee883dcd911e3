package harness

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/security"
	"github.com/roach88/ndrt/internal/sim"
	"github.com/roach88/ndrt/internal/testutil"
)

// Option configures a run.
type Option func(*config)

type config struct {
	start     time.Time
	clock     clock.Clock
	observers engine.Observers
	logger    *slog.Logger
}

func newConfig(opts []Option) config {
	cfg := config{start: testutil.Epoch, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithStart sets the simulated start time. Default: testutil.Epoch.
func WithStart(t time.Time) Option {
	return func(c *config) { c.start = t }
}

// WithClock sets the clock RunRealtime uses. Default: the wall clock.
func WithClock(c clock.Clock) Option {
	return func(cfg *config) { cfg.clock = c }
}

// WithObserver adds an observer to every node, after the harness's own.
func WithObserver(o engine.Observer) Option {
	return func(c *config) { c.observers = append(c.observers, o) }
}

// WithLogger sets the logger for run progress.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// TraceEvent is one dispatched event.
type TraceEvent struct {
	At    time.Duration `json:"at"`
	Node  string        `json:"node"`
	Kind  string        `json:"kind"`
	Tuple string        `json:"tuple"`
}

func (e TraceEvent) String() string {
	return fmt.Sprintf("+%-10s %-12s %-6s %s", e.At, e.Node, e.Kind, e.Tuple)
}

// Result is the outcome of a run.
type Result struct {
	// Pass is true when every expectation held and every step applied.
	Pass bool `json:"pass"`

	// Errors lists failed expectations and steps.
	Errors []string `json:"errors,omitempty"`

	// Trace lists every dispatched event in order.
	Trace []TraceEvent `json:"trace"`

	// Drops counts discarded events and tuples.
	Drops int `json:"drops"`

	// Network holds the simulator's delivery counters.
	Network sim.Stats `json:"network"`

	// State holds each node's final relations, tuples rendered as text.
	State map[string]map[string][]string `json:"state"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]map[string][]string),
	}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Run compiles and simulates a scenario.
func Run(s *Scenario, opts ...Option) (*Result, error) {
	p, err := Compile(s)
	if err != nil {
		return nil, err
	}
	return p.Run(opts...)
}

// NodeOptions returns the engine options a scenario implies for the node
// at addr: step quota, a keyring deriving every node's key from the
// scenario seed, and a random source seeded per node.
func (p *Plan) NodeOptions(addr ir.Address) []engine.Option {
	s := p.Scenario
	if p.keys == nil {
		p.keys = security.NewKeyring(security.WithDerivation([]byte(fmt.Sprintf("ndrt/%s/%d", s.Name, s.Seed))))
	}
	opts := []engine.Option{
		engine.WithSigner(p.keys),
		engine.WithRand(rand.New(rand.NewSource(s.Seed<<32 | int64(addr)))),
	}
	if s.MaxSteps > 0 {
		opts = append(opts, engine.WithMaxSteps(s.MaxSteps))
	}
	return opts
}

// simWorld adapts the simulator to World.
type simWorld struct {
	net   *sim.Network
	nodes map[ir.Address]*engine.Node
}

func (w *simWorld) Node(a ir.Address) (*engine.Node, bool) {
	n, ok := w.nodes[a]
	return n, ok
}

func (w *simWorld) Link(a, b ir.Address)   { w.net.Link(a, b) }
func (w *simWorld) Unlink(a, b ir.Address) { w.net.Unlink(a, b) }

// Run simulates the plan and evaluates its expectations.
func (p *Plan) Run(opts ...Option) (*Result, error) {
	cfg := newConfig(opts)

	var netOpts []sim.Option
	if p.Latency > 0 {
		netOpts = append(netOpts, sim.WithLatency(p.Latency))
	}
	if p.Scenario.Loss > 0 {
		netOpts = append(netOpts, sim.WithLoss(p.Scenario.Loss, p.Scenario.Seed))
	}
	sched := sim.NewScheduler(cfg.start)
	net := sim.NewNetwork(sched, netOpts...)

	rec := newRecorder(cfg.start)
	observers := append(engine.Observers{rec}, cfg.observers...)
	w := &simWorld{net: net, nodes: make(map[ir.Address]*engine.Node)}
	for _, a := range p.Nodes {
		n, err := engine.New(a, p.Table, sched, net, append(p.NodeOptions(a), engine.WithObserver(observers))...)
		if err != nil {
			return nil, err
		}
		if err := net.Attach(a, n); err != nil {
			return nil, err
		}
		w.nodes[a] = n
	}
	for _, l := range p.Links {
		net.Link(l[0], l[1])
	}
	for _, f := range p.Facts {
		w.nodes[f.Node].InsertFact(f.Tuple)
	}

	result := NewResult()
	for _, st := range p.Steps {
		st := st
		sched.Schedule(st.At, func() {
			cfg.logger.Debug("scenario step", "scenario", p.Scenario.Name, "step", st.String())
			if err := Apply(w, st); err != nil {
				result.AddError(fmt.Sprintf("step %s: %v", st, err))
			}
		})
	}

	net.DrainAll()
	for _, a := range p.Nodes {
		if err := w.nodes[a].Start(); err != nil {
			return nil, err
		}
	}
	sched.RunFor(p.Duration)

	result.Trace = rec.trace
	result.Drops = rec.drops
	result.Network = net.Stats()

	if err := p.finish(result, w, rec); err != nil {
		return nil, err
	}
	for _, a := range p.Nodes {
		w.nodes[a].Stop()
	}

	cfg.logger.Info("scenario finished",
		"scenario", p.Scenario.Name,
		"pass", result.Pass,
		"events", len(result.Trace),
		"drops", result.Drops,
	)
	return result, nil
}

// finish evaluates the checks and snapshots every node's relations. Nodes
// must be idle.
func (p *Plan) finish(result *Result, w World, rec *recorder) error {
	src := worldSource{w: w, addrs: p.Nodes, rec: rec}
	for i, c := range p.checks {
		if err := c.evaluate(i, src); err != nil {
			result.AddError(err.Error())
		}
	}
	for _, a := range p.Nodes {
		n, ok := w.Node(a)
		if !ok {
			return errors.AssertionFailedf("node %s missing", a)
		}
		state, err := snapshot(n)
		if err != nil {
			return err
		}
		result.State[a.String()] = state
	}
	return nil
}

func snapshot(n *engine.Node) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, s := range n.Table().Relations() {
		tuples, err := n.Lookup(s.Name, nil)
		if err != nil {
			return nil, err
		}
		rendered := make([]string, len(tuples))
		for i, t := range tuples {
			rendered[i] = t.String()
		}
		out[s.Name] = rendered
	}
	return out, nil
}

// worldSource reads check inputs from an idle world.
type worldSource struct {
	w     World
	addrs []ir.Address
	rec   *recorder
}

func (s worldSource) nodes() []ir.Address { return s.addrs }

func (s worldSource) lookup(a ir.Address, rel string, match func(ir.Tuple) bool) ([]ir.Tuple, error) {
	n, ok := s.w.Node(a)
	if !ok {
		return nil, errors.Newf("no node %s", a)
	}
	return n.Lookup(rel, match)
}

func (s worldSource) received(a ir.Address, tag string) []ir.Tuple {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	return s.rec.received[a][tag]
}

// recorder builds the trace and remembers received events for checks.
// Live nodes observe from their own goroutines.
type recorder struct {
	mu       sync.Mutex
	start    time.Time
	trace    []TraceEvent
	drops    int
	received map[ir.Address]map[string][]ir.Tuple
}

func newRecorder(start time.Time) *recorder {
	return &recorder{start: start, trace: []TraceEvent{}, received: make(map[ir.Address]map[string][]ir.Tuple)}
}

func (r *recorder) Observe(rec engine.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch rec.Kind {
	case engine.RecordDrop:
		r.drops++
		return
	case engine.RecordDispatch:
	default:
		return
	}
	r.trace = append(r.trace, TraceEvent{
		At:    rec.At.Sub(r.start),
		Node:  rec.Node.String(),
		Kind:  rec.Event.Kind.String(),
		Tuple: rec.Event.Tuple.String(),
	})
	if rec.Event.Kind != ir.EventRecv {
		return
	}
	byTag, ok := r.received[rec.Node]
	if !ok {
		byTag = make(map[string][]ir.Tuple)
		r.received[rec.Node] = byTag
	}
	byTag[rec.Event.Tuple.Tag] = append(byTag[rec.Event.Tuple.Tag], rec.Event.Tuple)
}
