package sim

import (
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/ir"
)

// Endpoint is a node as seen by the network.
type Endpoint interface {
	Receive(t ir.Tuple) bool
	Drain() int
}

// DefaultLatency is the one-hop delivery delay.
const DefaultLatency = 10 * time.Millisecond

// Option configures a Network.
type Option func(*Network)

// WithLatency sets the one-hop delivery delay.
func WithLatency(d time.Duration) Option {
	return func(n *Network) {
		n.latency = d
	}
}

// WithLoss drops each delivery independently with probability p, using a
// random source seeded with seed.
func WithLoss(p float64, seed int64) Option {
	return func(n *Network) {
		n.loss = p
		n.rng = rand.New(rand.NewSource(seed))
	}
}

// Stats counts network activity.
type Stats struct {
	Sent       int // tuples handed to Deliver
	Delivered  int // copies received by an endpoint
	Lost       int // copies dropped by random loss
	Unroutable int // unicasts with no link to the destination
}

// Network is an in-memory transport with dynamic undirected links.
//
// Broadcast reaches the neighbours linked at send time. Unicast needs a
// link to the destination, except to oneself. Copies already in flight are
// delivered even if the link goes down meanwhile.
type Network struct {
	sched     *Scheduler
	endpoints map[ir.Address]Endpoint
	order     []ir.Address
	links     map[[2]ir.Address]bool
	latency   time.Duration
	loss      float64
	rng       *rand.Rand
	stats     Stats
}

// NewNetwork creates a network on sched and hooks endpoint draining into
// every scheduler step.
func NewNetwork(sched *Scheduler, opts ...Option) *Network {
	n := &Network{
		sched:     sched,
		endpoints: make(map[ir.Address]Endpoint),
		links:     make(map[[2]ir.Address]bool),
		latency:   DefaultLatency,
	}
	for _, opt := range opts {
		opt(n)
	}
	sched.AfterStep(func() { n.DrainAll() })
	return n
}

// Attach registers an endpoint at addr.
func (n *Network) Attach(addr ir.Address, ep Endpoint) error {
	if addr == ir.Broadcast {
		return errors.Newf("cannot attach at broadcast address")
	}
	if _, dup := n.endpoints[addr]; dup {
		return errors.Newf("address %s already attached", addr)
	}
	n.endpoints[addr] = ep
	n.order = append(n.order, addr)
	sort.Slice(n.order, func(i, j int) bool { return n.order[i] < n.order[j] })
	return nil
}

// Endpoints returns attached addresses in ascending order.
func (n *Network) Endpoints() []ir.Address {
	out := make([]ir.Address, len(n.order))
	copy(out, n.order)
	return out
}

func linkKey(a, b ir.Address) [2]ir.Address {
	if a > b {
		a, b = b, a
	}
	return [2]ir.Address{a, b}
}

// Link brings up the undirected link a-b.
func (n *Network) Link(a, b ir.Address) {
	if a == b {
		return
	}
	n.links[linkKey(a, b)] = true
}

// Unlink takes down the link a-b. Unlinking an absent link is a no-op.
func (n *Network) Unlink(a, b ir.Address) {
	delete(n.links, linkKey(a, b))
}

// Linked reports whether a-b is up.
func (n *Network) Linked(a, b ir.Address) bool {
	return n.links[linkKey(a, b)]
}

// Neighbors returns the addresses linked to a, ascending.
func (n *Network) Neighbors(a ir.Address) []ir.Address {
	var out []ir.Address
	for _, b := range n.order {
		if b != a && n.Linked(a, b) {
			out = append(out, b)
		}
	}
	return out
}

// Stats returns the counters so far.
func (n *Network) Stats() Stats { return n.stats }

// Deliver implements engine.Transport.
func (n *Network) Deliver(from, to ir.Address, t ir.Tuple) {
	n.stats.Sent++
	switch {
	case to == ir.Broadcast:
		for _, nb := range n.Neighbors(from) {
			n.transmit(nb, t)
		}
	case to == from:
		n.transmit(to, t)
	case n.Linked(from, to):
		n.transmit(to, t)
	default:
		n.stats.Unroutable++
		slog.Debug("unroutable send", "from", from.String(), "to", to.String(), "tuple", t.String())
	}
}

func (n *Network) transmit(to ir.Address, t ir.Tuple) {
	ep, ok := n.endpoints[to]
	if !ok {
		n.stats.Unroutable++
		return
	}
	if n.rng != nil && n.loss > 0 && n.rng.Float64() < n.loss {
		n.stats.Lost++
		return
	}
	n.sched.Schedule(n.latency, func() {
		if ep.Receive(t) {
			n.stats.Delivered++
		}
	})
}

// DrainAll drains every endpoint in address order until none has queued
// work left.
func (n *Network) DrainAll() {
	for {
		total := 0
		for _, addr := range n.order {
			total += n.endpoints[addr].Drain()
		}
		if total == 0 {
			return
		}
	}
}
