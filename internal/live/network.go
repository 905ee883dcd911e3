package live

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/ir"
)

// Endpoint receives tuples. Receive must be safe to call from any
// goroutine and must not block.
type Endpoint interface {
	Receive(t ir.Tuple) bool
}

// Stats counts network activity.
type Stats struct {
	Sent       int64
	Delivered  int64
	Lost       int64
	Unroutable int64
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithLatency sets the one-hop delivery delay. Zero delivers inline.
func WithLatency(d time.Duration) NetworkOption {
	return func(n *Network) {
		n.latency = d
	}
}

// WithLoss drops each delivery with probability p.
func WithLoss(p float64, seed int64) NetworkOption {
	return func(n *Network) {
		n.loss = p
		n.rng = rand.New(rand.NewSource(seed))
	}
}

// Network is a thread-safe in-process transport with dynamic undirected
// links. Routing rules match sim.Network: broadcast reaches current
// neighbours, unicast needs a link except to oneself.
type Network struct {
	sched   *Scheduler
	latency time.Duration
	loss    float64

	mu        sync.RWMutex
	endpoints map[ir.Address]Endpoint
	links     map[[2]ir.Address]bool

	rngMu sync.Mutex
	rng   *rand.Rand

	sent, delivered, lost, unroutable atomic.Int64
}

// NewNetwork creates a network whose latency runs on sched's clock.
func NewNetwork(sched *Scheduler, opts ...NetworkOption) *Network {
	n := &Network{
		sched:     sched,
		endpoints: make(map[ir.Address]Endpoint),
		links:     make(map[[2]ir.Address]bool),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Attach registers an endpoint at addr.
func (n *Network) Attach(addr ir.Address, ep Endpoint) error {
	if addr == ir.Broadcast {
		return errors.Newf("cannot attach at broadcast address")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, dup := n.endpoints[addr]; dup {
		return errors.Newf("address %s already attached", addr)
	}
	n.endpoints[addr] = ep
	return nil
}

func linkKey(a, b ir.Address) [2]ir.Address {
	if a > b {
		a, b = b, a
	}
	return [2]ir.Address{a, b}
}

// Link brings up a-b.
func (n *Network) Link(a, b ir.Address) {
	if a == b {
		return
	}
	n.mu.Lock()
	n.links[linkKey(a, b)] = true
	n.mu.Unlock()
}

// Unlink takes down a-b.
func (n *Network) Unlink(a, b ir.Address) {
	n.mu.Lock()
	delete(n.links, linkKey(a, b))
	n.mu.Unlock()
}

// Neighbors returns the addresses linked to a, ascending.
func (n *Network) Neighbors(a ir.Address) []ir.Address {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.neighborsLocked(a)
}

func (n *Network) neighborsLocked(a ir.Address) []ir.Address {
	var out []ir.Address
	for k := range n.links {
		switch a {
		case k[0]:
			out = append(out, k[1])
		case k[1]:
			out = append(out, k[0])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats returns the counters so far.
func (n *Network) Stats() Stats {
	return Stats{
		Sent:       n.sent.Load(),
		Delivered:  n.delivered.Load(),
		Lost:       n.lost.Load(),
		Unroutable: n.unroutable.Load(),
	}
}

// Deliver implements engine.Transport.
func (n *Network) Deliver(from, to ir.Address, t ir.Tuple) {
	n.sent.Add(1)

	n.mu.RLock()
	var targets []Endpoint
	switch {
	case to == ir.Broadcast:
		for _, nb := range n.neighborsLocked(from) {
			if ep, ok := n.endpoints[nb]; ok {
				targets = append(targets, ep)
			}
		}
	case to == from || n.links[linkKey(from, to)]:
		if ep, ok := n.endpoints[to]; ok {
			targets = append(targets, ep)
		}
	}
	n.mu.RUnlock()

	if len(targets) == 0 && to != ir.Broadcast {
		n.unroutable.Add(1)
		slog.Debug("unroutable send", "from", from.String(), "to", to.String(), "tuple", t.String())
		return
	}
	for _, ep := range targets {
		n.transmit(ep, t)
	}
}

func (n *Network) transmit(ep Endpoint, t ir.Tuple) {
	if n.dropped() {
		n.lost.Add(1)
		return
	}
	deliver := func() {
		if ep.Receive(t) {
			n.delivered.Add(1)
		}
	}
	if n.latency <= 0 {
		deliver()
		return
	}
	n.sched.Schedule(n.latency, deliver)
}

func (n *Network) dropped() bool {
	if n.rng == nil || n.loss <= 0 {
		return false
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64() < n.loss
}
