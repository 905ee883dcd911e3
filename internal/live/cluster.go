package live

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/ir"
)

// Cluster owns a set of nodes sharing one scheduler and network.
//
// Lifecycle: Add nodes, then Run. Nodes cannot be added while running.
// After Run returns, Node(addr).Lookup is safe again.
type Cluster struct {
	Sched *Scheduler
	Net   *Network

	mu      sync.Mutex
	nodes   map[ir.Address]*engine.Node
	running bool
}

// NewCluster creates an empty cluster.
func NewCluster(sched *Scheduler, net *Network) *Cluster {
	return &Cluster{Sched: sched, Net: net, nodes: make(map[ir.Address]*engine.Node)}
}

// Add creates a node at addr running table and attaches it to the network.
func (c *Cluster) Add(addr ir.Address, table *engine.RuleTable, opts ...engine.Option) (*engine.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, errors.New("cannot add nodes to a running cluster")
	}
	n, err := engine.New(addr, table, c.Sched, c.Net, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Net.Attach(addr, n); err != nil {
		return nil, err
	}
	c.nodes[addr] = n
	return n, nil
}

// Node returns the node at addr.
func (c *Cluster) Node(addr ir.Address) (*engine.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[addr]
	return n, ok
}

// Addrs returns node addresses, ascending.
func (c *Cluster) Addrs() []ir.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ir.Address, 0, len(c.nodes))
	for a := range c.nodes {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run starts every node's timers and run loop, and blocks until ctx is
// cancelled. Every node is stopped before Run returns.
func (c *Cluster) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("cluster already running")
	}
	c.running = true
	nodes := make([]*engine.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for _, n := range nodes {
		if err := n.Start(); err != nil {
			for _, m := range nodes {
				m.Stop()
			}
			return errors.Wrapf(err, "start %s", n.Addr())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			err := n.Run(gctx)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		})
	}
	slog.Info("cluster running", "nodes", len(nodes))
	err := g.Wait()
	slog.Info("cluster stopped", "nodes", len(nodes))
	return err
}
