package harness

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/live"
	"github.com/roach88/ndrt/internal/sim"
	"github.com/roach88/ndrt/internal/timer"
)

type liveWorld struct{ c *live.Cluster }

func (w liveWorld) Node(a ir.Address) (*engine.Node, bool) { return w.c.Node(a) }
func (w liveWorld) Link(a, b ir.Address)                   { w.c.Net.Link(a, b) }
func (w liveWorld) Unlink(a, b ir.Address)                 { w.c.Net.Unlink(a, b) }

// RunRealtime runs the plan on a live cluster, one goroutine per node,
// against the wall clock (or the clock set with WithClock). Steps fire at
// their offsets and checks run once the scenario duration has elapsed or
// ctx is cancelled. The trace is in observation order, which is not
// reproducible across runs.
func (p *Plan) RunRealtime(ctx context.Context, opts ...Option) (*Result, error) {
	cfg := newConfig(opts)
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}

	sched := live.NewScheduler(cfg.clock)
	var netOpts []live.NetworkOption
	if p.Latency > 0 {
		netOpts = append(netOpts, live.WithLatency(p.Latency))
	}
	if p.Scenario.Loss > 0 {
		netOpts = append(netOpts, live.WithLoss(p.Scenario.Loss, p.Scenario.Seed))
	}
	cluster := live.NewCluster(sched, live.NewNetwork(sched, netOpts...))

	rec := newRecorder(sched.Now())
	observers := append(engine.Observers{rec}, cfg.observers...)
	for _, a := range p.Nodes {
		if _, err := cluster.Add(a, p.Table, append(p.NodeOptions(a), engine.WithObserver(observers))...); err != nil {
			return nil, err
		}
	}
	w := liveWorld{cluster}
	for _, l := range p.Links {
		w.Link(l[0], l[1])
	}
	for _, f := range p.Facts {
		n, _ := w.Node(f.Node)
		n.InsertFact(f.Tuple)
	}

	result := NewResult()
	var mu sync.Mutex
	timers := make([]timer.Timer, 0, len(p.Steps)+1)
	for _, st := range p.Steps {
		st := st
		timers = append(timers, sched.Schedule(st.At, func() {
			cfg.logger.Debug("scenario step", "scenario", p.Scenario.Name, "step", st.String())
			if err := Apply(w, st); err != nil {
				mu.Lock()
				result.AddError("step " + st.String() + ": " + err.Error())
				mu.Unlock()
			}
		}))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timers = append(timers, sched.Schedule(p.Duration, cancel))
	err := cluster.Run(runCtx)
	for _, t := range timers {
		t.Stop()
	}
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	rec.mu.Lock()
	result.Trace = rec.trace
	result.Drops = rec.drops
	rec.mu.Unlock()
	stats := cluster.Net.Stats()
	result.Network = sim.Stats{
		Sent:       int(stats.Sent),
		Delivered:  int(stats.Delivered),
		Lost:       int(stats.Lost),
		Unroutable: int(stats.Unroutable),
	}
	if err := p.finish(result, w, rec); err != nil {
		return nil, err
	}

	cfg.logger.Info("realtime scenario finished",
		"scenario", p.Scenario.Name,
		"pass", result.Pass,
		"events", len(result.Trace),
		"drops", result.Drops,
	)
	return result, nil
}
