// Package metrics exposes node execution as Prometheus counters.
//
// A Collector is an engine.Observer: attach it to every node of a run and
// it counts dispatched events, rule firings, sends and drops per node.
// WriteText dumps the registry in the Prometheus text exposition format,
// which is what the CLI prints after a simulation.
package metrics

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/roach88/ndrt/internal/engine"
)

const namespace = "ndrt"

// Collector counts execution records.
type Collector struct {
	registry *prometheus.Registry

	dispatched *prometheus.CounterVec
	rules      *prometheus.CounterVec
	outputs    *prometheus.CounterVec
	sends      *prometheus.CounterVec
	drops      *prometheus.CounterVec
	network    *prometheus.GaugeVec
}

// New creates a Collector registered on reg, or on a fresh registry when
// reg is nil.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "events_dispatched_total",
			Help:      "Events taken from the worklist and dispatched",
		}, []string{"node", "kind", "tag"}),
		rules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "rule_firings_total",
			Help:      "Rule and handler executions",
		}, []string{"node", "rule"}),
		outputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "rule_outputs_total",
			Help:      "Tuples produced by declarative rules",
		}, []string{"node", "rule"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "tuples_sent_total",
			Help:      "Tuples handed to the transport",
		}, []string{"node", "tag"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "drops_total",
			Help:      "Events or tuples discarded",
		}, []string{"node", "reason"}),
		network: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "tuples",
			Help:      "Network tuple counts by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(c.dispatched, c.rules, c.outputs, c.sends, c.drops, c.network)
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Observe implements engine.Observer.
func (c *Collector) Observe(r engine.Record) {
	node := r.Node.String()
	switch r.Kind {
	case engine.RecordDispatch:
		c.dispatched.WithLabelValues(node, r.Event.Kind.String(), r.Event.Tuple.Tag).Inc()
	case engine.RecordRule:
		c.rules.WithLabelValues(node, r.Rule).Inc()
		if r.Outputs > 0 {
			c.outputs.WithLabelValues(node, r.Rule).Add(float64(r.Outputs))
		}
	case engine.RecordSend:
		c.sends.WithLabelValues(node, r.Event.Tuple.Tag).Inc()
	case engine.RecordDrop:
		c.drops.WithLabelValues(node, string(r.Reason)).Inc()
	}
}

// SetNetwork records network totals, typically once at the end of a run.
func (c *Collector) SetNetwork(sent, delivered, lost, unroutable int) {
	for outcome, n := range map[string]int{
		"sent":       sent,
		"delivered":  delivered,
		"lost":       lost,
		"unroutable": unroutable,
	} {
		c.network.WithLabelValues(outcome).Set(float64(n))
	}
}

// WriteText writes every metric family in the text exposition format.
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.registry.Gather()
	if err != nil {
		return errors.Wrap(err, "gather metrics")
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrapf(err, "write %s", mf.GetName())
		}
	}
	return nil
}

// Totals sums each counter family across its labels, keyed by metric
// name. The CLI prints it as a compact run summary.
func (c *Collector) Totals() (map[string]float64, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "gather metrics")
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		out[mf.GetName()] = sum
	}
	return out, nil
}
