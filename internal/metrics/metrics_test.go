package metrics

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/ir"
)

var (
	addrA = ir.MustAddress("10.0.0.1")
	addrB = ir.MustAddress("10.0.0.2")
)

func TestCollector_Counts(t *testing.T) {
	c := New(nil)
	ping := ir.NewTuple("ePing", ir.A("src", addrA))

	c.Observe(engine.Record{Kind: engine.RecordDispatch, Node: addrA, Event: ir.Recv(ping)})
	c.Observe(engine.Record{Kind: engine.RecordDispatch, Node: addrA, Event: ir.Recv(ping)})
	c.Observe(engine.Record{Kind: engine.RecordRule, Node: addrA, Event: ir.Recv(ping), Rule: "p1", Outputs: 3})
	c.Observe(engine.Record{Kind: engine.RecordRule, Node: addrA, Event: ir.Recv(ping), Rule: "p2"})
	c.Observe(engine.Record{Kind: engine.RecordSend, Node: addrA, Event: ir.Recv(ping), Peer: addrB})
	c.Observe(engine.Record{Kind: engine.RecordDrop, Node: addrB, Event: ir.Recv(ping), Reason: engine.ErrCodeVerifyFailed})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.dispatched.WithLabelValues("10.0.0.1", "recv", "ePing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rules.WithLabelValues("10.0.0.1", "p1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.outputs.WithLabelValues("10.0.0.1", "p1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sends.WithLabelValues("10.0.0.1", "ePing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.drops.WithLabelValues("10.0.0.2", "VERIFY_FAILED")))

	totals, err := c.Totals()
	require.NoError(t, err)
	assert.Equal(t, 2.0, totals["ndrt_node_rule_firings_total"])
	assert.Equal(t, 3.0, totals["ndrt_node_rule_outputs_total"])
	assert.NotContains(t, totals, "ndrt_network_tuples", "gauges are not summed")
}

func TestCollector_WriteText(t *testing.T) {
	c := New(nil)
	c.Observe(engine.Record{Kind: engine.RecordDrop, Node: addrA, Reason: engine.ErrCodeQuotaExceeded})
	c.SetNetwork(10, 7, 2, 1)

	var buf bytes.Buffer
	require.NoError(t, c.WriteText(&buf))
	out := buf.String()
	assert.Contains(t, out, "# TYPE ndrt_node_drops_total counter")
	assert.Contains(t, out, `ndrt_node_drops_total{node="10.0.0.1",reason="QUOTA_EXCEEDED"} 1`)
	assert.Contains(t, out, `ndrt_network_tuples{outcome="lost"} 2`)
}

func TestNew_SharedRegistryRejectsSecondCollector(t *testing.T) {
	c := New(nil)
	assert.Panics(t, func() { New(c.Registry()) })
}
