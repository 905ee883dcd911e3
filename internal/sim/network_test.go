package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/testutil"
)

var (
	addrA = ir.MustAddress("10.0.0.1")
	addrB = ir.MustAddress("10.0.0.2")
	addrC = ir.MustAddress("10.0.0.3")
)

// inbox is an Endpoint that records what it receives.
type inbox struct {
	got     []ir.Tuple
	pending int
	drained int
}

func (i *inbox) Receive(t ir.Tuple) bool {
	i.got = append(i.got, t)
	i.pending++
	return true
}

func (i *inbox) Drain() int {
	n := i.pending
	i.pending = 0
	i.drained += n
	return n
}

func setup(t *testing.T, opts ...Option) (*Scheduler, *Network, map[ir.Address]*inbox) {
	t.Helper()
	s := NewScheduler(testutil.Epoch)
	n := NewNetwork(s, opts...)
	boxes := map[ir.Address]*inbox{}
	for _, a := range []ir.Address{addrC, addrA, addrB} {
		boxes[a] = &inbox{}
		require.NoError(t, n.Attach(a, boxes[a]))
	}
	return s, n, boxes
}

func msg(id int32) ir.Tuple {
	return ir.NewTuple("eMsg", ir.A("id", ir.Int32(id)))
}

func TestNetwork_Attach(t *testing.T) {
	_, n, _ := setup(t)
	assert.Equal(t, []ir.Address{addrA, addrB, addrC}, n.Endpoints())
	assert.Error(t, n.Attach(addrA, &inbox{}))
	assert.Error(t, n.Attach(ir.Broadcast, &inbox{}))
}

func TestNetwork_BroadcastReachesCurrentNeighbours(t *testing.T) {
	s, n, boxes := setup(t)
	n.Link(addrA, addrB)

	n.Deliver(addrA, ir.Broadcast, msg(1))
	n.Link(addrA, addrC) // too late for the first broadcast
	n.Deliver(addrA, ir.Broadcast, msg(2))
	s.RunFor(time.Second)

	assert.Len(t, boxes[addrB].got, 2)
	assert.Len(t, boxes[addrC].got, 1)
	assert.Empty(t, boxes[addrA].got)
	assert.Equal(t, []ir.Address{addrB, addrC}, n.Neighbors(addrA))
}

func TestNetwork_UnicastNeedsLink(t *testing.T) {
	s, n, boxes := setup(t)
	n.Link(addrA, addrB)

	n.Deliver(addrA, addrB, msg(1))
	n.Deliver(addrA, addrC, msg(2))
	n.Deliver(addrC, addrC, msg(3))
	s.RunFor(time.Second)

	assert.Len(t, boxes[addrB].got, 1)
	assert.Len(t, boxes[addrC].got, 1, "only the self-send reaches C")
	st := n.Stats()
	assert.Equal(t, 3, st.Sent)
	assert.Equal(t, 2, st.Delivered)
	assert.Equal(t, 1, st.Unroutable)
}

func TestNetwork_LinksAreUndirected(t *testing.T) {
	_, n, _ := setup(t)
	n.Link(addrB, addrA)
	assert.True(t, n.Linked(addrA, addrB))
	n.Unlink(addrA, addrB)
	assert.False(t, n.Linked(addrB, addrA))
	n.Unlink(addrA, addrB)
	n.Link(addrA, addrA)
	assert.False(t, n.Linked(addrA, addrA))
}

func TestNetwork_InFlightSurvivesUnlink(t *testing.T) {
	s, n, boxes := setup(t, WithLatency(time.Second))
	n.Link(addrA, addrB)
	n.Deliver(addrA, addrB, msg(1))
	n.Unlink(addrA, addrB)

	s.RunFor(500 * time.Millisecond)
	assert.Empty(t, boxes[addrB].got)
	s.RunFor(time.Second)
	assert.Len(t, boxes[addrB].got, 1)
}

func TestNetwork_DrainsAfterEveryStep(t *testing.T) {
	s, n, boxes := setup(t)
	n.Link(addrA, addrB)
	n.Deliver(addrA, addrB, msg(1))
	require.True(t, s.Step())
	assert.Equal(t, 1, boxes[addrB].drained)
	assert.Equal(t, 0, boxes[addrB].pending)
}

func TestNetwork_LossIsSeeded(t *testing.T) {
	run := func() Stats {
		s, n, _ := setup(t, WithLoss(0.5, 42))
		n.Link(addrA, addrB)
		for i := int32(0); i < 200; i++ {
			n.Deliver(addrA, addrB, msg(i))
		}
		s.RunFor(time.Second)
		return n.Stats()
	}
	first, second := run(), run()
	assert.Equal(t, first, second)
	assert.Greater(t, first.Lost, 0)
	assert.Greater(t, first.Delivered, 0)
	assert.Equal(t, 200, first.Lost+first.Delivered)
}
