package discovery_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/protocols/discovery"
	"github.com/roach88/ndrt/internal/sim"
	"github.com/roach88/ndrt/internal/testutil"
)

var (
	addrA = ir.MustAddress("10.0.0.1")
	addrB = ir.MustAddress("10.0.0.2")
)

func TestDiscovery_LinkLifecycle(t *testing.T) {
	table, err := discovery.Table()
	require.NoError(t, err)

	var events []string
	obs := engine.ObserverFunc(func(r engine.Record) {
		if r.Kind != engine.RecordDispatch || r.Event.Kind != ir.EventRecv {
			return
		}
		switch r.Event.Tuple.Tag {
		case discovery.LinkAdd, discovery.LinkDel:
			nbr, _ := r.Event.Tuple.Get("nbr")
			events = append(events, r.Node.String()+" "+r.Event.Tuple.Tag+" "+nbr.String())
		}
	})

	sched := sim.NewScheduler(testutil.Epoch)
	net := sim.NewNetwork(sched)
	nodes := map[ir.Address]*engine.Node{}
	for _, a := range []ir.Address{addrA, addrB} {
		n, err := engine.New(a, table, sched, net, engine.WithObserver(obs))
		require.NoError(t, err)
		require.NoError(t, net.Attach(a, n))
		require.NoError(t, n.Start())
		nodes[a] = n
	}
	net.Link(addrA, addrB)

	sched.RunFor(3 * time.Second)
	assert.ElementsMatch(t, []string{
		"10.0.0.1 eLinkDiscoveryAdd 10.0.0.2",
		"10.0.0.2 eLinkDiscoveryAdd 10.0.0.1",
	}, events, "refreshing beacons do not re-announce the link")

	links, err := nodes[addrA].Lookup(discovery.Link, nil)
	require.NoError(t, err)
	require.Len(t, links, 1)

	events = nil
	net.Unlink(addrA, addrB)
	sched.RunFor(4 * time.Second)
	assert.Empty(t, events, "links survive the retention window")

	sched.RunFor(3 * time.Second)
	assert.ElementsMatch(t, []string{
		"10.0.0.1 eLinkDiscoveryDel 10.0.0.2",
		"10.0.0.2 eLinkDiscoveryDel 10.0.0.1",
	}, events)

	links, err = nodes[addrA].Lookup(discovery.Link, nil)
	require.NoError(t, err)
	assert.Empty(t, links)
}
