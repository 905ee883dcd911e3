package engine

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ndrt/internal/algebra"
	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/sim"
	"github.com/roach88/ndrt/internal/testutil"
	"github.com/roach88/ndrt/internal/timer"
)

func TestNew_Rejects(t *testing.T) {
	table := mustBuild(t, baseBuilder())
	sched := sim.NewScheduler(testutil.Epoch)

	_, err := New(addrA, nil, sched, nil)
	assert.Error(t, err)
	_, err = New(addrA, table, nil, nil)
	assert.Error(t, err)
	_, err = New(ir.Broadcast, table, sched, nil)
	assert.Error(t, err)
}

func TestNode_BreadthFirstCascade(t *testing.T) {
	table := mustBuild(t, NewBuilder("cascade").
		Relation(locN("seen", keyLoc)).
		Relation(locN("chain", keyLoc)).
		Event(locN("eProbe")).
		Event(locN("eEcho")).
		Rule(Rule{Name: "p1", On: OnRecv("eProbe"), Body: algebra.Pipeline{copyTo("seen")}, Action: ActionInsert}).
		Rule(Rule{Name: "p2", On: OnRecv("eProbe"), Body: algebra.Pipeline{copyTo("eEcho")}, Action: ActionSendLocal}).
		Rule(Rule{Name: "p3", On: OnInsert("seen"), Body: algebra.Pipeline{copyTo("chain")}, Action: ActionInsert}))

	rec := &recorder{}
	c := newCluster(t, table, []ir.Address{addrA}, WithObserver(rec))
	n := c.nodes[addrA]

	require.True(t, n.Receive(probe(addrA, 7)))
	assert.Equal(t, 1, n.Drain())

	assert.Equal(t, []string{
		"recv eProbe",
		"insert seen",
		"recv eEcho",
		"insert chain",
	}, rec.dispatched(), "events caused by one event queue behind its siblings")

	chain, err := n.Lookup("chain", nil)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, ir.Int32(7), chain[0].Values()[1])
}

func TestNode_RulesRunInDeclarationOrder(t *testing.T) {
	var order []string
	h := func(name string) Handler {
		return func(*Context, ir.Tuple) error {
			order = append(order, name)
			return nil
		}
	}
	table := mustBuild(t, baseBuilder().
		Handle("h2", OnRecv("eProbe"), h("h2")).
		Handle("h1", OnRecv("eProbe"), h("h1")).
		Handle("h3", OnRecv("eProbe"), h("h3")))

	c := newCluster(t, table, []ir.Address{addrA})
	c.nodes[addrA].Receive(probe(addrA, 1))
	c.nodes[addrA].Drain()

	assert.Equal(t, []string{"h2", "h1", "h3"}, order)
}

func TestNode_HandlerErrorDoesNotStopSiblings(t *testing.T) {
	ran := false
	table := mustBuild(t, baseBuilder().
		Handle("fails", OnRecv("eProbe"), func(*Context, ir.Tuple) error { return errors.New("boom") }).
		Handle("after", OnRecv("eProbe"), func(*Context, ir.Tuple) error { ran = true; return nil }))

	rec := &recorder{}
	c := newCluster(t, table, []ir.Address{addrA}, WithObserver(rec))
	c.nodes[addrA].Receive(probe(addrA, 1))
	c.nodes[addrA].Drain()

	assert.True(t, ran)
	drops := rec.of(RecordDrop)
	require.Len(t, drops, 1)
	assert.Equal(t, ErrCodeRuleFailed, drops[0].Reason)
	assert.Equal(t, "fails", drops[0].Rule)
}

func TestNode_ReceiveConformsToEventSchema(t *testing.T) {
	var got ir.Tuple
	table := mustBuild(t, baseBuilder().
		Handle("grab", OnRecv("eProbe"), func(_ *Context, tu ir.Tuple) error { got = tu; return nil }))

	c := newCluster(t, table, []ir.Address{addrA})
	n := c.nodes[addrA]
	n.Receive(ir.NewTuple("eProbe",
		ir.A("x", addrA),
		ir.A("y", ir.Int32(3)),
		ir.A(ir.DestAttr, addrA),
	))
	n.Drain()

	assert.Equal(t, []string{"loc", "n"}, got.Names(), "names come from the schema and $dest is stripped")
}

func TestNode_MalformedReceiveIsDropped(t *testing.T) {
	table := mustBuild(t, baseBuilder().
		Rule(Rule{Name: "p1", On: OnRecv("eProbe"), Body: algebra.Pipeline{copyTo("seen")}, Action: ActionInsert}))

	rec := &recorder{}
	c := newCluster(t, table, []ir.Address{addrA}, WithObserver(rec))
	n := c.nodes[addrA]
	n.Receive(ir.NewTuple("eProbe", ir.A("loc", addrA), ir.A("n", ir.String("seven"))))
	n.Receive(ir.NewTuple("eProbe", ir.A("loc", addrA)))
	n.Drain()

	drops := rec.of(RecordDrop)
	require.Len(t, drops, 2)
	for _, d := range drops {
		assert.Equal(t, ErrCodeMalformed, d.Reason)
	}
	seen, err := n.Lookup("seen", nil)
	require.NoError(t, err)
	assert.Empty(t, seen)
}

func TestNode_UnboundReceiveIsObservedOnly(t *testing.T) {
	rec := &recorder{}
	c := newCluster(t, mustBuild(t, baseBuilder()), []ir.Address{addrA}, WithObserver(rec))
	c.nodes[addrA].Receive(ir.NewTuple("eUnknown", ir.A("x", ir.Int32(1))))
	c.nodes[addrA].Drain()

	assert.Equal(t, []string{"recv eUnknown"}, rec.dispatched())
	assert.Empty(t, rec.of(RecordDrop))
}

func TestNode_SendAcrossLink(t *testing.T) {
	table := mustBuild(t, baseBuilder().
		Rule(Rule{Name: "s1", On: OnRecv("eProbe"), Body: pingTo(addrB), Action: ActionSend}).
		Rule(Rule{Name: "s2", On: OnRecv("ePing"),
			Body: algebra.Pipeline{algebra.Project{Tag: "seen", In: []string{"src", "n"}}}, Action: ActionInsert}))

	rec := &recorder{}
	c := newCluster(t, table, []ir.Address{addrA, addrB, addrC}, WithObserver(rec))
	c.net.Link(addrA, addrB)

	c.nodes[addrA].Inject(probe(addrA, 4))
	c.net.DrainAll()
	c.sched.RunFor(time.Second)

	seen, err := c.nodes[addrB].Lookup("seen", nil)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Equal(ir.NewTuple("seen", ir.A("loc", addrA), ir.A("n", ir.Int32(4)))))

	sends := rec.of(RecordSend)
	require.Len(t, sends, 1)
	assert.Equal(t, addrB, sends[0].Peer)
	assert.Equal(t, addrA, sends[0].Node)
	_, hasDest := sends[0].Event.Tuple.Get(ir.DestAttr)
	assert.False(t, hasDest, "$dest never travels")

	// Without a link the send is silently lost.
	c.net.Unlink(addrA, addrB)
	c.nodes[addrA].Inject(probe(addrA, 5))
	c.net.DrainAll()
	c.sched.RunFor(time.Second)
	seen, err = c.nodes[addrB].Lookup("seen", nil)
	require.NoError(t, err)
	assert.Equal(t, ir.Int32(4), seen[0].Values()[1])
}

func signedTable(t *testing.T) *RuleTable {
	return mustBuild(t, baseBuilder().
		Rule(Rule{Name: "s1", On: OnRecv("eProbe"), Body: pingTo(addrB), Action: ActionSend, Sign: true}).
		Handle("forge", OnRecv("eForge"), func(ctx *Context, tu ir.Tuple) error {
			signed, err := ctx.Sign(ir.NewTuple("ePing", ir.A("src", ctx.Local()), ir.A("n", ir.Int32(1))))
			if err != nil {
				return err
			}
			// Claim to be C while carrying A's signature.
			return ctx.Send(signed.With("src", addrC).With(ir.DestAttr, addrB))
		}).
		Event(locN("eForge")).
		Rule(Rule{Name: "v1", On: OnRecv("ePing"), Verify: "src",
			Body: algebra.Pipeline{algebra.Project{Tag: "seen", In: []string{"src", "n"}}}, Action: ActionInsert}))
}

func TestNode_SignedSendVerifies(t *testing.T) {
	rec := &recorder{}
	c := newCluster(t, signedTable(t), []ir.Address{addrA, addrB}, WithSigner(hashSigner{}), WithObserver(rec))
	c.net.Link(addrA, addrB)

	c.nodes[addrA].Inject(probe(addrA, 9))
	c.net.DrainAll()
	c.sched.RunFor(time.Second)

	seen, err := c.nodes[addrB].Lookup("seen", nil)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Empty(t, rec.of(RecordDrop))

	sent := rec.of(RecordSend)[0].Event.Tuple
	sig, ok := sent.Get(ir.SigAttr)
	require.True(t, ok)
	assert.IsType(t, ir.String(""), sig)
}

func TestNode_VerifyFailuresAreDropped(t *testing.T) {
	rec := &recorder{}
	c := newCluster(t, signedTable(t), []ir.Address{addrA, addrB}, WithSigner(hashSigner{}), WithObserver(rec))
	c.net.Link(addrA, addrB)

	// Forged origin.
	c.nodes[addrA].Inject(ir.NewTuple("eForge", ir.A("loc", addrA), ir.A("n", ir.Int32(0))))
	// Unsigned ePing straight into B.
	c.nodes[addrB].Receive(ir.NewTuple("ePing", ir.A("src", addrA), ir.A("n", ir.Int32(2))))
	// Garbage signature.
	c.nodes[addrB].Receive(ir.NewTuple("ePing", ir.A("src", addrA), ir.A("n", ir.Int32(3)), ir.A(ir.SigAttr, ir.String("zz"))))
	c.net.DrainAll()
	c.sched.RunFor(time.Second)

	seen, err := c.nodes[addrB].Lookup("seen", nil)
	require.NoError(t, err)
	assert.Empty(t, seen)

	drops := rec.of(RecordDrop)
	require.Len(t, drops, 3)
	for _, d := range drops {
		assert.Equal(t, ErrCodeVerifyFailed, d.Reason)
		assert.Equal(t, "v1", d.Rule)
		assert.Equal(t, addrB, d.Node)
	}
}

func TestNode_SignWithoutSignerFails(t *testing.T) {
	rec := &recorder{}
	c := newCluster(t, signedTable(t), []ir.Address{addrA, addrB}, WithObserver(rec))
	c.net.Link(addrA, addrB)
	c.nodes[addrA].Inject(probe(addrA, 1))
	c.net.DrainAll()

	assert.Empty(t, rec.of(RecordSend))
	drops := rec.of(RecordDrop)
	require.Len(t, drops, 1)
	assert.Equal(t, "s1", drops[0].Rule)
}

func TestNode_QuotaStopsRunawayCascade(t *testing.T) {
	table := mustBuild(t, NewBuilder("runaway").
		Relation(locN("counter", keyLoc)).
		Event(locN("eProbe")).
		Rule(Rule{Name: "q1", On: OnRecv("eProbe"), Body: algebra.Pipeline{copyTo("counter")}, Action: ActionInsert}).
		Rule(Rule{Name: "q2", On: OnInsert("counter"), Action: ActionInsert, Body: algebra.Pipeline{
			algebra.Assign{Name: "m", Fn: "randomId"},
			algebra.Project{Tag: "counter", In: []string{"loc", "m"}, Out: []string{"loc", "n"}},
		}}))

	rec := &recorder{}
	c := newCluster(t, table, []ir.Address{addrA},
		WithMaxSteps(20), WithObserver(rec), WithRand(testutil.NewSequenceRand()))
	n := c.nodes[addrA]

	n.Receive(probe(addrA, 0))
	assert.Equal(t, 1, n.Drain(), "the node returns to its loop")

	drops := rec.of(RecordDrop)
	require.Len(t, drops, 1)
	assert.Equal(t, ErrCodeQuotaExceeded, drops[0].Reason)
	assert.Equal(t, ir.EventRecv, drops[0].Event.Kind)
	assert.Equal(t, "eProbe", drops[0].Event.Tuple.Tag)
	assert.Len(t, rec.of(RecordRule), 20)

	// The next item gets a fresh quota.
	n.Receive(probe(addrA, 0))
	n.Drain()
	assert.Len(t, rec.of(RecordDrop), 2)
}

func TestNode_QuotaDropRecordsOriginatingEvent(t *testing.T) {
	table := mustBuild(t, NewBuilder("runaway").
		Relation(locN("counter", keyLoc)).
		Rule(Rule{Name: "q2", On: OnInsert("counter"), Action: ActionInsert, Body: algebra.Pipeline{
			algebra.Assign{Name: "m", Fn: "randomId"},
			algebra.Project{Tag: "counter", In: []string{"loc", "m"}, Out: []string{"loc", "n"}},
		}}))

	rec := &recorder{}
	c := newCluster(t, table, []ir.Address{addrA},
		WithMaxSteps(10), WithObserver(rec), WithRand(testutil.NewSequenceRand()))
	n := c.nodes[addrA]

	fact := ir.NewTuple("counter", ir.A("loc", addrA), ir.A("n", ir.Int32(0)))
	require.True(t, n.InsertFact(fact))
	n.Drain()

	drops := rec.of(RecordDrop)
	require.Len(t, drops, 1)
	assert.Equal(t, ErrCodeQuotaExceeded, drops[0].Reason)
	assert.Equal(t, ir.EventInsert, drops[0].Event.Kind, "a runaway fact insert is not reported as a receipt")
	assert.True(t, drops[0].Event.Tuple.Equal(fact))
}

func TestNode_PeriodicTrigger(t *testing.T) {
	var fired []ir.Tuple
	table := mustBuild(t, baseBuilder().
		Periodic("tick", timer.Every(time.Second, time.Second)).
		Handle("count", OnTimer("tick"), func(_ *Context, tu ir.Tuple) error {
			fired = append(fired, tu)
			return nil
		}))

	c := newCluster(t, table, []ir.Address{addrA}, WithRand(testutil.NewSequenceRand(11, 22, 33)))
	n := c.nodes[addrA]
	require.NoError(t, n.Start())
	require.NoError(t, n.Start())

	c.sched.RunFor(3500 * time.Millisecond)
	require.Len(t, fired, 3)
	assert.True(t, fired[0].Equal(ir.NewTuple("tick", ir.A("loc", addrA), ir.A("nonce", ir.Int32(11)))))
	assert.Equal(t, ir.Int32(33), fired[2].Values()[1])

	n.Stop()
	c.sched.RunFor(5 * time.Second)
	assert.Len(t, fired, 3, "stopped nodes fire no timers")
}

func TestNode_ScheduleAndCancel(t *testing.T) {
	fired := 0
	table := mustBuild(t, baseBuilder().
		Periodic("tick", timer.Once(time.Hour)).
		Handle("count", OnTimer("tick"), func(*Context, ir.Tuple) error { fired++; return nil }))

	// No network: nothing drains the node behind our back.
	sched := sim.NewScheduler(testutil.Epoch)
	n, err := New(addrA, table, sched, nil)
	require.NoError(t, err)

	_, err = n.Schedule("eProbe", timer.Once(0))
	assert.Error(t, err, "only declared periodic tags can be scheduled")

	h, err := n.Schedule("tick", timer.Every(time.Second, time.Second))
	require.NoError(t, err)

	sched.RunFor(1500 * time.Millisecond)
	n.Drain()
	assert.Equal(t, 1, fired)

	// A firing already queued when the trigger is cancelled is dropped.
	sched.RunFor(time.Second)
	assert.Equal(t, 1, n.Pending())
	n.Cancel(h)
	n.Cancel(h)
	n.Drain()
	assert.Equal(t, 1, fired)

	sched.RunFor(5 * time.Second)
	assert.Equal(t, 0, n.Pending())
}

func TestNode_CancelForgetsTimer(t *testing.T) {
	table := mustBuild(t, baseBuilder().Periodic("tick", timer.Once(time.Hour)))
	n, err := New(addrA, table, sim.NewScheduler(testutil.Epoch), nil)
	require.NoError(t, err)

	keep, err := n.Schedule("tick", timer.Every(time.Second, time.Second))
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		h, err := n.Schedule("tick", timer.Once(time.Minute))
		require.NoError(t, err)
		n.Cancel(h)
	}

	n.mu.Lock()
	assert.Equal(t, []*timer.Handle{keep}, n.timers)
	n.mu.Unlock()

	n.Stop()
	assert.False(t, keep.Active(), "Stop still cancels the remaining trigger")
}

func TestNode_RetentionExpiryFiresDelete(t *testing.T) {
	var deletedAt []time.Time
	table := mustBuild(t, NewBuilder("expiry").
		Relation(locN("fresh", keyLoc, retain(5*time.Second))).
		Handle("gone", OnDelete("fresh"), func(ctx *Context, _ ir.Tuple) error {
			deletedAt = append(deletedAt, ctx.Now())
			return nil
		}))

	c := newCluster(t, table, []ir.Address{addrA})
	n := c.nodes[addrA]
	n.InsertFact(ir.NewTuple("fresh", ir.A("loc", addrA), ir.A("n", ir.Int32(1))))
	c.net.DrainAll()

	// Refresh at 3s pushes the deadline to 8s.
	c.sched.RunFor(3 * time.Second)
	n.InsertFact(ir.NewTuple("fresh", ir.A("loc", addrA), ir.A("n", ir.Int32(1))))
	c.net.DrainAll()

	c.sched.RunFor(time.Minute)
	require.Len(t, deletedAt, 1)
	assert.Equal(t, testutil.Epoch.Add(8*time.Second), deletedAt[0])

	left, err := n.Lookup("fresh", nil)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestNode_DeleteFact(t *testing.T) {
	var deleted []ir.Tuple
	table := mustBuild(t, baseBuilder().
		Handle("gone", OnDelete("seen"), func(_ *Context, tu ir.Tuple) error {
			deleted = append(deleted, tu)
			return nil
		}))

	c := newCluster(t, table, []ir.Address{addrA})
	n := c.nodes[addrA]
	n.InsertFact(ir.NewTuple("seen", ir.A("loc", addrA), ir.A("n", ir.Int32(1))))
	n.DeleteFact(ir.NewTuple("seen", ir.A("loc", addrA), ir.A("n", ir.Int32(99))))
	n.DeleteFact(ir.NewTuple("seen", ir.A("loc", addrA), ir.A("n", ir.Int32(99))))
	n.Drain()

	require.Len(t, deleted, 1, "deleting an absent key emits nothing")
	assert.Equal(t, ir.Int32(1), deleted[0].Values()[1])
}

func TestNode_RunUntilCancelled(t *testing.T) {
	done := make(chan ir.Tuple, 1)
	table := mustBuild(t, baseBuilder().
		Handle("grab", OnRecv("eProbe"), func(_ *Context, tu ir.Tuple) error {
			done <- tu
			return nil
		}))

	n, err := New(addrA, table, sim.NewScheduler(testutil.Epoch), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- n.Run(ctx) }()

	n.Receive(probe(addrA, 2))
	select {
	case tu := <-done:
		assert.Equal(t, ir.Int32(2), tu.Values()[1])
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not dispatch")
	}

	cancel()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop")
	}
	assert.False(t, n.Receive(probe(addrA, 3)), "a stopped node refuses input")
}

func TestNode_RunReturnsAfterStop(t *testing.T) {
	n, err := New(addrA, mustBuild(t, baseBuilder()), sim.NewScheduler(testutil.Epoch), nil)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() { result <- n.Run(context.Background()) }()
	n.Stop()

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop")
	}
}
