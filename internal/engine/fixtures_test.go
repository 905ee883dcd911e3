package engine

import (
	"bytes"
	"crypto/sha256"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/ndrt/internal/algebra"
	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/sim"
	"github.com/roach88/ndrt/internal/testutil"
)

var (
	addrA = ir.MustAddress("10.0.0.1")
	addrB = ir.MustAddress("10.0.0.2")
	addrC = ir.MustAddress("10.0.0.3")
)

func locN(name string, opts ...func(*ir.Schema)) ir.Schema {
	s := ir.Schema{
		Name:  name,
		Attrs: []ir.AttrDef{ir.Def("loc", ir.KindAddress), ir.Def("n", ir.KindInt32)},
	}
	for _, o := range opts {
		o(&s)
	}
	return s
}

func keyLoc(s *ir.Schema) { s.Key = []string{"loc"} }

func retain(d time.Duration) func(*ir.Schema) {
	return func(s *ir.Schema) { s.Retention = d }
}

var pingSchema = ir.Schema{
	Name:  "ePing",
	Attrs: []ir.AttrDef{ir.Def("src", ir.KindAddress), ir.Def("n", ir.KindInt32)},
}

func probe(loc ir.Address, n int32) ir.Tuple {
	return ir.NewTuple("eProbe", ir.A("loc", loc), ir.A("n", ir.Int32(n)))
}

// copyTo projects the working tuple's (loc, n) into tag.
func copyTo(tag string) algebra.Project {
	return algebra.Project{Tag: tag, In: []string{"loc", "n"}}
}

// pingTo builds a body sending ePing(src=loc, n) to dest.
func pingTo(dest ir.Address) algebra.Pipeline {
	return algebra.Pipeline{
		algebra.Assign{Name: ir.DestAttr, Args: []algebra.Expr{algebra.C(dest)}},
		algebra.Project{Tag: "ePing", In: []string{"loc", "n", ir.DestAttr}, Out: []string{"src", "n", ir.DestAttr}},
	}
}

// recorder collects observer records. Safe for concurrent use.
type recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *recorder) Observe(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) of(kind RecordKind) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

// dispatched renders dispatch records as "kind tag".
func (r *recorder) dispatched() []string {
	var out []string
	for _, rec := range r.of(RecordDispatch) {
		out = append(out, rec.Event.Kind.String()+" "+rec.Event.Tuple.Tag)
	}
	return out
}

// hashSigner is a deterministic stand-in for a real signature scheme:
// a signature is sha256(identity || payload).
type hashSigner struct{}

func (hashSigner) Sign(payload []byte, identity ir.Address) ([]byte, error) {
	sum := sha256.Sum256(append([]byte(identity.String()), payload...))
	return sum[:], nil
}

func (s hashSigner) Verify(payload, sig []byte, identity ir.Address) bool {
	want, _ := s.Sign(payload, identity)
	return bytes.Equal(want, sig)
}

type cluster struct {
	sched *sim.Scheduler
	net   *sim.Network
	nodes map[ir.Address]*Node
}

func newCluster(t *testing.T, table *RuleTable, addrs []ir.Address, opts ...Option) *cluster {
	t.Helper()
	sched := sim.NewScheduler(testutil.Epoch)
	c := &cluster{sched: sched, net: sim.NewNetwork(sched), nodes: map[ir.Address]*Node{}}
	for _, a := range addrs {
		n, err := New(a, table, sched, c.net, opts...)
		require.NoError(t, err)
		require.NoError(t, c.net.Attach(a, n))
		c.nodes[a] = n
	}
	return c
}

func mustBuild(t *testing.T, b *Builder) *RuleTable {
	t.Helper()
	table, err := b.Build()
	require.NoError(t, err)
	return table
}
