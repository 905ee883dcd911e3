// Package pathvector is signed path-vector routing.
//
// Every neighbor(loc, nbr) fact yields the direct route [loc, nbr]. A
// node advertises each of its routes to each neighbour it has agreed to
// carry traffic for (carryTraffic(loc, nbr, dst)), prepending the
// neighbour to the path; the receiver keeps the route only if it accepts
// routes to that destination from the sender (acceptRoute(loc, nbr, dst)).
//
// Advertisements are signed by the sender and verified against the src
// attribute before anything else happens. Paths never repeat a node: a
// route is not advertised to a neighbour already on it, and a received
// path that holds the receiver more than once is rejected.
package pathvector

import (
	"github.com/roach88/ndrt/internal/algebra"
	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/funcs"
	"github.com/roach88/ndrt/internal/ir"
)

// Relation and event names.
const (
	Neighbor     = "neighbor"
	Route        = "route"
	AcceptRoute  = "acceptRoute"
	CarryTraffic = "carryTraffic"
	Advertise    = "advertise"
)

var (
	policy = []ir.AttrDef{
		ir.Def("loc", ir.KindAddress),
		ir.Def("nbr", ir.KindAddress),
		ir.Def("dst", ir.KindAddress),
	}
	route = []ir.AttrDef{
		ir.Def("loc", ir.KindAddress),
		ir.Def("dst", ir.KindAddress),
		ir.Def("path", ir.KindList),
	}
	advertOut = []string{"dst", "path", "loc", "src", ir.DestAttr}
)

func v(name string) algebra.Var { return algebra.V(name) }

func call(name, fn string, args ...algebra.Expr) algebra.Assign {
	return algebra.Assign{Name: name, Fn: fn, Args: args}
}

// directRoute builds route(loc, nbr, [loc, nbr]) from a neighbor tuple.
var directRoute = algebra.Pipeline{
	call("head", funcs.FnAppend, v("loc")),
	call("tail", funcs.FnAppend, v("nbr")),
	call("p", funcs.FnConcat, v("head"), v("tail")),
	algebra.Project{Tag: Route, In: []string{"loc", "nbr", "p"}, Out: []string{"loc", "dst", "path"}},
}

// advertiseTo finishes an advertisement body: prepend the neighbour held
// in nbr to the route path held in path, skip neighbours already on the
// path, and address the result to the neighbour.
func advertiseTo(nbr, dst, path string) []algebra.Step {
	return []algebra.Step{
		call("onPath", funcs.FnMember, v(path), v(nbr)),
		algebra.Select{Where: []algebra.Cond{algebra.Eq(v("onPath"), algebra.C(ir.Int32(0)))}},
		call("hop", funcs.FnAppend, v(nbr)),
		call("advertised", funcs.FnConcat, v("hop"), v(path)),
		algebra.Project{Tag: Advertise, In: []string{dst, "advertised", nbr, "loc", nbr}, Out: advertOut},
	}
}

func pipeline(steps ...[]algebra.Step) algebra.Pipeline {
	var p algebra.Pipeline
	for _, s := range steps {
		p = append(p, s...)
	}
	return p
}

// Register declares the path-vector rules on b.
func Register(b *engine.Builder) *engine.Builder {
	b.Relation(ir.Schema{Name: AcceptRoute, Attrs: policy, Key: []string{"nbr", "dst"}}).
		Relation(ir.Schema{Name: CarryTraffic, Attrs: policy, Key: []string{"nbr", "dst"}}).
		Relation(ir.Schema{Name: Neighbor, Attrs: []ir.AttrDef{ir.Def("loc", ir.KindAddress), ir.Def("nbr", ir.KindAddress)}}).
		Relation(ir.Schema{Name: Route, Attrs: route, Key: []string{"path"}}).
		Event(ir.Schema{Name: Advertise, Attrs: []ir.AttrDef{
			ir.Def("dst", ir.KindAddress),
			ir.Def("path", ir.KindList),
			ir.Def("loc", ir.KindAddress),
			ir.Def("src", ir.KindAddress),
		}})

	b.Rule(engine.Rule{
		Name: "z1ins", On: engine.OnInsert(Neighbor), Action: engine.ActionInsert, Body: directRoute,
	}).Rule(engine.Rule{
		Name: "z1del", On: engine.OnDelete(Neighbor), Action: engine.ActionDelete, Body: directRoute,
	})

	b.Rule(engine.Rule{
		Name: "z2", On: engine.OnRecv(Advertise), Verify: "src", Action: engine.ActionInsert,
		Body: algebra.Pipeline{
			algebra.Join{Relation: AcceptRoute, As: "a",
				Left:  []string{"nbr", "dst", "loc"},
				Right: []string{"src", "dst", "loc"}},
			call("visits", funcs.FnMember, v("path"), v("loc")),
			algebra.Select{Where: []algebra.Cond{algebra.Eq(v("visits"), algebra.C(ir.Int32(1)))}},
			algebra.Project{Tag: Route, In: []string{"loc", "dst", "path"}},
		},
	})

	// The same advertisement, triggered by each of its three inputs.
	b.Rule(engine.Rule{
		Name: "z3nbr", On: engine.OnInsert(Neighbor), Action: engine.ActionSend, Sign: true,
		Body: pipeline(
			[]algebra.Step{
				algebra.Join{Relation: Route, As: "r", Left: []string{"loc"}, Right: []string{"loc"}},
				algebra.Join{Relation: CarryTraffic, As: "c",
					Left:  []string{"nbr", "dst", "loc"},
					Right: []string{"nbr", "r.dst", "loc"}},
			},
			advertiseTo("nbr", "r.dst", "r.path"),
		),
	}).Rule(engine.Rule{
		Name: "z3route", On: engine.OnInsert(Route), Action: engine.ActionSend, Sign: true,
		Body: pipeline(
			[]algebra.Step{
				algebra.Join{Relation: Neighbor, As: "n", Left: []string{"loc"}, Right: []string{"loc"}},
				algebra.Join{Relation: CarryTraffic, As: "c",
					Left:  []string{"nbr", "dst", "loc"},
					Right: []string{"n.nbr", "dst", "loc"}},
			},
			advertiseTo("n.nbr", "dst", "path"),
		),
	}).Rule(engine.Rule{
		Name: "z3carry", On: engine.OnInsert(CarryTraffic), Action: engine.ActionSend, Sign: true,
		Body: pipeline(
			[]algebra.Step{
				algebra.Join{Relation: Neighbor, As: "n", Left: []string{"nbr", "loc"}, Right: []string{"nbr", "loc"}},
				algebra.Join{Relation: Route, As: "r", Left: []string{"dst", "loc"}, Right: []string{"dst", "loc"}},
			},
			advertiseTo("nbr", "dst", "r.path"),
		),
	})

	return b
}

// Table builds the path-vector rule table.
func Table() (*engine.RuleTable, error) {
	return Register(engine.NewBuilder("pathvector")).Build()
}

// Neighbors returns the neighbor facts for a symmetric link a-b.
func Neighbors(a, b ir.Address) []ir.Tuple {
	return []ir.Tuple{
		ir.NewTuple(Neighbor, ir.A("loc", a), ir.A("nbr", b)),
		ir.NewTuple(Neighbor, ir.A("loc", b), ir.A("nbr", a)),
	}
}

// Policy returns the facts letting loc accept from and carry for nbr
// every route to dst.
func Policy(loc, nbr, dst ir.Address) []ir.Tuple {
	return []ir.Tuple{
		ir.NewTuple(AcceptRoute, ir.A("loc", loc), ir.A("nbr", nbr), ir.A("dst", dst)),
		ir.NewTuple(CarryTraffic, ir.A("loc", loc), ir.A("nbr", nbr), ir.A("dst", dst)),
	}
}
