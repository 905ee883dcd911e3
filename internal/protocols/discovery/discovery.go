// Package discovery finds one-hop neighbours by periodic broadcast
// beacons.
//
// Every node broadcasts eBeacon once a second. A received beacon upserts
// link(loc, nbr), which has a 5 second retention window: a neighbour that
// stops beaconing expires out of link. Link inserts and deletes are
// reported locally as eLinkDiscoveryAdd and eLinkDiscoveryDel for the
// protocols layered on top.
package discovery

import (
	"time"

	"github.com/roach88/ndrt/internal/algebra"
	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/timer"
)

// Relation, event and trigger names.
const (
	Link        = "link"
	Beacon      = "eBeacon"
	LinkAdd     = "eLinkDiscoveryAdd"
	LinkDel     = "eLinkDiscoveryDel"
	BeaconTimer = "beaconTick"
)

const (
	// BeaconPeriod is how often a node announces itself.
	BeaconPeriod = time.Second
	// LinkRetention is how long a link survives without a beacon.
	LinkRetention = 5 * time.Second
)

var locNbr = []ir.AttrDef{ir.Def("loc", ir.KindAddress), ir.Def("nbr", ir.KindAddress)}

// Register declares the discovery rules on b.
func Register(b *engine.Builder) *engine.Builder {
	return b.
		Relation(ir.Schema{Name: Link, Attrs: locNbr, Retention: LinkRetention}).
		Event(ir.Schema{Name: Beacon, Attrs: []ir.AttrDef{ir.Def("src", ir.KindAddress)}}).
		Event(ir.Schema{Name: LinkAdd, Attrs: locNbr}).
		Event(ir.Schema{Name: LinkDel, Attrs: locNbr}).
		Periodic(BeaconTimer, timer.Every(0, BeaconPeriod)).
		Rule(engine.Rule{
			Name:   "d1",
			On:     engine.OnTimer(BeaconTimer),
			Action: engine.ActionSend,
			Body: algebra.Pipeline{
				algebra.Assign{Name: ir.DestAttr, Args: []algebra.Expr{algebra.C(ir.Broadcast)}},
				algebra.Project{Tag: Beacon, In: []string{"loc", ir.DestAttr}, Out: []string{"src", ir.DestAttr}},
			},
		}).
		Rule(engine.Rule{
			Name:   "d2",
			On:     engine.OnRecv(Beacon),
			Action: engine.ActionInsert,
			Body: algebra.Pipeline{
				algebra.Assign{Name: "here", Args: []algebra.Expr{algebra.Local{}}},
				algebra.Project{Tag: Link, In: []string{"here", "src"}, Out: []string{"loc", "nbr"}},
			},
		}).
		Rule(engine.Rule{
			Name:   "d3",
			On:     engine.OnInsert(Link),
			Action: engine.ActionSendLocal,
			Body:   algebra.Pipeline{algebra.Project{Tag: LinkAdd, In: []string{"loc", "nbr"}}},
		}).
		Rule(engine.Rule{
			Name:   "d4",
			On:     engine.OnDelete(Link),
			Action: engine.ActionSendLocal,
			Body:   algebra.Pipeline{algebra.Project{Tag: LinkDel, In: []string{"loc", "nbr"}}},
		})
}

// Table builds the discovery rules on their own.
func Table() (*engine.RuleTable, error) {
	return Register(engine.NewBuilder("discovery")).Build()
}
