package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ndrt/internal/algebra"
	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/timer"
)

func TestRender(t *testing.T) {
	table := mustBuild(t, NewBuilder("probe").
		Relation(locN("seen", keyLoc, retain(5*time.Second))).
		Event(locN("eProbe")).
		Event(pingSchema).
		Periodic("tick", timer.Every(0, time.Second)).
		Rule(Rule{Name: "p1", On: OnRecv("eProbe"), Action: ActionInsert, Body: algebra.Pipeline{
			algebra.Select{Where: []algebra.Cond{algebra.Gt(algebra.V("n"), algebra.C(ir.Int32(3)))}},
			copyTo("seen"),
		}}).
		Rule(Rule{Name: "p2", On: OnRecv("ePing"), Verify: "src", Action: ActionSend, Sign: true, Body: algebra.Pipeline{
			algebra.Assign{Name: ir.DestAttr, Args: []algebra.Expr{algebra.V("src")}},
			algebra.Project{Tag: "ePing", In: []string{"src", "n", ir.DestAttr}},
		}}).
		Handle("h1", OnTimer("tick"), func(*Context, ir.Tuple) error { return nil }))

	var b strings.Builder
	require.NoError(t, table.Render(&b))

	want := `ruleset probe

relations:
  seen(loc address, n int32) key(loc) retain 5s

events:
  eProbe(loc address, n int32)
  ePing(src address, n int32)
  tick(loc address, nonce int32)

periodic:
  tick every 1s after 0s

rules:
  p1 on recv eProbe -> insert
    select n > 3
    project seen(loc, n)
  p2 on recv ePing -> send signed
    verify src
    assign $dest := src
    project ePing(src, n, $dest)
  h1 on timer tick: handler
`
	assert.Equal(t, want, b.String())
}
