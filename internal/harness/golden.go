package harness

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/ndrt/internal/engine"
)

// AssertRulesGolden compares a rule table's Render output with
// testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertRulesGolden(t *testing.T, name string, table *engine.RuleTable) {
	t.Helper()
	var b strings.Builder
	if err := table.Render(&b); err != nil {
		t.Fatalf("render %s: %v", table.Name(), err)
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(b.String()))
}
