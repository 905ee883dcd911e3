package harness

import (
	_ "embed"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/cockroachdb/errors"
)

//go:embed schema.cue
var schemaCUE string

// ParseCUE compiles a CUE scenario, unifies it with the embedded
// #Scenario schema and decodes the result. filename is used in error
// positions only.
func ParseCUE(data []byte, filename string) (*Scenario, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("scenario_schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, errors.Wrap(err, "compile scenario schema")
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, errors.Wrap(err, "compile CUE")
	}

	unified := schema.LookupPath(cue.ParsePath("#Scenario")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, errors.Wrap(err, "validate against scenario schema")
	}

	var s Scenario
	if err := unified.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decode scenario")
	}
	if err := validateScenario(&s); err != nil {
		return nil, errors.Wrap(err, "invalid scenario")
	}
	return &s, nil
}
