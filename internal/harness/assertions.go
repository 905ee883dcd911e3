package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/engine"
	"github.com/roach88/ndrt/internal/ir"
)

// AssertionError is a failed expectation.
type AssertionError struct {
	Index    int
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("expect[%d] %s: expected %s, got %s", e.Index, e.Type, e.Expected, e.Actual)
}

type check struct {
	exp   Expectation
	nodes []ir.Address // nil means every node
	match func(ir.Tuple) bool
}

func compileCheck(table *engine.RuleTable, e Expectation, node func(string) (ir.Address, error)) (check, error) {
	c := check{exp: e}
	if e.Node != "" {
		a, err := node(e.Node)
		if err != nil {
			return check{}, err
		}
		c.nodes = []ir.Address{a}
	}

	var schema ir.Schema
	var ok bool
	if e.Type == ExpectReceived {
		schema, ok = table.Event(e.Event)
		if !ok {
			return check{}, errors.Newf("unknown event %q", e.Event)
		}
	} else {
		schema, ok = table.Relation(e.Relation)
		if !ok {
			return check{}, errors.Newf("unknown relation %q", e.Relation)
		}
	}
	match, err := whereMatcher(schema, e.Where)
	if err != nil {
		return check{}, err
	}
	c.match = match
	return c, nil
}

// whereMatcher returns a predicate matching tuples whose named attributes
// equal the given values (subset match). Values are typed by schema.
func whereMatcher(schema ir.Schema, where map[string]any) (func(ir.Tuple) bool, error) {
	type cond struct {
		name string
		want ir.Value
	}
	names := make([]string, 0, len(where))
	for n := range where {
		names = append(names, n)
	}
	sort.Strings(names)

	conds := make([]cond, 0, len(names))
	for _, n := range names {
		i := schema.Index(n)
		if i < 0 {
			return nil, errors.Newf("%s has no attribute %q", schema.Name, n)
		}
		v, err := toValue(schema.Attrs[i].Type, where[n])
		if err != nil {
			return nil, errors.Wrapf(err, "where %s", n)
		}
		conds = append(conds, cond{name: n, want: v})
	}
	return func(t ir.Tuple) bool {
		for _, c := range conds {
			got, ok := t.Get(c.name)
			if !ok || !ir.Equal(got, c.want) {
				return false
			}
		}
		return true
	}, nil
}

func (c check) describe() string {
	var b strings.Builder
	if c.exp.Type == ExpectReceived {
		b.WriteString(c.exp.Event)
	} else {
		b.WriteString(c.exp.Relation)
	}
	if len(c.exp.Where) > 0 {
		keys := make([]string, 0, len(c.exp.Where))
		for k := range c.exp.Where {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%v", k, c.exp.Where[k])
		}
		b.WriteString("(" + strings.Join(parts, ", ") + ")")
	}
	if c.exp.Node != "" {
		b.WriteString(" at " + c.exp.Node)
	}
	return b.String()
}

// source is what checks read: final relation contents and received
// events per node.
type source interface {
	nodes() []ir.Address
	lookup(node ir.Address, relation string, match func(ir.Tuple) bool) ([]ir.Tuple, error)
	received(node ir.Address, tag string) []ir.Tuple
}

func (c check) evaluate(index int, src source) error {
	nodes := c.nodes
	if nodes == nil {
		nodes = src.nodes()
	}

	n := 0
	for _, a := range nodes {
		if c.exp.Type == ExpectReceived {
			for _, t := range src.received(a, c.exp.Event) {
				if c.match(t) {
					n++
				}
			}
			continue
		}
		got, err := src.lookup(a, c.exp.Relation, c.match)
		if err != nil {
			return errors.Wrapf(err, "expect[%d]", index)
		}
		n += len(got)
	}

	fail := func(expected string) error {
		return &AssertionError{
			Index:    index,
			Type:     c.exp.Type,
			Expected: expected,
			Actual:   fmt.Sprintf("%d matching", n),
		}
	}
	switch c.exp.Type {
	case ExpectContains:
		if n == 0 {
			return fail(c.describe())
		}
	case ExpectAbsent:
		if n > 0 {
			return fail("no " + c.describe())
		}
	case ExpectCount:
		if n != *c.exp.Count {
			return fail(fmt.Sprintf("%d of %s", *c.exp.Count, c.describe()))
		}
	case ExpectReceived:
		if c.exp.Count == nil && n == 0 {
			return fail(c.describe() + " received")
		}
		if c.exp.Count != nil && n != *c.exp.Count {
			return fail(fmt.Sprintf("%s received %d times", c.describe(), *c.exp.Count))
		}
	}
	return nil
}
