package algebra

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/ir"
)

// Step is one operator of a Pipeline.
//
// This is a sealed interface - only types in this package implement it:
//   - Select: drop working tuples that fail a conjunctive predicate
//   - Project: positional rename/reorder into a new tagged tuple
//   - Assign: append a computed attribute
//   - Join: inner equi-join of the working set with a relation
type Step interface {
	stepNode()
	String() string
}

// Select keeps working tuples for which every condition holds.
// Non-matching tuples are dropped, not reported.
type Select struct {
	Where []Cond
}

// Project maps each working tuple to a new tuple tagged Tag. In[i] is read
// from the working tuple and written as Out[i]. When Out is empty the
// input names are kept.
type Project struct {
	Tag string
	In  []string
	Out []string
}

// Assign appends attribute Name to each working tuple. With a function
// name, the value is Fn applied to Args; without one, Args must hold a
// single expression whose value is copied.
type Assign struct {
	Name string
	Fn   string
	Args []Expr
}

// Join matches each working tuple against the tuples of Relation.
//
// A relation tuple r matches working tuple t when r[Left[i]] equals
// t[Right[i]] for every i. Each match yields t's attributes followed by r's,
// the latter renamed to "<As>.<attr>" (As defaults to the relation name).
// No match yields nothing: a join miss is not an error.
//
// Joins chain: the output of one Join is the working set of the next.
type Join struct {
	Relation string
	As       string
	Left     []string
	Right    []string
}

func (Select) stepNode()  {}
func (Project) stepNode() {}
func (Assign) stepNode()  {}
func (Join) stepNode()    {}

func (s Select) String() string { return "select " + condsString(s.Where) }

func (p Project) String() string {
	out := p.outNames()
	parts := make([]string, len(p.In))
	for i, in := range p.In {
		if i < len(out) && out[i] != in {
			parts[i] = in + " as " + out[i]
		} else {
			parts[i] = in
		}
	}
	return "project " + p.Tag + "(" + strings.Join(parts, ", ") + ")"
}

func (a Assign) String() string {
	if a.Fn == "" && len(a.Args) == 1 {
		return "assign " + a.Name + " := " + a.Args[0].String()
	}
	return "assign " + a.Name + " := " + Call{Fn: a.Fn, Args: a.Args}.String()
}

func (j Join) String() string {
	var b strings.Builder
	b.WriteString("join ")
	b.WriteString(j.Relation)
	if j.As != "" && j.As != j.Relation {
		b.WriteString(" as ")
		b.WriteString(j.As)
	}
	b.WriteString(" on ")
	for i := range j.Left {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(j.alias() + "." + j.Left[i])
		b.WriteString(" == ")
		if i < len(j.Right) {
			b.WriteString(j.Right[i])
		}
	}
	return b.String()
}

func (p Project) outNames() []string {
	if len(p.Out) == 0 {
		return p.In
	}
	return p.Out
}

func (j Join) alias() string {
	if j.As != "" {
		return j.As
	}
	return j.Relation
}

// Qualified returns the working-set name of a joined relation attribute.
func (j Join) Qualified(attr string) string {
	return j.alias() + "." + attr
}

// Relations gives pipelines read access to the node's store.
type Relations interface {
	Lookup(name string, pred func(ir.Tuple) bool) ([]ir.Tuple, error)
}

// Env carries what a pipeline needs at run time.
type Env struct {
	Local     ir.Address
	Relations Relations
	Funcs     Functions
}

// Pipeline is a rule body: steps applied in declared order.
type Pipeline []Step

// Run applies the pipeline to the triggering tuple and returns the
// resulting working set. An empty result means some Select or Join
// produced nothing.
func (p Pipeline) Run(env Env, in ir.Tuple) ([]ir.Tuple, error) {
	set := []ir.Tuple{in}
	for i, step := range p {
		var err error
		set, err = apply(env, step, set)
		if err != nil {
			return nil, errors.Wrapf(err, "step %d (%s)", i, step)
		}
		if len(set) == 0 {
			return nil, nil
		}
	}
	return set, nil
}

func apply(env Env, step Step, set []ir.Tuple) ([]ir.Tuple, error) {
	switch s := step.(type) {
	case Select:
		return applySelect(env, s, set)
	case Project:
		out := make([]ir.Tuple, 0, len(set))
		for _, t := range set {
			p, err := t.Project(s.Tag, s.In, s.outNames())
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	case Assign:
		return applyAssign(env, s, set)
	case Join:
		return applyJoin(env, s, set)
	default:
		return nil, errors.AssertionFailedf("unknown step %T", step)
	}
}

func applySelect(env Env, s Select, set []ir.Tuple) ([]ir.Tuple, error) {
	out := set[:0:0]
	for _, t := range set {
		keep := true
		for _, c := range s.Where {
			ok, err := c.Holds(env, t)
			if err != nil {
				return nil, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, t)
		}
	}
	return out, nil
}

func applyAssign(env Env, s Assign, set []ir.Tuple) ([]ir.Tuple, error) {
	expr, err := s.expr()
	if err != nil {
		return nil, err
	}
	out := make([]ir.Tuple, 0, len(set))
	for _, t := range set {
		v, err := Eval(env, t, expr)
		if err != nil {
			return nil, err
		}
		out = append(out, t.With(s.Name, v))
	}
	return out, nil
}

func (a Assign) expr() (Expr, error) {
	if a.Fn != "" {
		return Call{Fn: a.Fn, Args: a.Args}, nil
	}
	if len(a.Args) != 1 {
		return nil, errors.Newf("assign %s: copy needs exactly one expression, got %d", a.Name, len(a.Args))
	}
	return a.Args[0], nil
}

func applyJoin(env Env, j Join, set []ir.Tuple) ([]ir.Tuple, error) {
	if env.Relations == nil {
		return nil, errors.Newf("join %s: no relation store", j.Relation)
	}
	var out []ir.Tuple
	for _, t := range set {
		want := make([]ir.Value, len(j.Right))
		for i, name := range j.Right {
			v, ok := t.Get(name)
			if !ok {
				return nil, errors.AssertionFailedf("join %s: unknown attribute %q", j.Relation, name)
			}
			want[i] = v
		}
		matches, err := env.Relations.Lookup(j.Relation, func(r ir.Tuple) bool {
			for i, name := range j.Left {
				v, ok := r.Get(name)
				if !ok || !ir.Equal(v, want[i]) {
					return false
				}
			}
			return true
		})
		if err != nil {
			return nil, errors.Wrapf(err, "join %s", j.Relation)
		}
		for _, r := range matches {
			renamed := ir.Tuple{Tag: r.Tag, Attrs: make([]ir.Attr, len(r.Attrs))}
			for i, a := range r.Attrs {
				renamed.Attrs[i] = ir.Attr{Name: j.Qualified(a.Name), Value: a.Value}
			}
			out = append(out, t.Concat(renamed))
		}
	}
	return out, nil
}
