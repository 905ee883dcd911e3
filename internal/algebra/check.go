package algebra

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/ir"
)

// ValidationError reports a pipeline that cannot run: an unknown relation,
// attribute or function, mismatched list lengths, or a type conflict.
//
// These are programming errors in a rule table. They are found by Check
// before any node starts, never at dispatch time.
type ValidationError struct {
	Rule    string // set by the caller that knows the rule name
	Step    int    // index of the offending step, -1 for the pipeline itself
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch {
	case e.Rule != "" && e.Step >= 0:
		return fmt.Sprintf("rule %s: step %d: %s", e.Rule, e.Step, e.Message)
	case e.Rule != "":
		return fmt.Sprintf("rule %s: %s", e.Rule, e.Message)
	case e.Step >= 0:
		return fmt.Sprintf("step %d: %s", e.Step, e.Message)
	default:
		return e.Message
	}
}

// IsValidationError returns true if err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Catalog resolves relation schemas during checking.
type Catalog interface {
	Schema(name string) (ir.Schema, bool)
}

// Shape is the statically known form of a working tuple.
type Shape struct {
	Tag   string
	Attrs []ir.AttrDef
}

func (s Shape) index(name string) int {
	for i, a := range s.Attrs {
		if a.Name == name {
			return i
		}
	}
	return -1
}

func (s Shape) kind(name string) (ir.Kind, bool) {
	if i := s.index(name); i >= 0 {
		return s.Attrs[i].Type, true
	}
	return 0, false
}

// ShapeOf returns the shape of tuples conforming to a schema.
func ShapeOf(s ir.Schema) Shape {
	attrs := make([]ir.AttrDef, len(s.Attrs))
	copy(attrs, s.Attrs)
	return Shape{Tag: s.Name, Attrs: attrs}
}

// Check walks the pipeline from the input shape and returns the shape of
// its output tuples.
func Check(p Pipeline, in Shape, cat Catalog, fns Functions) (Shape, error) {
	cur := in
	for i, step := range p {
		next, msg := checkStep(step, cur, cat, fns)
		if msg != "" {
			return Shape{}, &ValidationError{Step: i, Message: msg}
		}
		cur = next
	}
	return cur, nil
}

func checkStep(step Step, cur Shape, cat Catalog, fns Functions) (Shape, string) {
	switch s := step.(type) {
	case Select:
		if len(s.Where) == 0 {
			return cur, "select without conditions"
		}
		for _, c := range s.Where {
			l, msg := typeOf(c.Left, cur, fns)
			if msg != "" {
				return cur, msg
			}
			r, msg := typeOf(c.Right, cur, fns)
			if msg != "" {
				return cur, msg
			}
			if _, ok := opSymbols[c.Op]; !ok {
				return cur, fmt.Sprintf("unknown operator in %s", c)
			}
			if l != r {
				return cur, fmt.Sprintf("%s compares %s with %s", c, l, r)
			}
		}
		return cur, ""

	case Project:
		if s.Tag == "" {
			return cur, "project without output tag"
		}
		out := s.outNames()
		if len(s.In) != len(out) {
			return cur, fmt.Sprintf("project %s: %d input attributes but %d output attributes", s.Tag, len(s.In), len(out))
		}
		next := Shape{Tag: s.Tag, Attrs: make([]ir.AttrDef, len(s.In))}
		seen := make(map[string]bool, len(out))
		for i, name := range s.In {
			k, ok := cur.kind(name)
			if !ok {
				return cur, fmt.Sprintf("project %s: unknown attribute %q", s.Tag, name)
			}
			if seen[out[i]] {
				return cur, fmt.Sprintf("project %s: duplicate output attribute %q", s.Tag, out[i])
			}
			seen[out[i]] = true
			next.Attrs[i] = ir.Def(out[i], k)
		}
		return next, ""

	case Assign:
		if s.Name == "" {
			return cur, "assign without attribute name"
		}
		if cur.index(s.Name) >= 0 {
			return cur, fmt.Sprintf("assign %s: attribute already exists", s.Name)
		}
		e, err := s.expr()
		if err != nil {
			return cur, err.Error()
		}
		k, msg := typeOf(e, cur, fns)
		if msg != "" {
			return cur, msg
		}
		next := Shape{Tag: cur.Tag, Attrs: append(append([]ir.AttrDef{}, cur.Attrs...), ir.Def(s.Name, k))}
		return next, ""

	case Join:
		if cat == nil {
			return cur, fmt.Sprintf("join %s: no catalog", s.Relation)
		}
		rel, ok := cat.Schema(s.Relation)
		if !ok {
			return cur, fmt.Sprintf("join: unknown relation %q", s.Relation)
		}
		if len(s.Left) == 0 || len(s.Left) != len(s.Right) {
			return cur, fmt.Sprintf("join %s: %d left keys but %d right keys", s.Relation, len(s.Left), len(s.Right))
		}
		for i := range s.Left {
			li := rel.Index(s.Left[i])
			if li < 0 {
				return cur, fmt.Sprintf("join %s: unknown relation attribute %q", s.Relation, s.Left[i])
			}
			rk, ok := cur.kind(s.Right[i])
			if !ok {
				return cur, fmt.Sprintf("join %s: unknown attribute %q", s.Relation, s.Right[i])
			}
			if lk := rel.Attrs[li].Type; lk != rk {
				return cur, fmt.Sprintf("join %s: %s is %s but %s is %s", s.Relation, s.Left[i], lk, s.Right[i], rk)
			}
		}
		next := Shape{Tag: cur.Tag, Attrs: append([]ir.AttrDef{}, cur.Attrs...)}
		for _, a := range rel.Attrs {
			q := s.Qualified(a.Name)
			if next.index(q) >= 0 {
				return cur, fmt.Sprintf("join %s: attribute %q already in working set, use As", s.Relation, q)
			}
			next.Attrs = append(next.Attrs, ir.Def(q, a.Type))
		}
		return next, ""

	default:
		return cur, fmt.Sprintf("unknown step %T", step)
	}
}

func typeOf(e Expr, cur Shape, fns Functions) (ir.Kind, string) {
	switch x := e.(type) {
	case Var:
		k, ok := cur.kind(x.Name)
		if !ok {
			return 0, fmt.Sprintf("unknown attribute %q", x.Name)
		}
		return k, ""
	case Const:
		if x.Value == nil {
			return 0, "nil constant"
		}
		return x.Value.Kind(), ""
	case Local:
		return ir.KindAddress, ""
	case Call:
		if fns == nil {
			return 0, fmt.Sprintf("%s: no function library", x.Fn)
		}
		sig, ok := fns.Signature(x.Fn)
		if !ok {
			return 0, fmt.Sprintf("unknown function %q", x.Fn)
		}
		if len(sig.Params) != len(x.Args) {
			return 0, fmt.Sprintf("%s takes %d arguments, got %d", x.Fn, len(sig.Params), len(x.Args))
		}
		for i, a := range x.Args {
			k, msg := typeOf(a, cur, fns)
			if msg != "" {
				return 0, msg
			}
			if want := sig.Params[i]; want != 0 && want != k {
				return 0, fmt.Sprintf("%s argument %d must be %s, got %s", x.Fn, i+1, want, k)
			}
		}
		return sig.Result, ""
	default:
		return 0, fmt.Sprintf("unknown expression %T", e)
	}
}
