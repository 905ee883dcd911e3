package algebra

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/ir"
)

// Expr is a scalar expression evaluated against one working tuple.
//
// This is a sealed interface - only types in this package implement it:
//   - Var: reference to an attribute of the working tuple
//   - Const: literal value
//   - Local: the evaluating node's own address
//   - Call: function application
type Expr interface {
	exprNode()
	String() string
}

// Var references an attribute of the working tuple by name.
type Var struct {
	Name string
}

// Const is a literal value.
type Const struct {
	Value ir.Value
}

// Local evaluates to the address of the node running the rule.
type Local struct{}

// Call applies a library function to argument expressions.
type Call struct {
	Fn   string
	Args []Expr
}

func (Var) exprNode()   {}
func (Const) exprNode() {}
func (Local) exprNode() {}
func (Call) exprNode()  {}

func (v Var) String() string   { return v.Name }
func (c Const) String() string { return quoteConst(c.Value) }
func (Local) String() string   { return "@local" }

func (c Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		args[i] = a.String()
	}
	return c.Fn + "(" + strings.Join(args, ", ") + ")"
}

func quoteConst(v ir.Value) string {
	if v == nil {
		return "<nil>"
	}
	if s, ok := v.(ir.String); ok {
		return `"` + string(s) + `"`
	}
	return v.String()
}

// V is shorthand for Var.
func V(name string) Var { return Var{Name: name} }

// C is shorthand for Const.
func C(v ir.Value) Const { return Const{Value: v} }

// Fn is shorthand for Call.
func Fn(name string, args ...Expr) Call { return Call{Fn: name, Args: args} }

// Signature describes a library function for static checking.
// A zero Kind in Params accepts a value of any kind.
type Signature struct {
	Params []ir.Kind
	Result ir.Kind
}

// Functions resolves and applies library functions.
type Functions interface {
	Signature(name string) (Signature, bool)
	Call(name string, args []ir.Value) (ir.Value, error)
}

// Eval computes e against the working tuple.
func Eval(env Env, t ir.Tuple, e Expr) (ir.Value, error) {
	switch x := e.(type) {
	case Var:
		v, ok := t.Get(x.Name)
		if !ok {
			return nil, errors.AssertionFailedf("unknown attribute %q in %s", x.Name, t)
		}
		return v, nil
	case Const:
		return x.Value, nil
	case Local:
		return env.Local, nil
	case Call:
		args := make([]ir.Value, len(x.Args))
		for i, a := range x.Args {
			v, err := Eval(env, t, a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		if env.Funcs == nil {
			return nil, errors.Newf("%s: no function library", x.Fn)
		}
		v, err := env.Funcs.Call(x.Fn, args)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", x)
		}
		return v, nil
	default:
		return nil, errors.AssertionFailedf("unknown expression %T", e)
	}
}
