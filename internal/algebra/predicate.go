package algebra

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/ir"
)

// Op is a comparison operator.
type Op uint8

const (
	OpEq Op = iota + 1 // =
	OpNe               // ≠
	OpLt               // <
	OpLe               // ≤
	OpGt               // >
	OpGe               // ≥
)

var opSymbols = map[Op]string{
	OpEq: "==",
	OpNe: "!=",
	OpLt: "<",
	OpLe: "<=",
	OpGt: ">",
	OpGe: ">=",
}

func (o Op) String() string {
	if s, ok := opSymbols[o]; ok {
		return s
	}
	return "?"
}

// ParseOp maps an operator symbol to an Op. "=" is accepted for "==".
func ParseOp(s string) (Op, error) {
	if s == "=" {
		return OpEq, nil
	}
	for o, sym := range opSymbols {
		if sym == s {
			return o, nil
		}
	}
	return 0, errors.Newf("unknown comparison operator %q", s)
}

// Cond is one comparison of a conjunctive predicate.
type Cond struct {
	Op          Op
	Left, Right Expr
}

func (c Cond) String() string {
	return c.Left.String() + " " + c.Op.String() + " " + c.Right.String()
}

// Eq, Ne, Lt, Le, Gt and Ge build conditions.
func Eq(l, r Expr) Cond { return Cond{Op: OpEq, Left: l, Right: r} }
func Ne(l, r Expr) Cond { return Cond{Op: OpNe, Left: l, Right: r} }
func Lt(l, r Expr) Cond { return Cond{Op: OpLt, Left: l, Right: r} }
func Le(l, r Expr) Cond { return Cond{Op: OpLe, Left: l, Right: r} }
func Gt(l, r Expr) Cond { return Cond{Op: OpGt, Left: l, Right: r} }
func Ge(l, r Expr) Cond { return Cond{Op: OpGe, Left: l, Right: r} }

// Holds evaluates the condition. Comparing values of different kinds
// is an error (ir.ErrKindMismatch), not a false result.
func (c Cond) Holds(env Env, t ir.Tuple) (bool, error) {
	l, err := Eval(env, t, c.Left)
	if err != nil {
		return false, err
	}
	r, err := Eval(env, t, c.Right)
	if err != nil {
		return false, err
	}
	cmp, err := ir.Compare(l, r)
	if err != nil {
		return false, errors.Wrapf(err, "%s", c)
	}
	switch c.Op {
	case OpEq:
		return cmp == 0, nil
	case OpNe:
		return cmp != 0, nil
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGe:
		return cmp >= 0, nil
	default:
		return false, errors.AssertionFailedf("unknown operator %d", c.Op)
	}
}

func condsString(cs []Cond) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, " && ")
}
