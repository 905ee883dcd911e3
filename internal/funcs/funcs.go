// Package funcs is the function library available to Assign steps and
// expressions: timestamps, random identifiers, summary-vector bitset
// operations and path-vector list helpers.
//
// Every function is total and free of side effects except now() and
// randomId(), which read the injected Clock and Rand.
package funcs

import (
	"math"
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/roach88/ndrt/internal/algebra"
	"github.com/roach88/ndrt/internal/ir"
)

// Function names.
const (
	FnNow      = "now"
	FnDiffTime = "diffTime"
	FnRandomID = "randomId"
	FnSvCreate = "svCreate"
	FnSvAppend = "svAppend"
	FnSvAndNot = "svAndNot"
	FnSvIn     = "svIn"
	FnSvRemove = "svRemove"
	FnAppend   = "append"
	FnConcat   = "concat"
	FnMember   = "member"
	FnSize     = "size"
)

// TimeLayout is the textual form of timestamps produced by now().
const TimeLayout = time.RFC3339Nano

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Rand supplies non-negative pseudo-random 31-bit integers.
type Rand interface {
	Int31() int32
}

// Library binds the function table to a clock and a random source.
// Library implements algebra.Functions.
type Library struct {
	clock Clock
	rng   Rand
}

// New creates a library reading the given clock and random source.
func New(clock Clock, rng Rand) *Library {
	return &Library{clock: clock, rng: rng}
}

type entry struct {
	sig algebra.Signature
	fn  func(l *Library, args []ir.Value) (ir.Value, error)
}

var table = map[string]entry{
	FnNow: {
		sig: algebra.Signature{Result: ir.KindString},
		fn: func(l *Library, _ []ir.Value) (ir.Value, error) {
			return Now(l.clock), nil
		},
	},
	FnDiffTime: {
		sig: algebra.Signature{Params: []ir.Kind{ir.KindString, ir.KindString}, Result: ir.KindInt32},
		fn: func(_ *Library, args []ir.Value) (ir.Value, error) {
			return DiffTime(args[0].(ir.String), args[1].(ir.String))
		},
	},
	FnRandomID: {
		sig: algebra.Signature{Result: ir.KindInt32},
		fn: func(l *Library, _ []ir.Value) (ir.Value, error) {
			return RandomID(l.rng), nil
		},
	},
	FnSvCreate: {
		sig: algebra.Signature{Result: ir.KindBitset},
		fn: func(_ *Library, _ []ir.Value) (ir.Value, error) {
			return SvCreate(), nil
		},
	},
	FnSvAppend: {
		sig: algebra.Signature{Params: []ir.Kind{ir.KindBitset, ir.KindInt32}, Result: ir.KindBitset},
		fn: func(_ *Library, args []ir.Value) (ir.Value, error) {
			return SvAppend(args[0].(ir.Bitset), args[1].(ir.Int32)), nil
		},
	},
	FnSvAndNot: {
		sig: algebra.Signature{Params: []ir.Kind{ir.KindBitset, ir.KindBitset}, Result: ir.KindBitset},
		fn: func(_ *Library, args []ir.Value) (ir.Value, error) {
			return SvAndNot(args[0].(ir.Bitset), args[1].(ir.Bitset)), nil
		},
	},
	FnSvIn: {
		sig: algebra.Signature{Params: []ir.Kind{ir.KindBitset, ir.KindInt32}, Result: ir.KindInt32},
		fn: func(_ *Library, args []ir.Value) (ir.Value, error) {
			return SvIn(args[0].(ir.Bitset), args[1].(ir.Int32)), nil
		},
	},
	FnSvRemove: {
		sig: algebra.Signature{Params: []ir.Kind{ir.KindBitset, ir.KindInt32}, Result: ir.KindBitset},
		fn: func(_ *Library, args []ir.Value) (ir.Value, error) {
			return SvRemove(args[0].(ir.Bitset), args[1].(ir.Int32)), nil
		},
	},
	FnAppend: {
		sig: algebra.Signature{Params: []ir.Kind{0}, Result: ir.KindList},
		fn: func(_ *Library, args []ir.Value) (ir.Value, error) {
			return Append(args[0]), nil
		},
	},
	FnConcat: {
		sig: algebra.Signature{Params: []ir.Kind{ir.KindList, ir.KindList}, Result: ir.KindList},
		fn: func(_ *Library, args []ir.Value) (ir.Value, error) {
			return Concat(args[0].(ir.List), args[1].(ir.List)), nil
		},
	},
	FnMember: {
		sig: algebra.Signature{Params: []ir.Kind{ir.KindList, 0}, Result: ir.KindInt32},
		fn: func(_ *Library, args []ir.Value) (ir.Value, error) {
			return Member(args[0].(ir.List), args[1]), nil
		},
	},
	FnSize: {
		sig: algebra.Signature{Params: []ir.Kind{ir.KindList}, Result: ir.KindInt32},
		fn: func(_ *Library, args []ir.Value) (ir.Value, error) {
			return ir.Int32(len(args[0].(ir.List))), nil
		},
	},
}

// Names returns every function name in sorted order.
func Names() []string {
	out := make([]string, 0, len(table))
	for name := range table {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Signature implements algebra.Functions.
func (l *Library) Signature(name string) (algebra.Signature, bool) {
	e, ok := table[name]
	return e.sig, ok
}

// Call implements algebra.Functions. Arguments are checked against the
// signature so a function never sees a value of the wrong kind.
func (l *Library) Call(name string, args []ir.Value) (ir.Value, error) {
	e, ok := table[name]
	if !ok {
		return nil, errors.Newf("unknown function %q", name)
	}
	if len(args) != len(e.sig.Params) {
		return nil, errors.Newf("%s takes %d arguments, got %d", name, len(e.sig.Params), len(args))
	}
	for i, want := range e.sig.Params {
		if args[i] == nil {
			return nil, errors.Newf("%s: argument %d is nil", name, i+1)
		}
		if want != 0 && args[i].Kind() != want {
			return nil, errors.Wrapf(ir.ErrKindMismatch, "%s: argument %d must be %s, got %s", name, i+1, want, args[i].Kind())
		}
	}
	return e.fn(l, args)
}

// Now returns the clock reading in TimeLayout.
func Now(c Clock) ir.String {
	return ir.String(c.Now().UTC().Format(TimeLayout))
}

// DiffTime returns a - b in whole seconds, rounded up: any part of a
// second counts, so an age compared against a TTL in seconds exceeds it as
// soon as the real difference does. Differences beyond the int32 range
// saturate.
func DiffTime(a, b ir.String) (ir.Int32, error) {
	ta, err := time.Parse(TimeLayout, string(a))
	if err != nil {
		return 0, errors.Wrapf(err, "diffTime: parse %q", string(a))
	}
	tb, err := time.Parse(TimeLayout, string(b))
	if err != nil {
		return 0, errors.Wrapf(err, "diffTime: parse %q", string(b))
	}
	d := ta.Sub(tb)
	secs := int64(d / time.Second)
	if d%time.Second > 0 {
		secs++
	}
	switch {
	case secs > math.MaxInt32:
		return math.MaxInt32, nil
	case secs < math.MinInt32:
		return math.MinInt32, nil
	}
	return ir.Int32(secs), nil
}

// RandomID draws a message identifier.
func RandomID(r Rand) ir.Int32 {
	return ir.Int32(r.Int31())
}

// SvCreate returns an empty summary vector.
func SvCreate() ir.Bitset { return ir.NewBitset() }

// SvAppend returns sv with the bit for id set.
func SvAppend(sv ir.Bitset, id ir.Int32) ir.Bitset { return sv.With(int32(id)) }

// SvAndNot returns the bits of a that are not in b.
func SvAndNot(a, b ir.Bitset) ir.Bitset { return a.AndNot(b) }

// SvIn returns 1 when the bit for id is set, 0 otherwise.
func SvIn(sv ir.Bitset, id ir.Int32) ir.Int32 { return ir.Bool(sv.Has(int32(id))) }

// SvRemove returns sv with the bit for id cleared.
func SvRemove(sv ir.Bitset, id ir.Int32) ir.Bitset { return sv.Without(int32(id)) }

// Append returns the singleton list holding v.
func Append(v ir.Value) ir.List { return ir.List{v} }

// Concat returns a followed by b.
func Concat(a, b ir.List) ir.List { return a.Concat(b) }

// Member returns how many elements of l equal v.
func Member(l ir.List, v ir.Value) ir.Int32 {
	n := 0
	for _, e := range l {
		if ir.Equal(e, v) {
			n++
		}
	}
	return ir.Int32(n)
}
