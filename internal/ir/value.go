package ir

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind identifies the tag of a Value.
type Kind uint8

const (
	// KindAddress is a fixed-width (IPv4) network identifier.
	KindAddress Kind = iota + 1
	// KindInt32 is a signed 32-bit integer.
	KindInt32
	// KindString is a UTF-8 string.
	KindString
	// KindList is an ordered list of values.
	KindList
	// KindBitset is an opaque summary-vector bitset.
	KindBitset
)

var kindNames = map[Kind]string{
	KindAddress: "address",
	KindInt32:   "int32",
	KindString:  "string",
	KindList:    "list",
	KindBitset:  "bitset",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a schema type name to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, errors.Newf("unknown value type %q", s)
}

// ErrKindMismatch is returned when two values of different kinds are compared.
var ErrKindMismatch = errors.New("kind mismatch")

// Value is a sealed interface over the runtime's value types.
// Only Address, Int32, String, List and Bitset implement it.
type Value interface {
	Kind() Kind
	String() string
	value() // Sealed
}

// Address is a fixed-width IPv4 node identifier.
type Address uint32

// Broadcast is the reserved destination meaning "all current neighbours".
const Broadcast Address = 0xFFFFFFFF

func (Address) value()     {}
func (Address) Kind() Kind { return KindAddress }

func (a Address) String() string {
	return netip.AddrFrom4([4]byte{byte(a >> 24), byte(a >> 16), byte(a >> 8), byte(a)}).String()
}

// ParseAddress parses a dotted-quad IPv4 address.
func ParseAddress(s string) (Address, error) {
	ip, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "parse address %q", s)
	}
	if !ip.Is4() {
		return 0, errors.Newf("address %q is not IPv4", s)
	}
	b := ip.As4()
	return Address(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])), nil
}

// MustAddress is like ParseAddress but panics on error.
// Use only in tests or for constant addresses.
func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Int32 is a signed 32-bit integer value.
type Int32 int32

func (Int32) value()           {}
func (Int32) Kind() Kind       { return KindInt32 }
func (i Int32) String() string { return strconv.FormatInt(int64(i), 10) }

// Bool converts a boolean to the 1/0 integer form used by predicates.
func Bool(b bool) Int32 {
	if b {
		return 1
	}
	return 0
}

// String is a UTF-8 string value.
type String string

func (String) value()           {}
func (String) Kind() Kind       { return KindString }
func (s String) String() string { return string(s) }

// List is an ordered, immutable list of values.
// Callers must not modify a List after it has been placed in a tuple.
type List []Value

func (List) value()     {}
func (List) Kind() Kind { return KindList }

func (l List) String() string {
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Append returns a new list with v added at the end.
func (l List) Append(v Value) List {
	out := make(List, len(l), len(l)+1)
	copy(out, l)
	return append(out, v)
}

// Concat returns a new list holding l followed by o.
func (l List) Concat(o List) List {
	out := make(List, 0, len(l)+len(o))
	out = append(out, l...)
	return append(out, o...)
}

// Contains reports whether any element equals v.
func (l List) Contains(v Value) bool {
	for _, e := range l {
		if Equal(e, v) {
			return true
		}
	}
	return false
}

// Equal reports whether a and b have the same kind and the same value.
func Equal(a, b Value) bool {
	c, err := Compare(a, b)
	return err == nil && c == 0
}

// Compare orders two values of the same kind.
// Returns ErrKindMismatch when the kinds differ.
func Compare(a, b Value) (int, error) {
	if a == nil || b == nil {
		return 0, errors.Wrap(ErrKindMismatch, "nil value")
	}
	if a.Kind() != b.Kind() {
		return 0, errors.Wrapf(ErrKindMismatch, "cannot compare %s with %s", a.Kind(), b.Kind())
	}

	switch av := a.(type) {
	case Address:
		return cmpOrdered(av, b.(Address)), nil
	case Int32:
		return cmpOrdered(av, b.(Int32)), nil
	case String:
		return strings.Compare(string(av), string(b.(String))), nil
	case List:
		bv := b.(List)
		for i := 0; i < len(av) && i < len(bv); i++ {
			c, err := Compare(av[i], bv[i])
			if err != nil {
				return 0, errors.Wrapf(err, "list[%d]", i)
			}
			if c != 0 {
				return c, nil
			}
		}
		return cmpOrdered(len(av), len(bv)), nil
	case Bitset:
		return av.compare(b.(Bitset)), nil
	default:
		return 0, errors.AssertionFailedf("unknown value type %T", a)
	}
}

func cmpOrdered[T ~int | ~int32 | ~uint32 | ~uint64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ParseValue converts the textual form of a value into a Value of kind k.
// Lists use the "[a,b,c]" form with elements parsed as addresses when
// possible, then integers, then strings.
func ParseValue(k Kind, s string) (Value, error) {
	switch k {
	case KindAddress:
		if s == "broadcast" {
			return Broadcast, nil
		}
		return ParseAddress(s)
	case KindInt32:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "parse int32 %q", s)
		}
		return Int32(n), nil
	case KindString:
		return String(s), nil
	case KindList:
		body := strings.TrimSpace(s)
		if !strings.HasPrefix(body, "[") || !strings.HasSuffix(body, "]") {
			return nil, errors.Newf("list %q must be bracketed", s)
		}
		body = strings.TrimSpace(body[1 : len(body)-1])
		if body == "" {
			return List{}, nil
		}
		var out List
		for _, part := range strings.Split(body, ",") {
			out = append(out, guessValue(strings.TrimSpace(part)))
		}
		return out, nil
	case KindBitset:
		return ParseBitset(s)
	default:
		return nil, errors.Newf("cannot parse value of %s", k)
	}
}

func guessValue(s string) Value {
	if a, err := ParseAddress(s); err == nil {
		return a
	}
	if n, err := strconv.ParseInt(s, 10, 32); err == nil {
		return Int32(n)
	}
	return String(s)
}
