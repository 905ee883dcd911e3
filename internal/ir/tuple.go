package ir

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Reserved attribute names.
const (
	// DestAttr names the destination attribute of an outgoing tuple.
	// By convention it is the last attribute.
	DestAttr = "$dest"

	// SigAttr names the authenticator attached by signing.
	SigAttr = "$sig"
)

// Attr is a single named value inside a tuple.
type Attr struct {
	Name  string
	Value Value
}

// A is a shorthand for Attr for ergonomic construction.
// Example: NewTuple("link", A("src", addr), A("dst", peer))
func A(name string, v Value) Attr {
	return Attr{Name: name, Value: v}
}

// Tuple is an immutable record: an ordered list of attributes stamped with a
// relation (or event) tag.
//
// Tuples have value semantics. Methods that derive a new tuple never share
// the attribute slice with the receiver.
type Tuple struct {
	Tag   string
	Attrs []Attr
}

// NewTuple creates a tuple from attributes. The attribute slice is copied.
func NewTuple(tag string, attrs ...Attr) Tuple {
	cp := make([]Attr, len(attrs))
	copy(cp, attrs)
	return Tuple{Tag: tag, Attrs: cp}
}

// Len returns the number of attributes.
func (t Tuple) Len() int { return len(t.Attrs) }

// Index returns the position of the named attribute, or -1.
func (t Tuple) Index(name string) int {
	for i, a := range t.Attrs {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// Get returns the named attribute's value.
func (t Tuple) Get(name string) (Value, bool) {
	if i := t.Index(name); i >= 0 {
		return t.Attrs[i].Value, true
	}
	return nil, false
}

// Values returns the attribute values in order.
func (t Tuple) Values() []Value {
	out := make([]Value, len(t.Attrs))
	for i, a := range t.Attrs {
		out[i] = a.Value
	}
	return out
}

// Names returns the attribute names in order.
func (t Tuple) Names() []string {
	out := make([]string, len(t.Attrs))
	for i, a := range t.Attrs {
		out[i] = a.Name
	}
	return out
}

// With returns a copy of t with the named attribute set: replaced in place
// when it exists, appended otherwise.
func (t Tuple) With(name string, v Value) Tuple {
	out := Tuple{Tag: t.Tag, Attrs: make([]Attr, len(t.Attrs), len(t.Attrs)+1)}
	copy(out.Attrs, t.Attrs)
	if i := t.Index(name); i >= 0 {
		out.Attrs[i].Value = v
		return out
	}
	out.Attrs = append(out.Attrs, Attr{Name: name, Value: v})
	return out
}

// Without returns a copy of t with the named attribute removed.
func (t Tuple) Without(name string) Tuple {
	out := Tuple{Tag: t.Tag, Attrs: make([]Attr, 0, len(t.Attrs))}
	for _, a := range t.Attrs {
		if a.Name != name {
			out.Attrs = append(out.Attrs, a)
		}
	}
	return out
}

// Retag returns a copy of t stamped with a different tag.
func (t Tuple) Retag(tag string) Tuple {
	out := NewTuple(tag, t.Attrs...)
	return out
}

// Concat returns a tuple holding t's attributes followed by o's, keeping t's
// tag. Used by Join to build the working attribute set.
func (t Tuple) Concat(o Tuple) Tuple {
	out := Tuple{Tag: t.Tag, Attrs: make([]Attr, 0, len(t.Attrs)+len(o.Attrs))}
	out.Attrs = append(out.Attrs, t.Attrs...)
	out.Attrs = append(out.Attrs, o.Attrs...)
	return out
}

// Project renames and reorders attributes positionally into a new tuple
// tagged tag. in[i] is read from t and written as out[i].
func (t Tuple) Project(tag string, in, out []string) (Tuple, error) {
	if len(in) != len(out) {
		return Tuple{}, errors.Newf("project %s: %d input attributes but %d output attributes", tag, len(in), len(out))
	}
	res := Tuple{Tag: tag, Attrs: make([]Attr, len(in))}
	for i, name := range in {
		v, ok := t.Get(name)
		if !ok {
			return Tuple{}, errors.Newf("project %s: unknown attribute %q in %s", tag, name, t.Tag)
		}
		res.Attrs[i] = Attr{Name: out[i], Value: v}
	}
	return res, nil
}

// Equal reports whether both tuples have the same tag and attributes.
func (t Tuple) Equal(o Tuple) bool {
	if t.Tag != o.Tag || len(t.Attrs) != len(o.Attrs) {
		return false
	}
	for i := range t.Attrs {
		if t.Attrs[i].Name != o.Attrs[i].Name || !Equal(t.Attrs[i].Value, o.Attrs[i].Value) {
			return false
		}
	}
	return true
}

// String renders the tuple in the tag(name=value, ...) form used in logs.
func (t Tuple) String() string {
	var b strings.Builder
	b.WriteString(t.Tag)
	b.WriteByte('(')
	for i, a := range t.Attrs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.Name)
		b.WriteByte('=')
		if a.Value == nil {
			b.WriteString("<nil>")
		} else {
			b.WriteString(a.Value.String())
		}
	}
	b.WriteByte(')')
	return b.String()
}
