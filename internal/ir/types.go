package ir

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ErrSchemaMismatch is returned when a tuple does not fit a schema.
var ErrSchemaMismatch = errors.New("schema mismatch")

// AttrDef declares one typed attribute of a schema.
type AttrDef struct {
	Name string
	Type Kind
}

// Def is a shorthand for AttrDef.
func Def(name string, k Kind) AttrDef {
	return AttrDef{Name: name, Type: k}
}

// Schema describes a relation or an event: its tag, ordered typed
// attributes, key attributes and optional retention window.
//
// An empty Key means every attribute is part of the key.
// A zero Retention means tuples never expire.
type Schema struct {
	Name      string
	Attrs     []AttrDef
	Key       []string
	Retention time.Duration
}

// Validate checks the schema itself: non-empty name, unique attribute
// names, key attributes that exist and a non-negative retention.
func (s Schema) Validate() error {
	if s.Name == "" {
		return errors.New("schema name is required")
	}
	if len(s.Attrs) == 0 {
		return errors.Newf("schema %s: at least one attribute is required", s.Name)
	}
	seen := make(map[string]bool, len(s.Attrs))
	for _, a := range s.Attrs {
		if a.Name == "" {
			return errors.Newf("schema %s: empty attribute name", s.Name)
		}
		if seen[a.Name] {
			return errors.Newf("schema %s: duplicate attribute %q", s.Name, a.Name)
		}
		if _, ok := kindNames[a.Type]; !ok {
			return errors.Newf("schema %s: attribute %q has unknown type", s.Name, a.Name)
		}
		seen[a.Name] = true
	}
	for _, k := range s.Key {
		if !seen[k] {
			return errors.Newf("schema %s: key attribute %q is not declared", s.Name, k)
		}
	}
	if s.Retention < 0 {
		return errors.Newf("schema %s: negative retention %s", s.Name, s.Retention)
	}
	return nil
}

// Index returns the position of the named attribute, or -1.
func (s Schema) Index(name string) int {
	for i, a := range s.Attrs {
		if a.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the attribute names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Attrs))
	for i, a := range s.Attrs {
		out[i] = a.Name
	}
	return out
}

// KeyIndices returns the positions of the key attributes.
func (s Schema) KeyIndices() []int {
	if len(s.Key) == 0 {
		out := make([]int, len(s.Attrs))
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := make([]int, len(s.Key))
	for i, k := range s.Key {
		out[i] = s.Index(k)
	}
	return out
}

// Conform checks arity and per-position types of t against the schema and
// returns a copy stamped with the schema's tag and attribute names.
func (s Schema) Conform(t Tuple) (Tuple, error) {
	if len(t.Attrs) != len(s.Attrs) {
		return Tuple{}, errors.Wrapf(ErrSchemaMismatch, "%s: expected %d attributes, got %d", s.Name, len(s.Attrs), len(t.Attrs))
	}
	out := Tuple{Tag: s.Name, Attrs: make([]Attr, len(s.Attrs))}
	for i, def := range s.Attrs {
		v := t.Attrs[i].Value
		if v == nil {
			return Tuple{}, errors.Wrapf(ErrSchemaMismatch, "%s.%s: missing value", s.Name, def.Name)
		}
		if v.Kind() != def.Type {
			return Tuple{}, errors.Wrapf(ErrSchemaMismatch, "%s.%s: expected %s, got %s", s.Name, def.Name, def.Type, v.Kind())
		}
		out.Attrs[i] = Attr{Name: def.Name, Value: v}
	}
	return out, nil
}

// KeyOf returns the canonical encoding of t's key projection.
// Tuples with equal keys produce equal strings; the encoding also orders
// keys deterministically.
func (s Schema) KeyOf(t Tuple) (string, error) {
	idx := s.KeyIndices()
	key := make(List, len(idx))
	for i, pos := range idx {
		if pos < 0 || pos >= len(t.Attrs) {
			return "", errors.Wrapf(ErrSchemaMismatch, "%s: key attribute out of range", s.Name)
		}
		key[i] = t.Attrs[pos].Value
	}
	b, err := MarshalCanonicalValue(key)
	if err != nil {
		return "", errors.Wrapf(err, "%s: encode key", s.Name)
	}
	return string(b), nil
}
