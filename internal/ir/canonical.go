package ir

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
	"golang.org/x/text/unicode/norm"
)

// Canonical JSON layout:
//
//	value:  {"addr":"10.0.0.1"} | {"i32":7} | {"str":"x"} | {"list":[...]} | {"sv":[3,9]}
//	tuple:  {"attrs":[{"n":"src","v":<value>},...],"tag":"link"}
//
// Object keys are written in sorted order, strings are NFC normalized and
// HTML characters are not escaped, so equal tuples always produce equal bytes.
// This is the ONLY serialization used for signatures and content hashes.

// MarshalCanonicalValue encodes a value in canonical JSON.
func MarshalCanonicalValue(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := appendCanonicalValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalCanonical encodes a tuple in canonical JSON.
func MarshalCanonical(t Tuple) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"attrs":[`)
	for i, a := range t.Attrs {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`{"n":`)
		if err := appendCanonicalString(&buf, a.Name); err != nil {
			return nil, err
		}
		buf.WriteString(`,"v":`)
		if err := appendCanonicalValue(&buf, a.Value); err != nil {
			return nil, errors.Wrapf(err, "attribute %q", a.Name)
		}
		buf.WriteByte('}')
	}
	buf.WriteString(`],"tag":`)
	if err := appendCanonicalString(&buf, t.Tag); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SigningBytes returns the canonical payload covered by a signature: the
// tuple without its destination and without any previous authenticator.
func SigningBytes(t Tuple) ([]byte, error) {
	return MarshalCanonical(t.Without(DestAttr).Without(SigAttr))
}

func appendCanonicalValue(buf *bytes.Buffer, v Value) error {
	switch val := v.(type) {
	case nil:
		return errors.New("nil value is forbidden in canonical JSON")
	case Address:
		buf.WriteString(`{"addr":`)
		if err := appendCanonicalString(buf, val.String()); err != nil {
			return err
		}
	case Int32:
		buf.WriteString(`{"i32":`)
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case String:
		buf.WriteString(`{"str":`)
		if err := appendCanonicalString(buf, string(val)); err != nil {
			return err
		}
	case List:
		buf.WriteString(`{"list":[`)
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonicalValue(buf, e); err != nil {
				return errors.Wrapf(err, "list[%d]", i)
			}
		}
		buf.WriteByte(']')
	case Bitset:
		buf.WriteString(`{"sv":[`)
		for i, idx := range val.Indices() {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(strconv.FormatUint(uint64(idx), 10))
		}
		buf.WriteByte(']')
	default:
		return errors.AssertionFailedf("unknown value type %T", v)
	}
	buf.WriteByte('}')
	return nil
}

// appendCanonicalString writes a JSON string with NFC normalization and
// without HTML escaping.
func appendCanonicalString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false) // <, >, & must NOT be escaped
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return errors.Wrap(err, "encode string")
	}
	// json.Encoder adds a trailing newline.
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte{'\n'}))
	return nil
}

// UnmarshalValue decodes a canonical JSON value.
func UnmarshalValue(data []byte) (Value, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode value")
	}
	if len(raw) != 1 {
		return nil, errors.Newf("value object must have exactly one key, got %d", len(raw))
	}
	for key, body := range raw {
		switch key {
		case "addr":
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, errors.Wrap(err, "decode address")
			}
			return ParseAddress(s)
		case "i32":
			var n int32
			if err := json.Unmarshal(body, &n); err != nil {
				return nil, errors.Wrap(err, "decode int32")
			}
			return Int32(n), nil
		case "str":
			var s string
			if err := json.Unmarshal(body, &s); err != nil {
				return nil, errors.Wrap(err, "decode string")
			}
			return String(s), nil
		case "list":
			var elems []json.RawMessage
			if err := json.Unmarshal(body, &elems); err != nil {
				return nil, errors.Wrap(err, "decode list")
			}
			out := make(List, len(elems))
			for i, e := range elems {
				v, err := UnmarshalValue(e)
				if err != nil {
					return nil, errors.Wrapf(err, "list[%d]", i)
				}
				out[i] = v
			}
			return out, nil
		case "sv":
			var idx []uint
			if err := json.Unmarshal(body, &idx); err != nil {
				return nil, errors.Wrap(err, "decode bitset")
			}
			return BitsetOf(idx...), nil
		default:
			return nil, errors.Newf("unknown value key %q", key)
		}
	}
	return nil, errors.AssertionFailedf("unreachable")
}

// UnmarshalTuple decodes a tuple written by MarshalCanonical.
func UnmarshalTuple(data []byte) (Tuple, error) {
	var raw struct {
		Tag   string `json:"tag"`
		Attrs []struct {
			N string          `json:"n"`
			V json.RawMessage `json:"v"`
		} `json:"attrs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Tuple{}, errors.Wrap(err, "decode tuple")
	}
	t := Tuple{Tag: raw.Tag, Attrs: make([]Attr, len(raw.Attrs))}
	for i, a := range raw.Attrs {
		v, err := UnmarshalValue(a.V)
		if err != nil {
			return Tuple{}, errors.Wrapf(err, "attribute %q", a.N)
		}
		t.Attrs[i] = Attr{Name: a.N, Value: v}
	}
	return t, nil
}
