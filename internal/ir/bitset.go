package ir

import (
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
)

// SummaryVectorWidth is the number of bits in a summary vector.
// Message identifiers are folded into this range, so a summary vector is a
// compact digest: distinct ids may share a bit.
const SummaryVectorWidth = 4096

// Bitset is an immutable summary vector. The zero value is the empty set.
// Every operation returns a new Bitset; the receiver is never modified.
type Bitset struct {
	bits *bitset.BitSet
}

func (Bitset) value()     {}
func (Bitset) Kind() Kind { return KindBitset }

// NewBitset returns an empty summary vector.
func NewBitset() Bitset {
	return Bitset{bits: bitset.New(SummaryVectorWidth)}
}

// BitIndex maps a message identifier to its bit. Ids that are equal modulo
// SummaryVectorWidth map to the same bit.
func BitIndex(id int32) uint {
	return uint(uint32(id) % SummaryVectorWidth)
}

func (b Bitset) clone() *bitset.BitSet {
	if b.bits == nil {
		return bitset.New(SummaryVectorWidth)
	}
	return b.bits.Clone()
}

// With returns a copy with the bit for id set.
func (b Bitset) With(id int32) Bitset {
	c := b.clone()
	c.Set(BitIndex(id))
	return Bitset{bits: c}
}

// Without returns a copy with the bit for id cleared.
func (b Bitset) Without(id int32) Bitset {
	c := b.clone()
	c.Clear(BitIndex(id))
	return Bitset{bits: c}
}

// AndNot returns the bits set in b but not in o.
func (b Bitset) AndNot(o Bitset) Bitset {
	if o.bits == nil {
		return Bitset{bits: b.clone()}
	}
	return Bitset{bits: b.clone().Difference(o.bits)}
}

// Has reports whether the bit for id is set.
func (b Bitset) Has(id int32) bool {
	return b.bits != nil && b.bits.Test(BitIndex(id))
}

// Count returns the number of set bits.
func (b Bitset) Count() int {
	if b.bits == nil {
		return 0
	}
	return int(b.bits.Count())
}

// Indices returns the set bit positions in ascending order.
func (b Bitset) Indices() []uint {
	if b.bits == nil {
		return nil
	}
	out := make([]uint, 0, b.bits.Count())
	for i, ok := b.bits.NextSet(0); ok; i, ok = b.bits.NextSet(i + 1) {
		out = append(out, i)
	}
	return out
}

// BitsetOf builds a summary vector from explicit bit positions.
func BitsetOf(indices ...uint) Bitset {
	c := bitset.New(SummaryVectorWidth)
	for _, i := range indices {
		c.Set(i % SummaryVectorWidth)
	}
	return Bitset{bits: c}
}

func (b Bitset) String() string {
	idx := b.Indices()
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// ParseBitset parses the "{1,5,9}" form produced by String.
func ParseBitset(s string) (Bitset, error) {
	body := strings.TrimSpace(s)
	if !strings.HasPrefix(body, "{") || !strings.HasSuffix(body, "}") {
		return Bitset{}, errors.Newf("bitset %q must be braced", s)
	}
	body = strings.TrimSpace(body[1 : len(body)-1])
	if body == "" {
		return NewBitset(), nil
	}
	var idx []uint
	for _, part := range strings.Split(body, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return Bitset{}, errors.Wrapf(err, "bitset element %q", part)
		}
		idx = append(idx, uint(n))
	}
	return BitsetOf(idx...), nil
}

// compare orders bitsets by their ascending index lists.
func (b Bitset) compare(o Bitset) int {
	ai, bi := b.Indices(), o.Indices()
	for i := 0; i < len(ai) && i < len(bi); i++ {
		if ai[i] != bi[i] {
			// The set with the smaller first differing index sorts first.
			if ai[i] < bi[i] {
				return -1
			}
			return 1
		}
	}
	return cmpOrdered(len(ai), len(bi))
}
