package ir

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress_ParseAndString(t *testing.T) {
	a, err := ParseAddress("10.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, Address(0x0A000007), a)
	assert.Equal(t, "10.0.0.7", a.String())
	assert.Equal(t, "255.255.255.255", Broadcast.String())

	_, err = ParseAddress("::1")
	assert.Error(t, err, "IPv6 is not a fixed-width node address")

	_, err = ParseAddress("not-an-address")
	assert.Error(t, err)
}

func TestCompare_SameKind(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want int
	}{
		{"address less", MustAddress("10.0.0.1"), MustAddress("10.0.0.2"), -1},
		{"int equal", Int32(5), Int32(5), 0},
		{"int greater", Int32(7), Int32(-3), 1},
		{"string", String("abc"), String("abd"), -1},
		{"list prefix", List{Int32(1)}, List{Int32(1), Int32(2)}, -1},
		{"list element", List{Int32(3)}, List{Int32(2), Int32(9)}, 1},
		{"bitset equal", BitsetOf(1, 5), BitsetOf(5, 1), 0},
		{"bitset differs", BitsetOf(1, 5), BitsetOf(1, 6), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Compare(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompare_CrossKindIsError(t *testing.T) {
	_, err := Compare(Int32(1), String("1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKindMismatch))
	assert.False(t, Equal(Int32(1), String("1")))

	_, err = Compare(List{Int32(1)}, List{String("x")})
	assert.True(t, errors.Is(err, ErrKindMismatch), "mismatch inside lists surfaces too")
}

func TestList_AppendConcatDoNotAlias(t *testing.T) {
	base := make(List, 1, 4)
	base[0] = Int32(1)

	a := base.Append(Int32(2))
	b := base.Append(Int32(3))
	assert.Equal(t, List{Int32(1), Int32(2)}, a)
	assert.Equal(t, List{Int32(1), Int32(3)}, b)

	c := a.Concat(b)
	assert.Equal(t, List{Int32(1), Int32(2), Int32(1), Int32(3)}, c)
	assert.True(t, c.Contains(Int32(3)))
	assert.False(t, c.Contains(Int32(4)))
	assert.False(t, c.Contains(String("1")), "different kinds never match")
}

func TestBitset_Operations(t *testing.T) {
	empty := NewBitset()
	assert.Equal(t, 0, empty.Count())

	sv := empty.With(42).With(7)
	assert.True(t, sv.Has(42))
	assert.True(t, sv.Has(7))
	assert.False(t, empty.Has(42), "With must not modify the receiver")

	removed := sv.Without(42)
	assert.False(t, removed.Has(42))
	assert.True(t, sv.Has(42), "Without must not modify the receiver")

	diff := sv.AndNot(BitsetOf(BitIndex(7)))
	assert.Equal(t, []uint{BitIndex(42)}, diff.Indices())

	var zero Bitset
	assert.False(t, zero.Has(1))
	assert.True(t, zero.With(1).Has(1))
}

func TestBitset_NegativeIDsFold(t *testing.T) {
	sv := NewBitset().With(-1)
	assert.True(t, sv.Has(-1))
	assert.Less(t, BitIndex(-1), uint(SummaryVectorWidth))
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue(KindAddress, "broadcast")
	require.NoError(t, err)
	assert.Equal(t, Broadcast, v)

	v, err = ParseValue(KindInt32, "120")
	require.NoError(t, err)
	assert.Equal(t, Int32(120), v)

	v, err = ParseValue(KindList, "[10.0.0.1, 10.0.0.2]")
	require.NoError(t, err)
	assert.Equal(t, List{MustAddress("10.0.0.1"), MustAddress("10.0.0.2")}, v)

	v, err = ParseValue(KindBitset, "{3,1}")
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 3}, v.(Bitset).Indices())

	_, err = ParseValue(KindInt32, "99999999999")
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"address", "int32", "string", "list", "bitset"} {
		k, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, name, k.String())
	}
	_, err := ParseKind("float")
	assert.Error(t, err)
}
