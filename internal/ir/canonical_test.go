package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTuple() Tuple {
	return NewTuple("advertise",
		A("dst", MustAddress("10.0.0.3")),
		A("path", List{MustAddress("10.0.0.2"), MustAddress("10.0.0.3")}),
		A("note", String("a<b&c")),
		A("n", Int32(-4)),
		A("sv", BitsetOf(9, 2)),
	)
}

func TestMarshalCanonical_Layout(t *testing.T) {
	got, err := MarshalCanonical(NewTuple("link", A("src", MustAddress("10.0.0.1")), A("n", Int32(3))))
	require.NoError(t, err)
	assert.Equal(t, `{"attrs":[{"n":"src","v":{"addr":"10.0.0.1"}},{"n":"n","v":{"i32":3}}],"tag":"link"}`, string(got))
}

func TestMarshalCanonical_NoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonicalValue(String("a<b&c>"))
	require.NoError(t, err)
	assert.Equal(t, `{"str":"a<b&c>"}`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	// "é" precomposed vs. "e" + combining acute accent
	a, err := MarshalCanonicalValue(String("\u00e9"))
	require.NoError(t, err)
	b, err := MarshalCanonicalValue(String("e\u0301"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUnmarshalTuple_RoundTrip(t *testing.T) {
	in := sampleTuple()
	data, err := MarshalCanonical(in)
	require.NoError(t, err)

	out, err := UnmarshalTuple(data)
	require.NoError(t, err)
	assert.True(t, in.Equal(out), "got %s", out)
}

func TestUnmarshalValue_Rejects(t *testing.T) {
	_, err := UnmarshalValue([]byte(`{"f64":1.5}`))
	assert.Error(t, err)
	_, err = UnmarshalValue([]byte(`{"i32":1,"str":"x"}`))
	assert.Error(t, err)
	_, err = UnmarshalValue([]byte(`{"i32":1.5}`))
	assert.Error(t, err)
}

func TestSigningBytes_IgnoresDestAndSig(t *testing.T) {
	base := sampleTuple()
	withDest := base.With(DestAttr, MustAddress("10.0.0.9"))
	withSig := withDest.With(SigAttr, String("deadbeef"))

	a, err := SigningBytes(base)
	require.NoError(t, err)
	b, err := SigningBytes(withSig)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
