package funcs

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ndrt/internal/ir"
	"github.com/roach88/ndrt/internal/testutil"
)

func newLib() (*Library, *testutil.ManualClock, *testutil.SequenceRand) {
	clock := testutil.NewManualClock()
	rng := testutil.NewSequenceRand(42, 7)
	return New(clock, rng), clock, rng
}

func TestSummaryVector_Idempotence(t *testing.T) {
	ids := []ir.Int32{0, 1, 42, 4095, 4096, -1, 1 << 30}
	starts := []ir.Bitset{SvCreate(), ir.BitsetOf(1, 2, 3), SvAppend(SvCreate(), 42)}

	for _, sv := range starts {
		for _, id := range ids {
			appended := SvAppend(sv, id)
			assert.Equal(t, ir.Int32(1), SvIn(appended, id), "svIn(svAppend(%s, %d))", sv, id)
			assert.Equal(t, ir.Int32(0), SvIn(SvRemove(appended, id), id), "svIn(svRemove(svAppend(%s, %d)))", sv, id)

			// Appending twice changes nothing.
			assert.Equal(t, appended.Indices(), SvAppend(appended, id).Indices())
		}
	}
}

func TestSvAndNot(t *testing.T) {
	mine := SvAppend(SvAppend(SvCreate(), 1), 2)
	theirs := SvAppend(SvCreate(), 2)

	missing := SvAndNot(mine, theirs)
	assert.Equal(t, ir.Int32(1), SvIn(missing, 1))
	assert.Equal(t, ir.Int32(0), SvIn(missing, 2))

	assert.Equal(t, 0, SvAndNot(theirs, mine).Count())
}

func TestNowAndDiffTime(t *testing.T) {
	lib, clock, _ := newLib()

	begin, err := lib.Call(FnNow, nil)
	require.NoError(t, err)

	clock.Advance(121*time.Second + 900*time.Millisecond)
	end, err := lib.Call(FnNow, nil)
	require.NoError(t, err)

	d, err := lib.Call(FnDiffTime, []ir.Value{end, begin})
	require.NoError(t, err)
	assert.Equal(t, ir.Int32(122), d, "a started second counts")

	d, err = lib.Call(FnDiffTime, []ir.Value{begin, end})
	require.NoError(t, err)
	assert.Equal(t, ir.Int32(-121), d)

	_, err = DiffTime("yesterday", begin.(ir.String))
	assert.Error(t, err)
}

func TestDiffTime_RoundsUp(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 2, 500_000_000, time.UTC)
	at := func(d time.Duration) ir.String {
		return ir.String(base.Add(d).Format(TimeLayout))
	}

	tests := []struct {
		name string
		age  time.Duration
		want ir.Int32
	}{
		{"same instant", 0, 0},
		{"whole seconds", 120 * time.Second, 120},
		{"half a second over", 120*time.Second + 500*time.Millisecond, 121},
		{"a millisecond over", 120*time.Second + time.Millisecond, 121},
		{"just under", 119*time.Second + 999*time.Millisecond, 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiffTime(at(tt.age), at(0))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRandomID_ReadsInjectedRand(t *testing.T) {
	lib, _, rng := newLib()

	v, err := lib.Call(FnRandomID, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.Int32(42), v)

	v, err = lib.Call(FnRandomID, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.Int32(7), v)
	assert.Equal(t, 2, rng.Calls())
}

func TestPathHelpers(t *testing.T) {
	a := ir.MustAddress("10.0.0.1")
	b := ir.MustAddress("10.0.0.2")

	path := Concat(Append(a), Append(b))
	assert.Equal(t, ir.List{a, b}, path)
	assert.Equal(t, ir.Int32(1), Member(path, a))
	assert.Equal(t, ir.Int32(0), Member(path, ir.MustAddress("10.0.0.3")))
	assert.Equal(t, ir.Int32(2), Member(Concat(path, Append(a)), a))

	lib, _, _ := newLib()
	n, err := lib.Call(FnSize, []ir.Value{path})
	require.NoError(t, err)
	assert.Equal(t, ir.Int32(2), n)
}

func TestCall_ChecksArguments(t *testing.T) {
	lib, _, _ := newLib()

	_, err := lib.Call("nope", nil)
	assert.Error(t, err)

	_, err = lib.Call(FnSvIn, []ir.Value{SvCreate()})
	assert.Error(t, err, "arity")

	_, err = lib.Call(FnSvIn, []ir.Value{SvCreate(), ir.String("1")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ir.ErrKindMismatch))

	v, err := lib.Call(FnAppend, []ir.Value{ir.String("x")})
	require.NoError(t, err, "append accepts any kind")
	assert.Equal(t, ir.List{ir.String("x")}, v)
}

func TestSignatures(t *testing.T) {
	lib, _, _ := newLib()
	for _, name := range Names() {
		sig, ok := lib.Signature(name)
		require.True(t, ok, name)
		assert.NotZero(t, sig.Result, name)
	}
	_, ok := lib.Signature("missing")
	assert.False(t, ok)
}
