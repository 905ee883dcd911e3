package timer

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScheduler runs callbacks in time order when advanced.
type fakeScheduler struct {
	now     time.Time
	pending []*fakeTimer
	seq     int
}

type fakeTimer struct {
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	ran     bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.ran {
		return false
	}
	t.stopped = true
	return true
}

func (s *fakeScheduler) Now() time.Time { return s.now }

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) Timer {
	s.seq++
	t := &fakeTimer{at: s.now.Add(d), seq: s.seq, fn: fn}
	s.pending = append(s.pending, t)
	return t
}

func (s *fakeScheduler) advance(d time.Duration) {
	end := s.now.Add(d)
	for {
		sort.Slice(s.pending, func(i, j int) bool {
			if !s.pending[i].at.Equal(s.pending[j].at) {
				return s.pending[i].at.Before(s.pending[j].at)
			}
			return s.pending[i].seq < s.pending[j].seq
		})
		if len(s.pending) == 0 || s.pending[0].at.After(end) {
			break
		}
		t := s.pending[0]
		s.pending = s.pending[1:]
		if t.stopped {
			continue
		}
		s.now = t.at
		t.ran = true
		t.fn()
	}
	s.now = end
}

func TestSchedule_FireOnce(t *testing.T) {
	s := &fakeScheduler{}
	var fires []time.Duration
	start := s.now

	h, err := Schedule(s, Once(2*time.Second), func(*Handle) {
		fires = append(fires, s.now.Sub(start))
	})
	require.NoError(t, err)

	s.advance(10 * time.Second)
	assert.Equal(t, []time.Duration{2 * time.Second}, fires)
	assert.Equal(t, 1, h.Fired())
}

func TestSchedule_Recurring(t *testing.T) {
	s := &fakeScheduler{}
	start := s.now
	var fires []time.Duration

	_, err := Schedule(s, Every(0, time.Second), func(*Handle) {
		fires = append(fires, s.now.Sub(start))
	})
	require.NoError(t, err)

	s.advance(3500 * time.Millisecond)
	assert.Equal(t, []time.Duration{0, time.Second, 2 * time.Second, 3 * time.Second}, fires)
}

func TestSchedule_Count(t *testing.T) {
	s := &fakeScheduler{}
	n := 0
	h, err := Schedule(s, Policy{Delay: time.Second, Period: time.Second, Count: 3}, func(*Handle) { n++ })
	require.NoError(t, err)

	s.advance(time.Minute)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, h.Fired())
}

func TestCancel_StopsFurtherFirings(t *testing.T) {
	s := &fakeScheduler{}
	n := 0
	h, err := Schedule(s, Every(0, time.Second), func(*Handle) { n++ })
	require.NoError(t, err)

	s.advance(1500 * time.Millisecond)
	require.Equal(t, 2, n)

	assert.True(t, h.Cancel())
	s.advance(time.Minute)
	assert.Equal(t, 2, n)
	assert.False(t, h.Active())
}

func TestCancel_DoubleCancelIsNoop(t *testing.T) {
	s := &fakeScheduler{}
	h, err := Schedule(s, Once(time.Second), func(*Handle) {})
	require.NoError(t, err)

	assert.True(t, h.Cancel())
	assert.False(t, h.Cancel())
}

func TestCancel_InFlightFiringIsDropped(t *testing.T) {
	s := &fakeScheduler{}
	var queued []*Handle

	// The consumer queues firings instead of acting immediately, like a
	// node inbox does.
	h, err := Schedule(s, Every(0, time.Second), func(h *Handle) { queued = append(queued, h) })
	require.NoError(t, err)

	s.advance(0)
	require.Len(t, queued, 1)

	h.Cancel()
	assert.False(t, queued[0].Active(), "queued firing must be discarded by its consumer")
}

func TestCancel_FromCallback(t *testing.T) {
	s := &fakeScheduler{}
	n := 0
	_, err := Schedule(s, Every(0, time.Second), func(h *Handle) {
		n++
		if n == 2 {
			h.Cancel()
		}
	})
	require.NoError(t, err)

	s.advance(time.Minute)
	assert.Equal(t, 2, n)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, Once(0).Validate())
	assert.NoError(t, Every(time.Second, time.Second).Validate())
	assert.Error(t, Policy{Delay: -1}.Validate())
	assert.Error(t, Policy{Period: -1}.Validate())
	assert.Error(t, Policy{Count: 3}.Validate())

	_, err := Schedule(&fakeScheduler{}, Policy{Delay: -time.Second}, func(*Handle) {})
	assert.Error(t, err)
}

func TestPolicy_String(t *testing.T) {
	assert.Equal(t, "once after 0s", Once(0).String())
	assert.Equal(t, "every 1s after 0s", Every(0, time.Second).String())
	assert.Equal(t, "every 1s after 2s x3", Policy{Delay: 2 * time.Second, Period: time.Second, Count: 3}.String())
}
