package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestRateMeterEmpty(t *testing.T) {
	m := NewRateMeter(time.Second)

	assert.Zero(t, m.Rate())
	assert.Zero(t, m.RawRate())
	assert.Zero(t, m.Total())
}

func TestRateMeterSmoothing(t *testing.T) {
	clock := newFakeClock()
	m := NewRateMeter(500*time.Millisecond, WithClock(clock.Now))

	m.AddValue(100)
	assert.Zero(t, m.Rate(), "no update before the interval elapsed")

	clock.Advance(500 * time.Millisecond)
	m.AddValue(100)
	assert.InDelta(t, 400, m.Rate(), 1e-9, "first update takes the raw rate")

	// The sample from t0 is now exactly one window old and is evicted.
	clock.Advance(500 * time.Millisecond)
	m.AddValue(300)
	assert.Equal(t, uint64(400), m.Total())
	assert.InDelta(t, 0.3*800+0.7*400, m.Rate(), 1e-9)

	clock.Advance(200 * time.Millisecond)
	m.AddValue(100)
	assert.InDelta(t, 0.3*800+0.7*400, m.Rate(), 1e-9, "rate is cached between updates")
	assert.Equal(t, uint64(500), m.Total())
}

func TestRateMeterCustomSmoothing(t *testing.T) {
	clock := newFakeClock()
	m := NewRateMeter(0, WithClock(clock.Now), WithSmoothing(1))

	m.AddValue(100)
	clock.Advance(500 * time.Millisecond)
	m.AddValue(100)

	assert.InDelta(t, 400, m.Rate(), 1e-9, "alpha 1 tracks the raw rate")
}

func TestRateMeterInvalidSmoothingIgnored(t *testing.T) {
	for _, alpha := range []float64{0, -0.5, 1.5} {
		m := NewRateMeter(time.Second, WithSmoothing(alpha))
		assert.Equal(t, DefaultSmoothing, m.alpha, "alpha %v", alpha)
	}
}

func TestRateMeterZeroIntervalUpdatesEverySample(t *testing.T) {
	clock := newFakeClock()
	m := NewRateMeter(0, WithClock(clock.Now))

	m.AddValue(10)
	first := m.Rate()
	assert.Positive(t, first, "single sample uses the minimum window")

	clock.Advance(time.Millisecond)
	m.AddValue(10)
	assert.NotEqual(t, first, m.Rate())
}

func TestRateMeterWindowTotal(t *testing.T) {
	clock := newFakeClock()
	m := NewRateMeter(time.Second, WithClock(clock.Now))

	type added struct {
		at    time.Time
		value uint64
	}
	var history []added

	for i := range 40 {
		value := uint64(i*7 + 1)
		m.AddValue(value)
		history = append(history, added{at: clock.Now(), value: value})

		var want uint64
		for _, h := range history {
			if clock.Now().Sub(h.at) < time.Second {
				want += h.value
			}
		}
		require.Equal(t, want, m.Total(), "step %d", i)

		// Irregular steps exercise partial evictions.
		clock.Advance(time.Duration(50+(i%4)*90) * time.Millisecond)
	}
}

func TestRateMeterIdleGapEvictsEverything(t *testing.T) {
	clock := newFakeClock()
	m := NewRateMeter(0, WithClock(clock.Now))

	m.AddValue(1000)
	clock.Advance(100 * time.Millisecond)
	m.AddValue(1000)

	clock.Advance(5 * time.Second)
	m.AddValue(1)
	assert.Equal(t, uint64(1), m.Total())
}
