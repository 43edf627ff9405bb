package transfer

import (
	"time"
)

// DefaultSmoothing is the exponential smoothing factor applied to the raw rate.
// Values close to 1 follow the raw rate closely (noisy), values close to 0
// smooth aggressively (laggy).
const DefaultSmoothing = 0.3

// rateWindow is the trailing span of samples used for the raw rate.
const rateWindow = time.Second

// minWindow avoids division by zero on the first sample.
const minWindow = time.Nanosecond

type rateSample struct {
	at    time.Time
	value uint64
}

// RateMeter turns timestamped byte counts into a smoothed bytes-per-second value.
// It is not safe for concurrent use; each transfer owns its own meter.
type RateMeter struct {
	updateInterval time.Duration
	alpha          float64
	now            func() time.Time

	samples []rateSample // oldest first, all younger than rateWindow
	total   uint64       // sum of samples[].value

	lastUpdate time.Time
	smoothed   float64
	primed     bool
}

// RateMeterOption configures a RateMeter.
type RateMeterOption func(*RateMeter)

// WithSmoothing sets the smoothing factor. Values outside (0, 1] are ignored.
func WithSmoothing(alpha float64) RateMeterOption {
	return func(m *RateMeter) {
		if alpha > 0 && alpha <= 1 {
			m.alpha = alpha
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) RateMeterOption {
	return func(m *RateMeter) {
		if now != nil {
			m.now = now
		}
	}
}

// NewRateMeter creates a meter that recomputes its smoothed rate at most once per
// updateInterval. An interval of 0 recomputes on every sample.
func NewRateMeter(updateInterval time.Duration, opts ...RateMeterOption) *RateMeter {
	m := &RateMeter{
		updateInterval: updateInterval,
		alpha:          DefaultSmoothing,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastUpdate = m.now()
	return m
}

// AddValue records value at the current time.
func (m *RateMeter) AddValue(value uint64) {
	now := m.now()

	m.evict(now)

	m.samples = append(m.samples, rateSample{at: now, value: value})
	m.total += value

	if now.Sub(m.lastUpdate) >= m.updateInterval {
		m.smooth(now)
	}
}

// Rate returns the last smoothed rate in bytes per second.
func (m *RateMeter) Rate() float64 {
	return m.smoothed
}

// RawRate returns the unsmoothed rate over the retained window.
func (m *RateMeter) RawRate() float64 {
	return m.rawRate(m.now())
}

// Total returns the sum of the samples still inside the window.
func (m *RateMeter) Total() uint64 {
	return m.total
}

func (m *RateMeter) rawRate(now time.Time) float64 {
	if len(m.samples) == 0 {
		return 0
	}
	window := now.Sub(m.samples[0].at)
	if window < minWindow {
		window = minWindow
	}
	return float64(m.total) / window.Seconds()
}

func (m *RateMeter) smooth(now time.Time) {
	raw := m.rawRate(now)
	if !m.primed {
		m.smoothed = raw
		m.primed = true
	} else {
		m.smoothed = m.alpha*raw + (1-m.alpha)*m.smoothed
	}
	m.lastUpdate = now
}

// evict drops samples whose age reached the rate window.
func (m *RateMeter) evict(now time.Time) {
	cutoff := now.Add(-rateWindow)

	i := 0
	for ; i < len(m.samples); i++ {
		if m.samples[i].at.After(cutoff) {
			break
		}
		m.total -= m.samples[i].value
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}
