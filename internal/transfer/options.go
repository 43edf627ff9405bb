package transfer

import (
	"time"

	"go.uber.org/zap"

	"github.com/zapuskalka/companion/internal/infrastructure/monitoring"
)

// Settings holds the defaults shared by every transfer of an Archiver or Uploader.
type Settings struct {
	// SpeedUpdateInterval is how often the smoothed rate is recomputed.
	SpeedUpdateInterval time.Duration
	// Smoothing is the exponential smoothing factor, see DefaultSmoothing.
	Smoothing float64
}

// DefaultSettings matches the launcher UI: one rate update per second.
func DefaultSettings() Settings {
	return Settings{
		SpeedUpdateInterval: time.Second,
		Smoothing:           DefaultSmoothing,
	}
}

// Option configures an Archiver or Uploader.
type Option func(*base)

// WithSettings overrides the transfer defaults.
func WithSettings(s Settings) Option {
	return func(b *base) { b.settings = s }
}

// WithMetrics records transfer metrics.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(b *base) { b.metrics = m }
}

// base is embedded by the pipeline types.
type base struct {
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	settings Settings
}

func newBase(logger *zap.Logger, defaults Settings, opts []Option) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := base{logger: logger, settings: defaults}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// reporter creates the progress reporter for one operation. A non-zero
// interval overrides the configured default.
func (b *base) reporter(op string, total uint64, sink ProgressSink, interval time.Duration) *progressReporter {
	if interval <= 0 {
		interval = b.settings.SpeedUpdateInterval
	}
	return newProgressReporter(op, total, sink, interval, b.settings.Smoothing, b.logger)
}

// track records the start of op and returns the function that records its end.
func (b *base) track(op string) func(bytes uint64, err error) {
	start := time.Now()
	b.metrics.TransferStarted(op)
	return func(bytes uint64, err error) {
		b.metrics.TransferFinished(op, bytes, time.Since(start), err)
	}
}
