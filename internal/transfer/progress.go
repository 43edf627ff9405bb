package transfer

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSinkFull is returned by ChannelSink when an unbuffered channel has no
// receiver ready.
var ErrSinkFull = errors.New("progress sink full")

// ProgressSample is one progress notification.
type ProgressSample struct {
	CurrentBytes   uint64 `json:"current_bytes"`
	TotalBytes     uint64 `json:"total_bytes"`
	DeltaPerSecond uint64 `json:"delta_per_second"`
}

// Percent returns the completed share in the range [0, 100].
func (s ProgressSample) Percent() float64 {
	if s.TotalBytes == 0 {
		return 100
	}
	return float64(s.CurrentBytes) / float64(s.TotalBytes) * 100
}

// ProgressSink receives progress samples. Send must not block; an error means
// the sample was dropped and never aborts the transfer.
type ProgressSink interface {
	Send(sample ProgressSample) error
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(sample ProgressSample) error

// Send calls f(sample).
func (f SinkFunc) Send(sample ProgressSample) error { return f(sample) }

// Discard drops every sample.
var Discard ProgressSink = SinkFunc(func(ProgressSample) error { return nil })

// ChannelSink pushes samples into ch without blocking. When the buffer is
// full the oldest queued sample is dropped, so the latest sample, and the
// completion sample in particular, always gets through. The channel must stay
// open for the lifetime of the transfer.
type ChannelSink chan ProgressSample

// Send implements ProgressSink.
func (c ChannelSink) Send(sample ProgressSample) error {
	for range 2 {
		select {
		case c <- sample:
			return nil
		default:
		}
		select {
		case <-c:
		default:
		}
	}
	return ErrSinkFull
}

// progressReporter turns chunk notifications into progress samples.
type progressReporter struct {
	mu      sync.Mutex
	total   uint64
	current uint64
	done    bool

	meter  *RateMeter
	sink   ProgressSink
	logger *zap.Logger
	op     string
}

func newProgressReporter(op string, total uint64, sink ProgressSink, interval time.Duration, smoothing float64, logger *zap.Logger) *progressReporter {
	if sink == nil {
		sink = Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &progressReporter{
		total:  total,
		meter:  NewRateMeter(interval, WithSmoothing(smoothing)),
		sink:   sink,
		logger: logger,
		op:     op,
	}
}

// OnChunk implements ChunkObserver.
func (r *progressReporter) OnChunk(chunk []byte) {
	r.advance(uint64(len(chunk)))
}

func (r *progressReporter) advance(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return
	}
	r.current += n
	r.meter.AddValue(n)
	r.emit(ProgressSample{
		CurrentBytes:   r.clamped(),
		TotalBytes:     r.total,
		DeltaPerSecond: uint64(r.meter.Rate()),
	})
}

// start emits the initial zero sample.
func (r *progressReporter) start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.emit(ProgressSample{TotalBytes: r.total})
}

// complete emits the final sample. Later chunks are ignored.
func (r *progressReporter) complete() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done {
		return
	}
	r.done = true
	r.current = r.total
	r.emit(ProgressSample{CurrentBytes: r.total, TotalBytes: r.total})
}

// transferred returns the raw byte count, which may exceed total when files
// grow during the transfer.
func (r *progressReporter) transferred() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// clamped keeps samples inside [0, total]; totals are captured up front.
func (r *progressReporter) clamped() uint64 {
	if r.current > r.total {
		return r.total
	}
	return r.current
}

func (r *progressReporter) emit(sample ProgressSample) {
	if err := r.sink.Send(sample); err != nil {
		r.logger.Debug("Dropped progress sample",
			zap.String("op", r.op),
			zap.Uint64("current_bytes", sample.CurrentBytes),
			zap.Error(err),
		)
	}
}

// byteCounter counts bytes without emitting progress.
type byteCounter struct {
	n uint64
}

func (c *byteCounter) OnChunk(chunk []byte) {
	c.n += uint64(len(chunk))
}
