package transfer

import (
	"errors"
	"io"
	"iter"
)

// ChunkSize is the scratch buffer size used by ChunkStream.
const ChunkSize = 8 * 1024

// ChunkObserver is notified with every chunk that passes through an adapter.
// Observers are called synchronously and must not block.
type ChunkObserver interface {
	OnChunk(chunk []byte)
}

// ChunkFunc adapts a function to ChunkObserver.
type ChunkFunc func(chunk []byte)

// OnChunk calls f(chunk).
func (f ChunkFunc) OnChunk(chunk []byte) { f(chunk) }

// TrackingReader reports every filled region read from the source.
type TrackingReader struct {
	source   io.Reader
	observer ChunkObserver
}

// NewTrackingReader wraps source. The observer sees p[:n] after each Read,
// including empty regions on EOF.
func NewTrackingReader(source io.Reader, observer ChunkObserver) *TrackingReader {
	return &TrackingReader{source: source, observer: observer}
}

// Read implements io.Reader.
func (r *TrackingReader) Read(p []byte) (int, error) {
	n, err := r.source.Read(p)
	r.observer.OnChunk(p[:n])
	return n, err
}

// TrackingWriter reports every buffer before it is handed to the sink.
type TrackingWriter struct {
	target   io.Writer
	observer ChunkObserver
}

// NewTrackingWriter wraps target. Progress is reported optimistically, before
// the underlying write happens.
func NewTrackingWriter(target io.Writer, observer ChunkObserver) *TrackingWriter {
	return &TrackingWriter{target: target, observer: observer}
}

// Write implements io.Writer.
func (w *TrackingWriter) Write(p []byte) (int, error) {
	w.observer.OnChunk(p)
	return w.target.Write(p)
}

// Flush flushes the target when it supports flushing.
func (w *TrackingWriter) Flush() error {
	if f, ok := w.target.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Close closes the target when it is an io.Closer.
func (w *TrackingWriter) Close() error {
	if c, ok := w.target.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Unwrap returns the wrapped writer.
func (w *TrackingWriter) Unwrap() io.Writer {
	return w.target
}

// ChunkStream is a lazy, finite, forward-only sequence of chunks read from a
// source. The observer is called once per non-empty chunk, before the chunk
// is handed out.
type ChunkStream struct {
	source   io.Reader
	observer ChunkObserver
	scratch  []byte

	pending []byte // unread part of the last chunk, used by Read
	err     error  // sticky terminal error, io.EOF on a clean end
}

// NewChunkStream creates a stream over source with a ChunkSize scratch buffer.
func NewChunkStream(source io.Reader, observer ChunkObserver) *ChunkStream {
	return &ChunkStream{
		source:   source,
		observer: observer,
		scratch:  make([]byte, ChunkSize),
	}
}

// Next returns the next chunk. It returns io.EOF once the source is drained
// and the source's error if the read failed. Returned chunks are owned by the
// caller.
func (s *ChunkStream) Next() ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}

	n, err := s.source.Read(s.scratch)
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.scratch[:n])
		s.observer.OnChunk(chunk)
		if err != nil {
			// Deliver the data now, surface the error on the next call.
			s.err = err
		}
		return chunk, nil
	}

	switch {
	case err == nil, errors.Is(err, io.EOF):
		s.err = io.EOF
	default:
		s.err = err
	}
	return nil, s.err
}

// All yields chunks until the stream ends. A clean end yields nothing further;
// a failure yields the error once.
func (s *ChunkStream) All() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			chunk, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// Read lets the stream act as an io.Reader, for example as a request body.
// Bytes are copied out of chunks produced by Next, so every byte is observed
// exactly once and in order.
func (s *ChunkStream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		chunk, err := s.Next()
		if err != nil {
			return 0, err
		}
		s.pending = chunk
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}
