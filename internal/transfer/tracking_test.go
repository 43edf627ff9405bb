package transfer

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder keeps copies of every chunk it observes.
type recorder struct {
	chunks [][]byte
}

func (r *recorder) OnChunk(chunk []byte) {
	r.chunks = append(r.chunks, append([]byte(nil), chunk...))
}

func (r *recorder) joined() []byte {
	return bytes.Join(r.chunks, nil)
}

func (r *recorder) total() int {
	n := 0
	for _, c := range r.chunks {
		n += len(c)
	}
	return n
}

func TestTrackingReaderReportsFilledRegion(t *testing.T) {
	payload := []byte("hello, tracking reader")
	rec := &recorder{}
	r := NewTrackingReader(iotest.HalfReader(bytes.NewReader(payload)), rec)

	// A large buffer must not leak stale capacity into the notifications.
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 'X'
	}

	var got []byte
	for {
		n, err := r.Read(buf)
		got = append(got, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}

	assert.Equal(t, payload, got)
	assert.Equal(t, payload, rec.joined())
	require.NotEmpty(t, rec.chunks)
	assert.Empty(t, rec.chunks[len(rec.chunks)-1], "EOF is reported as an empty region")
}

func TestTrackingReaderPropagatesErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	rec := &recorder{}
	r := NewTrackingReader(iotest.ErrReader(boom), rec)

	_, err := r.Read(make([]byte, 8))

	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.chunks, 1)
	assert.Empty(t, rec.chunks[0])
}

func TestTrackingWriterReportsBeforeWrite(t *testing.T) {
	var target bytes.Buffer
	var seenBeforeWrite []int

	w := NewTrackingWriter(&target, ChunkFunc(func(chunk []byte) {
		seenBeforeWrite = append(seenBeforeWrite, target.Len())
	}))

	for _, part := range []string{"abc", "defgh", ""} {
		n, err := w.Write([]byte(part))
		require.NoError(t, err)
		assert.Equal(t, len(part), n)
	}

	assert.Equal(t, "abcdefgh", target.String())
	assert.Equal(t, []int{0, 3, 8}, seenBeforeWrite)
}

func TestTrackingWriterFlushAndClose(t *testing.T) {
	var target bytes.Buffer
	buffered := bufio.NewWriter(&target)
	rec := &recorder{}
	w := NewTrackingWriter(buffered, rec)

	_, err := w.Write([]byte("pending"))
	require.NoError(t, err)
	assert.Equal(t, 7, rec.total(), "reported before the bytes reach the target")
	assert.Zero(t, target.Len())

	require.NoError(t, w.Flush())
	assert.Equal(t, "pending", target.String())
	assert.Equal(t, 7, rec.total(), "flush adds no notifications")

	assert.Same(t, buffered, w.Unwrap())
	assert.NoError(t, w.Close(), "non-closer targets close cleanly")
}

func TestChunkStreamNext(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), ChunkSize/5)
	rec := &recorder{}
	s := NewChunkStream(bytes.NewReader(payload), rec)

	var chunks [][]byte
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}

	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], ChunkSize)
	assert.Equal(t, payload, bytes.Join(chunks, nil))
	assert.Equal(t, chunks, rec.chunks, "observer sees each chunk once, in order")

	_, err := s.Next()
	assert.ErrorIs(t, err, io.EOF, "end is sticky")
}

func TestChunkStreamEmptySource(t *testing.T) {
	rec := &recorder{}
	s := NewChunkStream(strings.NewReader(""), rec)

	_, err := s.Next()

	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, rec.chunks, "an empty fill is not reported")
}

func TestChunkStreamDataWithError(t *testing.T) {
	rec := &recorder{}
	s := NewChunkStream(iotest.DataErrReader(strings.NewReader("tail")), rec)

	chunk, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(chunk))

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 4, rec.total())
}

func TestChunkStreamAll(t *testing.T) {
	t.Run("clean end", func(t *testing.T) {
		payload := bytes.Repeat([]byte{'z'}, 3*ChunkSize+17)
		s := NewChunkStream(bytes.NewReader(payload), ChunkFunc(func([]byte) {}))

		var got []byte
		for chunk, err := range s.All() {
			require.NoError(t, err)
			got = append(got, chunk...)
		}
		assert.Equal(t, payload, got)
	})

	t.Run("source error ends the sequence", func(t *testing.T) {
		boom := errors.New("network unreachable")
		source := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(boom))
		s := NewChunkStream(source, ChunkFunc(func([]byte) {}))

		var (
			data []byte
			errs []error
		)
		for chunk, err := range s.All() {
			if err != nil {
				errs = append(errs, err)
				continue
			}
			data = append(data, chunk...)
		}
		assert.Equal(t, "partial", string(data))
		require.Len(t, errs, 1)
		assert.ErrorIs(t, errs[0], boom)
	})

	t.Run("early break", func(t *testing.T) {
		rec := &recorder{}
		s := NewChunkStream(bytes.NewReader(make([]byte, 4*ChunkSize)), rec)

		for range s.All() {
			break
		}
		assert.Len(t, rec.chunks, 1, "the stream is lazy")
	})
}

func TestChunkStreamAsReader(t *testing.T) {
	payload := bytes.Repeat([]byte("chunk-stream "), 2000)
	rec := &recorder{}
	s := NewChunkStream(bytes.NewReader(payload), rec)

	got, err := io.ReadAll(iotest.OneByteReader(s))

	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, payload, rec.joined(), "every byte observed exactly once")
}
