package decode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/vabridge/internal/v4l2"
)

func newTestSession(t *testing.T, dev *FakeDevice) *Session {
	t.Helper()
	s, err := New(dev, v4l2.PixFmtH264, 640, 368, nil)
	require.NoError(t, err)
	return s
}

func TestSessionLifecycleLeaksNothing(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()

	s := newTestSession(t, dev)
	require.Equal(t, numInputBuffers, dev.MappedCount(), "all input buffers mapped")

	// Destroy without submitting a single picture.
	require.NoError(t, s.Close())
	assert.Equal(t, 0, dev.MappedCount(), "mappings released")
	assert.Equal(t, 0, dev.OpenExportCount(), "no stray descriptors")
	assert.True(t, dev.Closed(), "device closed")
}

func TestSessionFirstSubmitHandshake(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()
	s := newTestSession(t, dev)
	defer s.Close()

	payload := []byte{0x00, 0x00, 0x01, 0x65, 0xAA}
	require.NoError(t, s.Submit(context.Background(), payload))

	assert.True(t, s.streamingInput, "input streaming after first submit")
	assert.True(t, s.streamingOutput, "output streaming after handshake")

	w, h := s.OutputSize()
	assert.Equal(t, uint32(640), w)
	assert.Equal(t, uint32(368), h)
	assert.Equal(t, v4l2.PixFmtNV12, s.outFourcc)

	assert.Equal(t, payload, dev.InputPayload(0)[:len(payload)], "bitstream copied into kernel buffer")

	index, err := s.DequeueFrame()
	require.NoError(t, err)
	assert.False(t, s.output[index].queued, "dequeued buffer owned by caller")

	dst := make([]byte, 640*368*3/2)
	require.NoError(t, s.Readback(index, dst, 640, 368))
	assert.EqualValues(t, 1, dst[0], "first decoded frame carries sequence 1")
}

func TestSessionOutputFormatFallback(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()
	dev.FailGetFormat = true
	s := newTestSession(t, dev)
	defer s.Close()

	require.NoError(t, s.Submit(context.Background(), []byte{0x01}))

	w, h := s.OutputSize()
	assert.Equal(t, uint32(640), w)
	assert.Equal(t, uint32(368), h)
	assert.Equal(t, v4l2.PixFmtYUV420, s.outFourcc, "explicit YUV 4:2:0 fallback")
}

func TestSessionBackpressureRecycle(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()
	dev.AutoComplete = false
	s := newTestSession(t, dev)
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < numInputBuffers; i++ {
		require.NoError(t, s.Submit(ctx, []byte{byte(i)}), "submit %d", i)
	}

	// All eight buffers are kernel-owned; free one from the side after a
	// delay and check the ninth submit rides the recycle path.
	go func() {
		time.Sleep(50 * time.Millisecond)
		dev.ReleaseInputs(1)
	}()

	start := time.Now()
	require.NoError(t, s.Submit(ctx, []byte{0xFF}))
	elapsed := time.Since(start)
	assert.Greater(t, elapsed, 20*time.Millisecond, "ninth submit should have blocked")
	assert.Less(t, elapsed, time.Second, "recycle wait is bounded")
}

func TestSessionInputBusyAfterBoundedWait(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()
	dev.AutoComplete = false
	s := newTestSession(t, dev)
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < numInputBuffers; i++ {
		require.NoError(t, s.Submit(ctx, []byte{byte(i)}))
	}

	start := time.Now()
	err := s.Submit(ctx, []byte{0xFF})
	require.ErrorIs(t, err, ErrInputBusy)
	assert.Less(t, time.Since(start), 1500*time.Millisecond, "bounded wait")
}

func TestSessionSubmitCancellation(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()
	dev.AutoComplete = false
	s := newTestSession(t, dev)
	defer s.Close()

	for i := 0; i < numInputBuffers; i++ {
		require.NoError(t, s.Submit(context.Background(), []byte{byte(i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Submit(ctx, []byte{0xFF})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "cancellation cuts the wait short")
}

func TestSessionRequeueOwnership(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()
	s := newTestSession(t, dev)
	defer s.Close()

	require.NoError(t, s.Submit(context.Background(), []byte{0x65}))

	index, err := s.DequeueFrame()
	require.NoError(t, err)
	require.False(t, s.output[index].queued)

	require.NoError(t, s.Requeue(index))
	assert.True(t, s.output[index].queued)

	// Requeueing a kernel-owned buffer is a no-op.
	require.NoError(t, s.Requeue(index))

	_, err = s.DequeueFrame()
	if err != nil {
		require.ErrorIs(t, err, ErrNoFrame)
	}
}

func TestSessionDequeueBeforeStreaming(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()
	s := newTestSession(t, dev)
	defer s.Close()

	_, err := s.DequeueFrame()
	require.ErrorIs(t, err, ErrNoFrame)
}

func TestSessionReadbackBufferTooSmall(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()
	s := newTestSession(t, dev)
	defer s.Close()

	require.NoError(t, s.Submit(context.Background(), []byte{0x65}))
	index, err := s.DequeueFrame()
	require.NoError(t, err)

	err = s.Readback(index, make([]byte, 16), 640, 368)
	require.Error(t, err)
}

func TestSessionExportCachedAndReleased(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()
	s := newTestSession(t, dev)

	require.NoError(t, s.Submit(context.Background(), []byte{0x65}))
	index, err := s.DequeueFrame()
	require.NoError(t, err)

	fd1, err := s.Export(index)
	require.NoError(t, err)
	fd2, err := s.Export(index)
	require.NoError(t, err)
	assert.Equal(t, fd1, fd2, "descriptor cached per buffer")
	assert.Equal(t, 1, dev.OpenExportCount())

	require.NoError(t, s.Close())
	assert.Equal(t, 0, dev.OpenExportCount(), "descriptors closed on teardown")
}

func TestSessionBitstreamTooLarge(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()
	s := newTestSession(t, dev)
	defer s.Close()

	err := s.Submit(context.Background(), make([]byte, inputBufferSize+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestSessionDecodeOrder(t *testing.T) {
	t.Parallel()
	dev := NewFakeDevice()
	s := newTestSession(t, dev)
	defer s.Close()

	ctx := context.Background()
	dst := make([]byte, 640*368*3/2)

	var sequences []byte
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Submit(ctx, []byte{byte(0x65), byte(i)}))
		index, err := s.DequeueFrame()
		require.NoError(t, err)
		require.NoError(t, s.Readback(index, dst, 640, 368))
		sequences = append(sequences, dst[0])
		require.NoError(t, s.Requeue(index))
	}

	for i := 1; i < len(sequences); i++ {
		assert.Greater(t, sequences[i], sequences[i-1], "frames arrive in decode order")
	}
}
