// Package decode manages one V4L2 stateful decode session: the compressed
// input queue, the decoded output queue behind the source-change handshake,
// buffer recycling under backpressure, and pixel readback. The kernel is
// reached through the narrow Device interface so tests can substitute a
// scripted decoder for the real node.
package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/vabridge/internal/v4l2"
)

// Device is the slice of the kernel interface a decode session needs.
// *v4l2.Device implements it; tests provide a fake.
type Device interface {
	Formats(bufType uint32) ([]uint32, error)
	GetFormat(bufType uint32) (*v4l2.Format, error)
	SetFormat(f *v4l2.Format) error
	RequestBuffers(bufType uint32, count uint32) (uint32, error)
	QueryBuffer(bufType uint32, index uint32, numPlanes int) ([]v4l2.PlaneInfo, error)
	Mmap(offset uint32, length uint32) ([]byte, error)
	Munmap(data []byte) error
	Queue(bufType uint32, index uint32, numPlanes int, bytesUsed uint32) error
	Dequeue(bufType uint32, numPlanes int) (uint32, error)
	StreamOn(bufType uint32) error
	StreamOff(bufType uint32) error
	SubscribeEvent(eventType uint32) error
	DequeueEvent() (uint32, error)
	ExportDMABuf(bufType uint32, index, plane uint32) (int, error)
	CloseExport(fd int) error
	Close() error
}

// Queue geometry and wait bounds. Each wait is a bounded poll; none may
// hold a caller for more than about a second.
const (
	numInputBuffers  = 8
	inputBufferSize  = 4 << 20
	numOutputBuffers = 16
	outputPlanes     = 2

	pollInterval         = 10 * time.Millisecond
	sourceChangeAttempts = 100
	recycleAttempts      = 100
)

// Sentinel errors for the session's non-fatal states.
var (
	// ErrInputBusy means every input buffer stayed owned by the kernel
	// for the whole bounded recycle wait.
	ErrInputBusy = errors.New("decode: input queue busy")
	// ErrNoFrame means no decoded frame was ready on a non-blocking
	// dequeue.
	ErrNoFrame = errors.New("decode: no decoded frame available")
	// ErrTooLarge means an assembled picture exceeds the input buffer.
	ErrTooLarge = errors.New("decode: bitstream exceeds input buffer size")
)

type inputBuffer struct {
	index  uint32
	data   []byte
	queued bool
}

type outputBuffer struct {
	index    uint32
	queued   bool
	planes   [outputPlanes][]byte
	exportFD int
}

// Session is one decode stream. Callers serialise access; the session
// itself holds no lock (the owning context does).
type Session struct {
	log *slog.Logger
	dev Device

	input  []inputBuffer
	output []outputBuffer

	streamingInput  bool
	streamingOutput bool

	width  uint32
	height uint32

	outWidth  uint32
	outHeight uint32
	outFourcc uint32
}

// New configures the input queue for the codec's pixel format and
// subscribes to the decoder's asynchronous events. The output queue is
// deliberately left unconfigured until the source-change handshake.
func New(dev Device, pixelFormat, width, height uint32, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		log:    log.With("component", "decode"),
		dev:    dev,
		width:  width,
		height: height,
	}

	// Event delivery is best-effort on some drivers; the handshake falls
	// back to its timeout when subscription fails.
	if err := dev.SubscribeEvent(v4l2.EventSourceChange); err != nil {
		s.log.Warn("source-change subscription failed", "error", err)
	}
	if err := dev.SubscribeEvent(v4l2.EventEOS); err != nil {
		s.log.Warn("eos subscription failed", "error", err)
	}

	f := &v4l2.Format{Type: v4l2.BufTypeOutputMPlane}
	f.PixMP.Width = width
	f.PixMP.Height = height
	f.PixMP.PixelFormat = pixelFormat
	f.PixMP.NumPlanes = 1
	f.PixMP.PlaneFmt[0].SizeImage = inputBufferSize
	if err := dev.SetFormat(f); err != nil {
		return nil, fmt.Errorf("input format: %w", err)
	}

	count, err := dev.RequestBuffers(v4l2.BufTypeOutputMPlane, numInputBuffers)
	if err != nil {
		return nil, fmt.Errorf("input buffers: %w", err)
	}

	for i := uint32(0); i < count; i++ {
		planes, err := dev.QueryBuffer(v4l2.BufTypeOutputMPlane, i, 1)
		if err != nil {
			s.unmapAll()
			return nil, err
		}
		data, err := dev.Mmap(planes[0].MemOffset, planes[0].Length)
		if err != nil {
			s.unmapAll()
			return nil, err
		}
		s.input = append(s.input, inputBuffer{index: i, data: data})
	}

	s.log.Info("session ready",
		"format", v4l2.FourCCString(pixelFormat),
		"size", fmt.Sprintf("%dx%d", width, height),
		"input_buffers", count,
	)
	return s, nil
}

// reclaimInput drains completed input buffers without blocking.
func (s *Session) reclaimInput() {
	if !s.streamingInput {
		return
	}
	for {
		index, err := s.dev.Dequeue(v4l2.BufTypeOutputMPlane, 1)
		if err != nil {
			if !errors.Is(err, v4l2.ErrAgain) {
				s.log.Warn("input dequeue failed", "error", err)
			}
			return
		}
		if int(index) < len(s.input) {
			s.input[index].queued = false
		}
	}
}

// freeInput returns a buffer not currently owned by the kernel, or nil.
func (s *Session) freeInput() *inputBuffer {
	for i := range s.input {
		if !s.input[i].queued {
			return &s.input[i]
		}
	}
	return nil
}

// Submit copies the assembled bitstream into a free input buffer and
// queues it. The first successful enqueue starts input streaming and runs
// the source-change handshake that brings up the output queue. When all
// input buffers are kernel-owned, Submit blocks in a bounded recycle wait
// before giving up with ErrInputBusy.
func (s *Session) Submit(ctx context.Context, bitstream []byte) error {
	s.reclaimInput()

	buf := s.freeInput()
	if buf == nil && s.streamingInput {
		var err error
		buf, err = s.waitForInput(ctx)
		if err != nil {
			return err
		}
	}
	if buf == nil {
		return ErrInputBusy
	}
	if len(bitstream) > len(buf.data) {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(bitstream))
	}

	copy(buf.data, bitstream)
	if err := s.dev.Queue(v4l2.BufTypeOutputMPlane, buf.index, 1, uint32(len(bitstream))); err != nil {
		return err
	}
	buf.queued = true

	if !s.streamingInput {
		if err := s.startStreams(ctx); err != nil {
			return err
		}
	}
	return nil
}

// waitForInput blocks dequeueing input buffers until one frees up, the
// bounded wait elapses, or ctx is cancelled.
func (s *Session) waitForInput(ctx context.Context) (*inputBuffer, error) {
	for attempt := 0; attempt < recycleAttempts; attempt++ {
		index, err := s.dev.Dequeue(v4l2.BufTypeOutputMPlane, 1)
		if err == nil {
			if int(index) < len(s.input) {
				s.input[index].queued = false
				return &s.input[index], nil
			}
			continue
		}
		if !errors.Is(err, v4l2.ErrAgain) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return nil, ErrInputBusy
}

// startStreams turns on input streaming, waits for the decoder's
// source-change event, and brings up the output queue against the
// negotiated format.
func (s *Session) startStreams(ctx context.Context) error {
	if err := s.dev.StreamOn(v4l2.BufTypeOutputMPlane); err != nil {
		return err
	}
	s.streamingInput = true

	got := false
	for attempt := 0; attempt < sourceChangeAttempts; attempt++ {
		ev, err := s.dev.DequeueEvent()
		if err == nil {
			if ev == v4l2.EventSourceChange {
				got = true
				break
			}
			continue
		}
		if !errors.Is(err, v4l2.ErrAgain) {
			s.log.Warn("event dequeue failed", "error", err)
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if !got {
		s.log.Warn("no source-change event, configuring output queue anyway")
	}

	if err := s.setupOutputQueue(); err != nil {
		return err
	}
	if err := s.dev.StreamOn(v4l2.BufTypeCaptureMPlane); err != nil {
		return err
	}
	s.streamingOutput = true
	return nil
}

// setupOutputQueue queries the decoder-negotiated format (falling back to
// explicit YUV 4:2:0 when the query fails), allocates the output buffers,
// and queues them all.
func (s *Session) setupOutputQueue() error {
	f, err := s.dev.GetFormat(v4l2.BufTypeCaptureMPlane)
	if err != nil {
		f = &v4l2.Format{Type: v4l2.BufTypeCaptureMPlane}
		f.PixMP.Width = s.width
		f.PixMP.Height = s.height
		f.PixMP.PixelFormat = v4l2.PixFmtYUV420
		f.PixMP.NumPlanes = 1
		if err := s.dev.SetFormat(f); err != nil {
			return fmt.Errorf("output format fallback: %w", err)
		}
	}
	s.outWidth = f.PixMP.Width
	s.outHeight = f.PixMP.Height
	s.outFourcc = f.PixMP.PixelFormat
	s.log.Info("output format",
		"format", v4l2.FourCCString(s.outFourcc),
		"size", fmt.Sprintf("%dx%d", s.outWidth, s.outHeight),
	)

	count, err := s.dev.RequestBuffers(v4l2.BufTypeCaptureMPlane, numOutputBuffers)
	if err != nil {
		return fmt.Errorf("output buffers: %w", err)
	}
	s.output = make([]outputBuffer, count)
	for i := uint32(0); i < count; i++ {
		s.output[i] = outputBuffer{index: i, exportFD: -1}
		if err := s.dev.Queue(v4l2.BufTypeCaptureMPlane, i, outputPlanes, 0); err != nil {
			s.log.Warn("output buffer enqueue failed", "index", i, "error", err)
			continue
		}
		s.output[i].queued = true
	}
	return nil
}

// DequeueFrame attempts a non-blocking dequeue of a decoded frame,
// transferring ownership of the returned buffer index to the caller.
func (s *Session) DequeueFrame() (int, error) {
	if !s.streamingOutput {
		return -1, ErrNoFrame
	}
	index, err := s.dev.Dequeue(v4l2.BufTypeCaptureMPlane, outputPlanes)
	if err != nil {
		if errors.Is(err, v4l2.ErrAgain) {
			return -1, ErrNoFrame
		}
		return -1, err
	}
	if int(index) < len(s.output) {
		s.output[index].queued = false
	}
	return int(index), nil
}

// Requeue returns a caller-owned output buffer to the kernel.
func (s *Session) Requeue(index int) error {
	if index < 0 || index >= len(s.output) || s.output[index].queued {
		return nil
	}
	if err := s.dev.Queue(v4l2.BufTypeCaptureMPlane, uint32(index), outputPlanes, 0); err != nil {
		return err
	}
	s.output[index].queued = true
	return nil
}

// OutputSize returns the decoder-negotiated frame size.
func (s *Session) OutputSize() (uint32, uint32) {
	return s.outWidth, s.outHeight
}

// mapOutputPlanes lazily maps both planes of an output buffer, caching
// the mappings on the descriptor.
func (s *Session) mapOutputPlanes(index int) error {
	buf := &s.output[index]
	if buf.planes[0] != nil && buf.planes[1] != nil {
		return nil
	}
	planes, err := s.dev.QueryBuffer(v4l2.BufTypeCaptureMPlane, uint32(index), outputPlanes)
	if err != nil {
		return err
	}
	for p := 0; p < outputPlanes; p++ {
		if buf.planes[p] != nil {
			continue
		}
		data, err := s.dev.Mmap(planes[p].MemOffset, planes[p].Length)
		if err != nil {
			return err
		}
		buf.planes[p] = data
	}
	return nil
}

// Readback copies the Y plane then the UV plane of a decoded buffer
// contiguously into dst, which must hold width*height*3/2 bytes. The
// kernel buffer stays owned by the caller's surface.
func (s *Session) Readback(index int, dst []byte, width, height uint32) error {
	if index < 0 || index >= len(s.output) {
		return fmt.Errorf("decode: output buffer %d out of range", index)
	}
	if err := s.mapOutputPlanes(index); err != nil {
		return err
	}

	ySize := int(width * height)
	uvSize := ySize / 2
	if len(dst) < ySize+uvSize {
		return fmt.Errorf("decode: readback buffer too small: %d < %d", len(dst), ySize+uvSize)
	}

	buf := &s.output[index]
	copy(dst[:ySize], buf.planes[0])
	copy(dst[ySize:ySize+uvSize], buf.planes[1])
	return nil
}

// Export returns a DMABUF file descriptor for plane 0 of the decoded
// buffer, caching it on the descriptor. The session owns the descriptor
// and closes it on teardown.
func (s *Session) Export(index int) (int, error) {
	if index < 0 || index >= len(s.output) {
		return -1, fmt.Errorf("decode: output buffer %d out of range", index)
	}
	buf := &s.output[index]
	if buf.exportFD >= 0 {
		return buf.exportFD, nil
	}
	fd, err := s.dev.ExportDMABuf(v4l2.BufTypeCaptureMPlane, uint32(index), 0)
	if err != nil {
		return -1, err
	}
	buf.exportFD = fd
	return fd, nil
}

func (s *Session) unmapAll() {
	for i := range s.input {
		if s.input[i].data != nil {
			if err := s.dev.Munmap(s.input[i].data); err != nil {
				s.log.Warn("input unmap failed", "index", i, "error", err)
			}
			s.input[i].data = nil
		}
	}
	for i := range s.output {
		for p := range s.output[i].planes {
			if s.output[i].planes[p] != nil {
				if err := s.dev.Munmap(s.output[i].planes[p]); err != nil {
					s.log.Warn("output unmap failed", "index", i, "plane", p, "error", err)
				}
				s.output[i].planes[p] = nil
			}
		}
	}
}

// Close stops both streams, releases every mapping and exported
// descriptor, and closes the device.
func (s *Session) Close() error {
	if s.streamingInput {
		if err := s.dev.StreamOff(v4l2.BufTypeOutputMPlane); err != nil {
			s.log.Warn("input stream off failed", "error", err)
		}
		s.streamingInput = false
	}
	if s.streamingOutput {
		if err := s.dev.StreamOff(v4l2.BufTypeCaptureMPlane); err != nil {
			s.log.Warn("output stream off failed", "error", err)
		}
		s.streamingOutput = false
	}

	s.unmapAll()

	for i := range s.output {
		if s.output[i].exportFD >= 0 {
			if err := s.dev.CloseExport(s.output[i].exportFD); err != nil {
				s.log.Warn("dmabuf close failed", "index", i, "error", err)
			}
			s.output[i].exportFD = -1
		}
	}

	return s.dev.Close()
}
