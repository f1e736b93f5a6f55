package va

import (
	"context"
	"errors"
	"sync"

	"github.com/zsiec/vabridge/codec"
	"github.com/zsiec/vabridge/internal/decode"
)

// Context is one decode session: a codec variant, a kernel session, and
// the per-picture assembly state. All operations serialise on the context
// mutex, which is never held across a surface wait.
type Context struct {
	id  ContextID
	drv *Driver

	mu      sync.Mutex
	codec   codec.Codec
	session *decode.Session

	width  uint32
	height uint32

	bitstream    codec.Bitstream
	sliceParams  []codec.SliceParameter
	renderTarget *Surface
}

// CreateContext opens a decoder device and brings up the input queue for
// the config's codec. The output queue stays down until the first
// picture's source-change handshake.
func (d *Driver) CreateContext(configID ConfigID, width, height uint32, renderTargets []SurfaceID) (ContextID, error) {
	cfg := d.getConfig(configID)
	if cfg == nil {
		return 0, ErrInvalidConfig
	}

	dec := cfg.newCodec()
	dev, err := d.openDevice(d.log)
	if err != nil {
		d.log.Warn("device open failed", "error", err)
		return 0, ErrOperationFailed
	}

	session, err := decode.New(dev, dec.PixelFormat(), width, height, d.log)
	if err != nil {
		dev.Close()
		d.log.Warn("session setup failed", "error", err)
		return 0, ErrOperationFailed
	}

	d.mu.Lock()
	id := ContextID(contextIDBase + d.nextContext)
	d.nextContext++
	c := &Context{
		id:      id,
		drv:     d,
		codec:   dec,
		session: session,
		width:   width,
		height:  height,
	}
	d.contexts[id] = c
	d.mu.Unlock()

	d.log.Info("context created",
		"context", id, "codec", dec.Name(), "size", width, "height", height)
	return id, nil
}

// DestroyContext stops both kernel streams and releases the session.
// Surfaces bound to this context are detached; their held buffers were
// released by the stream stop.
func (d *Driver) DestroyContext(id ContextID) error {
	d.mu.Lock()
	c, ok := d.contexts[id]
	if ok {
		delete(d.contexts, id)
	}
	surfaces := make([]*Surface, 0, len(d.surfaces))
	for _, s := range d.surfaces {
		surfaces = append(surfaces, s)
	}
	d.mu.Unlock()
	if !ok {
		return ErrInvalidContext
	}

	c.mu.Lock()
	err := c.session.Close()
	c.mu.Unlock()
	if err != nil {
		d.log.Warn("session close failed", "context", id, "error", err)
	}

	for _, s := range surfaces {
		if s.ctx == c {
			s.ctx = nil
			s.bufferIndex = -1
		}
	}
	return nil
}

// BeginPicture starts a picture targeting the given surface. A surface
// re-used as a render target returns its previously bound output buffer
// to the kernel before any new slice data is accepted.
func (d *Driver) BeginPicture(ctxID ContextID, surfaceID SurfaceID) error {
	c := d.getContext(ctxID)
	if c == nil {
		return ErrInvalidContext
	}
	s := d.getSurface(surfaceID)
	if s == nil {
		return ErrInvalidSurface
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s.ctx != nil && s.bufferIndex >= 0 {
		if err := s.ctx.session.Requeue(s.bufferIndex); err != nil {
			d.log.Warn("requeue on surface reuse failed", "surface", surfaceID, "error", err)
		}
	}
	s.bufferIndex = -1

	c.bitstream.Reset()
	c.renderTarget = s
	c.sliceParams = nil

	s.mu.Lock()
	s.ctx = c
	s.decoded = false
	s.noOutput = false
	s.ready = make(chan struct{})
	s.mu.Unlock()

	return nil
}

// RenderPicture feeds the picture's buffers to the codec: picture
// parameters refresh the header cache, slice parameters are latched, and
// slice data drives Annex-B assembly.
func (d *Driver) RenderPicture(ctxID ContextID, buffers []BufferID) error {
	c := d.getContext(ctxID)
	if c == nil {
		return ErrInvalidContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range buffers {
		buf := d.getBuffer(id)
		if buf == nil {
			d.log.Warn("unknown buffer in render", "buffer", id)
			continue
		}

		switch buf.btype {
		case SliceDataBufferType:
			c.codec.HandleSliceData(&c.bitstream, c.sliceParams, buf.bytes)
		case SliceParameterBufferType:
			c.sliceParams = buf.sliceParams
		case PictureParameterBufferType:
			if handler, ok := c.codec.(codec.PictureParameterHandler); ok {
				if err := handler.HandlePictureParams(buf.payload); err != nil {
					d.log.Warn("picture parameters rejected", "error", err)
					return ErrInvalidBuffer
				}
			}
		case IQMatrixBufferType:
			// The stateful decoder derives quantisation internally.
		default:
			d.log.Warn("unhandled buffer type", "type", buf.btype)
		}
	}
	return nil
}

// EndPicture submits the assembled bitstream to the kernel and attempts a
// non-blocking dequeue of a decoded frame onto the render target. The
// enqueue may block in the bounded recycle wait; ctx cancels it.
func (d *Driver) EndPicture(ctx context.Context, ctxID ContextID) error {
	c := d.getContext(ctxID)
	if c == nil {
		return ErrInvalidContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.codec.PrepareBitstream(&c.bitstream)

	if c.bitstream.Len() > 0 {
		if err := c.session.Submit(ctx, c.bitstream.Bytes()); err != nil {
			d.log.Warn("bitstream submit failed", "context", ctxID, "error", err)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return ErrOperationFailed
		}
	}

	c.dequeueDecoded()
	return nil
}

// dequeueDecoded performs one non-blocking output dequeue and binds the
// frame to the current render target. Caller holds the context mutex.
func (c *Context) dequeueDecoded() {
	s := c.renderTarget
	if s == nil {
		return
	}
	index, err := c.session.DequeueFrame()
	if err != nil {
		return
	}
	s.bufferIndex = index
	s.markDecoded()
}
