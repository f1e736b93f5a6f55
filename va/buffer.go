package va

import (
	"fmt"

	"github.com/zsiec/vabridge/codec"
)

// Buffer is a typed consumer buffer. Picture parameters, slice
// parameters, and slice data feed RenderPicture; image buffers carry
// readback pixels. An image buffer has two owners — the consumer handle
// and an active mapping — and is freed only when both are released.
type Buffer struct {
	id          BufferID
	btype       BufferType
	numElements int

	payload     any
	sliceParams []codec.SliceParameter
	bytes       []byte

	// Image-buffer state.
	width     uint32
	height    uint32
	surfaceID SurfaceID // derive source, 0 when not derived
	mapped    bool
	destroyed bool
}

// CreateBuffer registers a typed buffer for use with RenderPicture.
// Accepted payloads: *codec.PictureParametersH264 or
// *codec.PictureParametersHEVC for picture parameters,
// []codec.SliceParameter for slice parameters, []byte for slice data and
// IQ matrices.
func (d *Driver) CreateBuffer(ctxID ContextID, btype BufferType, data any) (BufferID, error) {
	if d.getContext(ctxID) == nil {
		return 0, ErrInvalidContext
	}

	buf := &Buffer{btype: btype, numElements: 1}
	switch btype {
	case PictureParameterBufferType:
		buf.payload = data
	case SliceParameterBufferType:
		switch v := data.(type) {
		case []codec.SliceParameter:
			buf.sliceParams = v
			buf.numElements = len(v)
		case codec.SliceParameter:
			buf.sliceParams = []codec.SliceParameter{v}
		default:
			return 0, fmt.Errorf("%w: slice parameters are %T", ErrInvalidBuffer, data)
		}
	case SliceDataBufferType, IQMatrixBufferType, ImageBufferType:
		raw, ok := data.([]byte)
		if !ok {
			return 0, fmt.Errorf("%w: %v payload is %T", ErrInvalidBuffer, btype, data)
		}
		buf.bytes = append([]byte(nil), raw...)
	default:
		return 0, ErrUnsupportedBufferType
	}

	d.mu.Lock()
	id := BufferID(bufferIDBase + d.nextBuffer)
	d.nextBuffer++
	buf.id = id
	d.buffers[id] = buf
	d.mu.Unlock()

	return id, nil
}

// BufferSetNumElements adjusts the live element count of a slice
// parameter buffer.
func (d *Driver) BufferSetNumElements(id BufferID, numElements int) error {
	buf := d.getBuffer(id)
	if buf == nil {
		return ErrInvalidBuffer
	}
	if buf.btype == SliceParameterBufferType && numElements <= len(buf.sliceParams) {
		buf.sliceParams = buf.sliceParams[:numElements]
	}
	buf.numElements = numElements
	return nil
}

// BufferInfo reports a buffer's type, size, and element count. The size
// is the byte length of the payload, or the number of entries for a
// slice-parameter buffer.
func (d *Driver) BufferInfo(id BufferID) (BufferType, int, int, error) {
	buf := d.getBuffer(id)
	if buf == nil {
		return 0, 0, 0, ErrInvalidBuffer
	}
	size := len(buf.bytes)
	if buf.btype == SliceParameterBufferType {
		size = len(buf.sliceParams)
	}
	return buf.btype, size, buf.numElements, nil
}

// MapBuffer exposes a buffer's contents. Mapping a derived image buffer
// reads the bound output buffer's planes back into process memory; the
// kernel buffer stays held until UnmapBuffer.
func (d *Driver) MapBuffer(id BufferID) (any, error) {
	buf := d.getBuffer(id)
	if buf == nil {
		return nil, ErrInvalidBuffer
	}

	if buf.btype == ImageBufferType && buf.bytes == nil && buf.surfaceID != 0 {
		s := d.getSurface(buf.surfaceID)
		if s == nil || s.ctx == nil || s.bufferIndex < 0 {
			return nil, ErrInvalidBuffer
		}

		data := make([]byte, buf.width*buf.height*3/2)
		s.ctx.mu.Lock()
		err := s.ctx.session.Readback(s.bufferIndex, data, buf.width, buf.height)
		s.ctx.mu.Unlock()
		if err != nil {
			d.log.Warn("derived image readback failed", "buffer", id, "error", err)
			return nil, ErrOperationFailed
		}
		buf.bytes = data
		buf.mapped = true
	}

	switch buf.btype {
	case SliceDataBufferType, IQMatrixBufferType, ImageBufferType:
		return buf.bytes, nil
	case SliceParameterBufferType:
		return buf.sliceParams, nil
	default:
		return buf.payload, nil
	}
}

// UnmapBuffer releases a mapping. For a derived image buffer this
// requeues the underlying output buffer and drops the pixel copy; if the
// consumer handle was already destroyed, the buffer is freed now.
func (d *Driver) UnmapBuffer(id BufferID) error {
	buf := d.getBuffer(id)
	if buf == nil {
		return ErrInvalidBuffer
	}

	if buf.btype == ImageBufferType && buf.surfaceID != 0 && buf.mapped {
		if s := d.getSurface(buf.surfaceID); s != nil && s.ctx != nil && s.bufferIndex >= 0 {
			s.ctx.mu.Lock()
			if err := s.ctx.session.Requeue(s.bufferIndex); err != nil {
				d.log.Warn("requeue on unmap failed", "surface", buf.surfaceID, "error", err)
			}
			s.ctx.mu.Unlock()
			s.bufferIndex = -1
		}
		buf.bytes = nil
		buf.mapped = false

		if buf.destroyed {
			d.mu.Lock()
			delete(d.buffers, id)
			d.mu.Unlock()
		}
	}
	return nil
}

// DestroyBuffer releases the consumer handle. An image buffer with a live
// mapping defers its free to the unmap.
func (d *Driver) DestroyBuffer(id BufferID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf, ok := d.buffers[id]
	if !ok {
		return nil
	}
	if buf.btype == ImageBufferType && buf.mapped {
		buf.destroyed = true
		d.log.Debug("buffer still mapped, deferring free", "buffer", id)
		return nil
	}
	delete(d.buffers, id)
	return nil
}
