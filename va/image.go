package va

import "github.com/zsiec/vabridge/internal/v4l2"

// ImageFormat describes a pixel layout advertised for readback.
type ImageFormat struct {
	FourCC       uint32
	BitsPerPixel int
}

// Image describes a consumer-visible pixel buffer: NV12, two planes, luma
// stride equal to the width.
type Image struct {
	ID        ImageID
	Format    ImageFormat
	Width     uint32
	Height    uint32
	NumPlanes int
	Pitches   [3]uint32
	Offsets   [3]uint32
	DataSize  uint32
	Buf       BufferID
}

// QueryImageFormats lists the pixel formats GetImage can produce. The
// decoder output is NV12; no conversion is performed.
func (d *Driver) QueryImageFormats() []ImageFormat {
	return []ImageFormat{{FourCC: v4l2.PixFmtNV12, BitsPerPixel: 12}}
}

func nv12Image(id BufferID, width, height uint32) *Image {
	return &Image{
		ID:        id,
		Format:    ImageFormat{FourCC: v4l2.PixFmtNV12, BitsPerPixel: 12},
		Width:     width,
		Height:    height,
		NumPlanes: 2,
		Pitches:   [3]uint32{width, width, 0},
		Offsets:   [3]uint32{0, width * height, 0},
		DataSize:  width * height * 3 / 2,
		Buf:       id,
	}
}

// CreateImage allocates an NV12 image and its backing buffer. The image
// and buffer share one handle.
func (d *Driver) CreateImage(format ImageFormat, width, height uint32) (*Image, error) {
	if format.FourCC != v4l2.PixFmtNV12 {
		return nil, ErrOperationFailed
	}

	buf := &Buffer{
		btype:       ImageBufferType,
		numElements: 1,
		width:       width,
		height:      height,
		bytes:       make([]byte, width*height*3/2),
	}

	d.mu.Lock()
	id := BufferID(bufferIDBase + d.nextBuffer)
	d.nextBuffer++
	buf.id = id
	d.buffers[id] = buf
	d.mu.Unlock()

	d.log.Debug("image created", "image", id, "size", width, "height", height)
	return nv12Image(id, width, height), nil
}

// DeriveImage wraps a surface's decoded buffer in an image without
// copying. The pixels materialise on MapBuffer; UnmapBuffer returns the
// kernel buffer.
func (d *Driver) DeriveImage(surfaceID SurfaceID) (*Image, error) {
	s := d.getSurface(surfaceID)
	if s == nil {
		return nil, ErrInvalidSurface
	}
	if s.ctx == nil {
		return nil, ErrInvalidSurface
	}
	if s.bufferIndex < 0 {
		return nil, ErrSurfaceBusy
	}

	buf := &Buffer{
		btype:       ImageBufferType,
		numElements: 1,
		width:       s.width,
		height:      s.height,
		surfaceID:   surfaceID,
	}

	d.mu.Lock()
	id := BufferID(bufferIDBase + d.nextBuffer)
	d.nextBuffer++
	buf.id = id
	d.buffers[id] = buf
	d.mu.Unlock()

	return nv12Image(id, s.width, s.height), nil
}

// DestroyImage releases the image's consumer handle; the backing buffer
// follows the deferred-free rule if it is still mapped.
func (d *Driver) DestroyImage(id ImageID) error {
	return d.DestroyBuffer(id)
}

// GetImage copies a decoded surface's pixels into an image buffer: the
// full Y plane followed by the interleaved UV plane.
func (d *Driver) GetImage(surfaceID SurfaceID, imageID ImageID) error {
	s := d.getSurface(surfaceID)
	if s == nil {
		return ErrInvalidSurface
	}
	buf := d.getBuffer(imageID)
	if buf == nil || buf.btype != ImageBufferType {
		return ErrInvalidImage
	}

	s.mu.Lock()
	decoded := s.decoded
	s.mu.Unlock()
	if !decoded || s.ctx == nil {
		return ErrSurfaceBusy
	}
	if s.bufferIndex < 0 {
		return ErrInvalidSurface
	}

	width, height := buf.width, buf.height
	if width == 0 || height == 0 {
		width, height = s.width, s.height
	}

	s.ctx.mu.Lock()
	err := s.ctx.session.Readback(s.bufferIndex, buf.bytes, width, height)
	s.ctx.mu.Unlock()
	if err != nil {
		d.log.Warn("readback failed", "surface", surfaceID, "error", err)
		return ErrOperationFailed
	}
	return nil
}
