package va

import (
	"context"
	"sync"
	"time"

	"github.com/zsiec/vabridge/internal/v4l2"
)

// Sync wait bound: 50 polls of 10 ms. On exhaustion the surface is marked
// ready anyway so consumers never hang on a stalled decoder.
const (
	syncAttempts     = 50
	syncPollInterval = 10 * time.Millisecond
)

// Surface is a consumer-visible slot for one decoded frame. It binds to
// at most one kernel output buffer at a time; rebinding requeues the
// previous buffer first. The surface mutex guards only the decode flag
// and ready signal; it is never held across session work.
type Surface struct {
	id     SurfaceID
	width  uint32
	height uint32
	fourcc uint32

	mu      sync.Mutex
	ready   chan struct{}
	decoded bool

	bufferIndex int
	exportFD    int
	noOutput    bool

	// ctx is the owning decode session once the surface is first used as
	// a render target.
	ctx *Context
}

// markDecoded flips the surface to decoded and wakes sync waiters.
func (s *Surface) markDecoded() {
	s.mu.Lock()
	if !s.decoded {
		s.decoded = true
		close(s.ready)
	}
	s.mu.Unlock()
}

// SurfaceAttrib is one surface attribute reported by
// QuerySurfaceAttributes.
type SurfaceAttrib struct {
	Type  SurfaceAttribType
	Value uint32
}

// SurfaceAttribType enumerates surface attributes.
type SurfaceAttribType int32

const (
	SurfaceAttribPixelFormat SurfaceAttribType = 1
	SurfaceAttribMinWidth    SurfaceAttribType = 2
	SurfaceAttribMaxWidth    SurfaceAttribType = 3
	SurfaceAttribMemoryType  SurfaceAttribType = 8
)

// CreateSurfaces allocates render-target surfaces. The format argument
// is accepted for API parity; surfaces are NV12 regardless, matching the
// decoder output.
func (d *Driver) CreateSurfaces(width, height uint32, format uint32, count int) ([]SurfaceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]SurfaceID, 0, count)
	for i := 0; i < count; i++ {
		id := SurfaceID(surfaceIDBase + d.nextSurface)
		d.nextSurface++
		s := &Surface{
			id:          id,
			width:       width,
			height:      height,
			fourcc:      v4l2.PixFmtNV12,
			ready:       make(chan struct{}),
			bufferIndex: -1,
			exportFD:    -1,
		}
		d.surfaces[id] = s
		ids = append(ids, id)
	}

	d.log.Info("surfaces created", "count", count, "size", width, "height", height)
	return ids, nil
}

// CreateSurfaces2 is the attribute-bearing variant. Attributes are
// accepted and ignored; the decoder dictates the pixel layout.
func (d *Driver) CreateSurfaces2(format uint32, width, height uint32, count int, attribs []SurfaceAttrib) ([]SurfaceID, error) {
	return d.CreateSurfaces(width, height, format, count)
}

// DestroySurfaces releases surfaces, returning any held output buffers to
// their sessions first.
func (d *Driver) DestroySurfaces(ids []SurfaceID) error {
	for _, id := range ids {
		d.mu.Lock()
		s, ok := d.surfaces[id]
		if ok {
			delete(d.surfaces, id)
		}
		d.mu.Unlock()
		if !ok {
			continue
		}

		if s.ctx != nil && s.bufferIndex >= 0 {
			s.ctx.mu.Lock()
			if err := s.ctx.session.Requeue(s.bufferIndex); err != nil {
				d.log.Warn("requeue on surface destroy failed", "surface", id, "error", err)
			}
			s.ctx.mu.Unlock()
		}
	}
	return nil
}

// SyncSurface waits for the surface's picture to finish decoding, driving
// the output-queue dequeue inline. The wait is bounded; on exhaustion the
// surface is marked ready anyway — liveness over completeness — so the
// consumer sees stale pixels rather than a hang.
func (d *Driver) SyncSurface(ctx context.Context, id SurfaceID) error {
	s := d.getSurface(id)
	if s == nil {
		return ErrInvalidSurface
	}

	s.mu.Lock()
	if s.ctx == nil {
		s.decoded = true
		s.mu.Unlock()
		return nil
	}
	c := s.ctx
	decoded := s.decoded
	ready := s.ready
	s.mu.Unlock()

	for attempt := 0; attempt < syncAttempts && !decoded; attempt++ {
		c.mu.Lock()
		c.dequeueDecoded()
		c.mu.Unlock()

		s.mu.Lock()
		decoded = s.decoded
		s.mu.Unlock()
		if decoded {
			break
		}

		select {
		case <-ready:
			decoded = true
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(syncPollInterval):
		}
	}

	s.markDecoded()
	return nil
}

// QuerySurfaceStatus reports whether the surface's picture has been
// decoded.
func (d *Driver) QuerySurfaceStatus(id SurfaceID) (SurfaceStatus, error) {
	s := d.getSurface(id)
	if s == nil {
		return 0, ErrInvalidSurface
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decoded {
		return SurfaceReady, nil
	}
	return SurfaceRendering, nil
}

// QuerySurfaceAttributes reports the surface constraints for a config.
func (d *Driver) QuerySurfaceAttributes(id ConfigID) ([]SurfaceAttrib, error) {
	if d.getConfig(id) == nil {
		return nil, ErrInvalidConfig
	}
	return []SurfaceAttrib{
		{Type: SurfaceAttribMemoryType, Value: MemTypeVA | MemTypeDRMPrime},
		{Type: SurfaceAttribPixelFormat, Value: v4l2.PixFmtNV12},
		{Type: SurfaceAttribMinWidth, Value: minSurfaceSize},
		{Type: SurfaceAttribMaxWidth, Value: maxPictureWidth},
	}, nil
}

// ExportSurfaceHandle exports the surface's decoded buffer as a DMABUF
// descriptor: a single linear NV12 object with an R8 luma layer and a
// GR88 chroma layer.
func (d *Driver) ExportSurfaceHandle(id SurfaceID, memType uint32) (*DRMPRIMESurfaceDescriptor, error) {
	s := d.getSurface(id)
	if s == nil {
		return nil, ErrInvalidSurface
	}
	if memType != MemTypeDRMPrime && memType != MemTypeDRMPrime2 {
		return nil, ErrUnsupportedMemoryType
	}
	if s.ctx == nil || s.bufferIndex < 0 {
		return nil, ErrInvalidSurface
	}

	s.ctx.mu.Lock()
	fd, err := s.ctx.session.Export(s.bufferIndex)
	s.ctx.mu.Unlock()
	if err != nil {
		d.log.Warn("dmabuf export failed", "surface", id, "error", err)
		return nil, ErrOperationFailed
	}
	s.exportFD = fd

	return nv12PrimeDescriptor(fd, s.width, s.height), nil
}
