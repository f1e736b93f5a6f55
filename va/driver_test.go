package va

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/vabridge/codec"
	"github.com/zsiec/vabridge/internal/decode"
	"github.com/zsiec/vabridge/internal/v4l2"
)

// fakeOpener hands out a fresh scripted decoder per open, mirroring how
// each context opens its own device node.
type fakeOpener struct {
	configure func(*decode.FakeDevice)
	devices   []*decode.FakeDevice
}

func (f *fakeOpener) open(log *slog.Logger) (decode.Device, error) {
	dev := decode.NewFakeDevice()
	if f.configure != nil {
		f.configure(dev)
	}
	f.devices = append(f.devices, dev)
	return dev, nil
}

// last returns the most recently opened device — the one backing the
// newest context.
func (f *fakeOpener) last() *decode.FakeDevice {
	return f.devices[len(f.devices)-1]
}

func newTestDriver(t *testing.T, configure func(*decode.FakeDevice)) (*Driver, *fakeOpener) {
	t.Helper()
	opener := &fakeOpener{configure: configure}
	d, err := New(Options{OpenDevice: opener.open})
	require.NoError(t, err)
	return d, opener
}

// h264Setup creates config, context, and surfaces for the 640x368
// baseline stream.
func h264Setup(t *testing.T, d *Driver, numSurfaces int) (ContextID, []SurfaceID) {
	t.Helper()
	cfg, err := d.CreateConfig(ProfileH264ConstrainedBaseline, EntrypointVLD)
	require.NoError(t, err)
	surfaces, err := d.CreateSurfaces(640, 368, RTFormatYUV420, numSurfaces)
	require.NoError(t, err)
	ctx, err := d.CreateContext(cfg, 640, 368, surfaces)
	require.NoError(t, err)
	return ctx, surfaces
}

func h264PicParams() *codec.PictureParametersH264 {
	return &codec.PictureParametersH264{
		PictureWidthInMBsMinus1:     39,
		PictureHeightInMBsMinus1:    22,
		NumRefFrames:                1,
		ChromaFormatIDC:             1,
		FrameMBsOnly:                true,
		Direct8x8Inference:          true,
		Log2MaxPicOrderCntLsbMinus4: 2,
	}
}

// submitIDR runs one full Begin/Render/End cycle with an IDR slice.
func submitIDR(t *testing.T, d *Driver, ctx ContextID, surface SurfaceID, marker byte) {
	t.Helper()
	idr := []byte{0x65, 0x88, marker}

	require.NoError(t, d.BeginPicture(ctx, surface))

	picBuf, err := d.CreateBuffer(ctx, PictureParameterBufferType, h264PicParams())
	require.NoError(t, err)
	spBuf, err := d.CreateBuffer(ctx, SliceParameterBufferType,
		[]codec.SliceParameter{{DataSize: uint32(len(idr))}})
	require.NoError(t, err)
	dataBuf, err := d.CreateBuffer(ctx, SliceDataBufferType, idr)
	require.NoError(t, err)

	require.NoError(t, d.RenderPicture(ctx, []BufferID{picBuf, spBuf, dataBuf}))
	require.NoError(t, d.EndPicture(context.Background(), ctx))

	for _, id := range []BufferID{picBuf, spBuf, dataBuf} {
		require.NoError(t, d.DestroyBuffer(id))
	}
}

func TestDriverProbeProfiles(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)

	profiles := d.QueryConfigProfiles()
	assert.Contains(t, profiles, ProfileH264High)
	assert.Contains(t, profiles, ProfileHEVCMain10)
	assert.Contains(t, profiles, ProfileVP9Profile2)
	assert.Contains(t, profiles, ProfileVP8Version03)
	assert.NotContains(t, profiles, ProfileAV1Profile0, "fake enumerates no AV1")
}

func TestDriverConfigValidation(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)

	_, err := d.CreateConfig(Profile(99), EntrypointVLD)
	require.ErrorIs(t, err, ErrUnsupportedProfile)

	_, err = d.CreateConfig(ProfileH264Main, Entrypoint(7))
	require.ErrorIs(t, err, ErrUnsupportedEntrypoint)

	eps, err := d.QueryConfigEntrypoints(ProfileHEVCMain)
	require.NoError(t, err)
	assert.Equal(t, []Entrypoint{EntrypointVLD}, eps)

	cfg, err := d.CreateConfig(ProfileH264Main, EntrypointVLD)
	require.NoError(t, err)
	profile, ep, err := d.QueryConfigAttributes(cfg)
	require.NoError(t, err)
	assert.Equal(t, ProfileH264Main, profile)
	assert.Equal(t, EntrypointVLD, ep)

	require.NoError(t, d.DestroyConfig(cfg))
	require.ErrorIs(t, d.DestroyConfig(cfg), ErrInvalidConfig)
}

func TestGetConfigAttributes(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)

	attribs := []ConfigAttrib{
		{Type: ConfigAttribRTFormat},
		{Type: ConfigAttribMaxPictureWidth},
		{Type: ConfigAttribType(55)},
	}
	require.NoError(t, d.GetConfigAttributes(ProfileHEVCMain10, EntrypointVLD, attribs))
	assert.Equal(t, RTFormatYUV420|RTFormatYUV42010, attribs[0].Value, "Main10 adds 10-bit")
	assert.EqualValues(t, 4096, attribs[1].Value)
	assert.Equal(t, AttribNotSupported, attribs[2].Value)

	require.NoError(t, d.GetConfigAttributes(ProfileH264Main, EntrypointVLD, attribs[:1]))
	assert.Equal(t, RTFormatYUV420, attribs[0].Value)
}

func TestDecodeHelloWorld(t *testing.T) {
	t.Parallel()
	d, opener := newTestDriver(t, nil)
	ctx, surfaces := h264Setup(t, d, 1)
	dev := opener.last()

	submitIDR(t, d, ctx, surfaces[0], 0x01)

	// The kernel saw start-code-framed SPS, PPS, then the IDR slice —
	// byte-identical to what the codec assembles on its own.
	ref := codec.NewH264()
	require.NoError(t, ref.HandlePictureParams(h264PicParams()))
	var want codec.Bitstream
	ref.HandleSliceData(&want, []codec.SliceParameter{{DataSize: 3}}, []byte{0x65, 0x88, 0x01})

	got := dev.InputPayload(0)[:want.Len()]
	assert.Equal(t, want.Bytes(), got, "assembled bitstream submitted verbatim")

	require.NoError(t, d.SyncSurface(context.Background(), surfaces[0]))
	status, err := d.QuerySurfaceStatus(surfaces[0])
	require.NoError(t, err)
	assert.Equal(t, SurfaceReady, status)

	require.NoError(t, d.DestroyContext(ctx))
	assert.True(t, dev.Closed())
	assert.Equal(t, 0, dev.MappedCount(), "no leaked mappings")
}

func TestContextLifecycleLeaksNothing(t *testing.T) {
	t.Parallel()
	d, opener := newTestDriver(t, nil)
	ctx, _ := h264Setup(t, d, 1)
	dev := opener.last()

	// Destroy without a single picture.
	require.NoError(t, d.DestroyContext(ctx))
	require.ErrorIs(t, d.DestroyContext(ctx), ErrInvalidContext)
	assert.True(t, dev.Closed())
	assert.Equal(t, 0, dev.MappedCount())
	assert.Equal(t, 0, dev.OpenExportCount())
}

func TestSyncSurfaceBounded(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, func(dev *decode.FakeDevice) {
		dev.AutoComplete = false // decoder never produces a frame
	})
	ctx, surfaces := h264Setup(t, d, 1)

	submitIDR(t, d, ctx, surfaces[0], 0x01)

	start := time.Now()
	require.NoError(t, d.SyncSurface(context.Background(), surfaces[0]))
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 600*time.Millisecond, "sync must stay within its bound")

	// Liveness over completeness: the surface reports ready regardless.
	status, err := d.QuerySurfaceStatus(surfaces[0])
	require.NoError(t, err)
	assert.Equal(t, SurfaceReady, status)
}

func TestSyncSurfaceWithoutSession(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)
	surfaces, err := d.CreateSurfaces(640, 368, RTFormatYUV420, 1)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, d.SyncSurface(context.Background(), surfaces[0]))
	assert.Less(t, time.Since(start), 600*time.Millisecond)

	status, err := d.QuerySurfaceStatus(surfaces[0])
	require.NoError(t, err)
	assert.Equal(t, SurfaceReady, status)
}

func TestSurfaceReuseRequeuesBuffer(t *testing.T) {
	t.Parallel()
	d, opener := newTestDriver(t, nil)
	ctx, surfaces := h264Setup(t, d, 1)
	dev := opener.last()
	s := surfaces[0]

	submitIDR(t, d, ctx, s, 0x01)
	require.NoError(t, d.SyncSurface(context.Background(), s))

	surf := d.getSurface(s)
	require.GreaterOrEqual(t, surf.bufferIndex, 0, "surface holds a decoded buffer")
	held := dev.QueuedOutputCount()

	// Re-using the surface as a render target must hand the buffer back
	// to the kernel before new slice data is accepted.
	require.NoError(t, d.BeginPicture(ctx, s))
	assert.Equal(t, held+1, dev.QueuedOutputCount(), "held buffer requeued on reuse")
	assert.Equal(t, -1, surf.bufferIndex)
}

func TestDecodeOrderAcrossRecycle(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)
	ctx, surfaces := h264Setup(t, d, 4)

	// 20 pictures over 4 surfaces: more than both queue depths, so input
	// recycling and output requeue are both exercised.
	img, err := d.CreateImage(ImageFormat{FourCC: v4l2.PixFmtNV12, BitsPerPixel: 12}, 640, 368)
	require.NoError(t, err)

	var lastSeq byte
	for i := 0; i < 20; i++ {
		s := surfaces[i%len(surfaces)]
		submitIDR(t, d, ctx, s, byte(i))
		require.NoError(t, d.SyncSurface(context.Background(), s))

		status, err := d.QuerySurfaceStatus(s)
		require.NoError(t, err)
		require.Equal(t, SurfaceReady, status, "picture %d", i)

		require.NoError(t, d.GetImage(s, img.ID))
		data, err := d.MapBuffer(img.Buf)
		require.NoError(t, err)
		seq := data.([]byte)[0]
		assert.Greater(t, seq, lastSeq, "output order is decode order")
		lastSeq = seq
	}

	require.NoError(t, d.DestroyImage(img.ID))
}

func TestGetImageValidation(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)
	ctx, surfaces := h264Setup(t, d, 1)

	img, err := d.CreateImage(ImageFormat{FourCC: v4l2.PixFmtNV12, BitsPerPixel: 12}, 640, 368)
	require.NoError(t, err)

	// Undecoded surface: busy.
	require.NoError(t, d.BeginPicture(ctx, surfaces[0]))
	err = d.GetImage(surfaces[0], img.ID)
	require.ErrorIs(t, err, ErrSurfaceBusy)

	require.ErrorIs(t, d.GetImage(SurfaceID(0xDEAD), img.ID), ErrInvalidSurface)
	require.ErrorIs(t, d.GetImage(surfaces[0], ImageID(0xDEAD)), ErrInvalidImage)
}

func TestDeriveImageDeferredDestroy(t *testing.T) {
	t.Parallel()
	d, opener := newTestDriver(t, nil)
	ctx, surfaces := h264Setup(t, d, 1)
	dev := opener.last()

	submitIDR(t, d, ctx, surfaces[0], 0x01)
	require.NoError(t, d.SyncSurface(context.Background(), surfaces[0]))

	img, err := d.DeriveImage(surfaces[0])
	require.NoError(t, err)
	assert.Equal(t, 2, img.NumPlanes)
	assert.EqualValues(t, 640*368, img.Offsets[1])

	data, err := d.MapBuffer(img.Buf)
	require.NoError(t, err)
	pixels := data.([]byte)
	require.Len(t, pixels, 640*368*3/2)
	assert.EqualValues(t, 1, pixels[0], "sequence stamp visible through derive path")

	// Destroy while mapped: the handle lingers until unmap.
	require.NoError(t, d.DestroyBuffer(img.Buf))
	_, _, _, err = d.BufferInfo(img.Buf)
	require.NoError(t, err, "buffer deferred, still alive")

	held := dev.QueuedOutputCount()
	require.NoError(t, d.UnmapBuffer(img.Buf))
	assert.Equal(t, held+1, dev.QueuedOutputCount(), "unmap returns the kernel buffer")

	_, _, _, err = d.BufferInfo(img.Buf)
	require.ErrorIs(t, err, ErrInvalidBuffer, "freed after unmap")
}

func TestDeriveImageRequiresDecodedSurface(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)
	ctx, surfaces := h264Setup(t, d, 1)

	_, err := d.DeriveImage(surfaces[0])
	require.ErrorIs(t, err, ErrInvalidSurface, "no session bound yet")

	require.NoError(t, d.BeginPicture(ctx, surfaces[0]))
	_, err = d.DeriveImage(surfaces[0])
	require.ErrorIs(t, err, ErrSurfaceBusy, "bound but not decoded")
}

func TestExportSurfaceHandle(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)
	ctx, surfaces := h264Setup(t, d, 1)

	submitIDR(t, d, ctx, surfaces[0], 0x01)
	require.NoError(t, d.SyncSurface(context.Background(), surfaces[0]))

	_, err := d.ExportSurfaceHandle(surfaces[0], MemTypeVA)
	require.ErrorIs(t, err, ErrUnsupportedMemoryType)

	desc, err := d.ExportSurfaceHandle(surfaces[0], MemTypeDRMPrime)
	require.NoError(t, err)

	require.Len(t, desc.Objects, 1)
	assert.EqualValues(t, 640*368*3/2, desc.Objects[0].Size)
	assert.Equal(t, DRMFormatModLinear, desc.Objects[0].Modifier)
	require.Len(t, desc.Layers, 2)
	assert.Equal(t, DRMFormatR8, desc.Layers[0].DRMFormat)
	assert.EqualValues(t, 0, desc.Layers[0].Planes[0].Offset)
	assert.EqualValues(t, 640, desc.Layers[0].Planes[0].Pitch)
	assert.Equal(t, DRMFormatGR88, desc.Layers[1].DRMFormat)
	assert.EqualValues(t, 640*368, desc.Layers[1].Planes[0].Offset)

	// The descriptor is cached: a second export returns the same fd.
	desc2, err := d.ExportSurfaceHandle(surfaces[0], MemTypeDRMPrime2)
	require.NoError(t, err)
	assert.Equal(t, desc.Objects[0].FD, desc2.Objects[0].FD)
}

func TestInvalidHandles(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)
	ctx, surfaces := h264Setup(t, d, 1)

	require.ErrorIs(t, d.BeginPicture(ContextID(0xDEAD), surfaces[0]), ErrInvalidContext)
	require.ErrorIs(t, d.BeginPicture(ctx, SurfaceID(0xDEAD)), ErrInvalidSurface)
	require.ErrorIs(t, d.RenderPicture(ContextID(0xDEAD), nil), ErrInvalidContext)
	require.ErrorIs(t, d.EndPicture(context.Background(), ContextID(0xDEAD)), ErrInvalidContext)
	require.ErrorIs(t, d.SyncSurface(context.Background(), SurfaceID(0xDEAD)), ErrInvalidSurface)

	_, err := d.QuerySurfaceStatus(SurfaceID(0xDEAD))
	require.ErrorIs(t, err, ErrInvalidSurface)
	_, err = d.MapBuffer(BufferID(0xDEAD))
	require.ErrorIs(t, err, ErrInvalidBuffer)
	_, _, err = d.QueryConfigAttributes(ConfigID(0xDEAD))
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = d.QuerySurfaceAttributes(ConfigID(0xDEAD))
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = d.CreateBuffer(ContextID(0xDEAD), SliceDataBufferType, []byte{1})
	require.ErrorIs(t, err, ErrInvalidContext)
}

func TestUnimplementedEntryPoints(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)

	require.ErrorIs(t, d.PutSurface(1), ErrUnimplemented)
	require.ErrorIs(t, d.PutImage(1, 2), ErrUnimplemented)
	require.ErrorIs(t, d.LockSurface(1), ErrUnimplemented)
	require.ErrorIs(t, d.SetSubpictureImage(1, 2), ErrUnimplemented)
	_, err := d.CreateSubpicture(1)
	require.ErrorIs(t, err, ErrUnimplemented)

	formats, err := d.QuerySubpictureFormats()
	require.ErrorIs(t, err, ErrUnimplemented)
	assert.Empty(t, formats)

	attrs, err := d.QueryDisplayAttributes()
	require.ErrorIs(t, err, ErrUnimplemented)
	assert.Empty(t, attrs)
}

func TestTerminateTearsDownEverything(t *testing.T) {
	t.Parallel()
	d, opener := newTestDriver(t, nil)
	ctx, surfaces := h264Setup(t, d, 2)
	dev := opener.last()

	submitIDR(t, d, ctx, surfaces[0], 0x01)
	require.NoError(t, d.SyncSurface(context.Background(), surfaces[0]))

	require.NoError(t, d.Terminate())
	assert.True(t, dev.Closed())
	assert.Equal(t, 0, dev.MappedCount())
	assert.Equal(t, 0, dev.OpenExportCount())
}

func TestQueryImageFormats(t *testing.T) {
	t.Parallel()
	d, _ := newTestDriver(t, nil)
	formats := d.QueryImageFormats()
	require.Len(t, formats, 1)
	assert.Equal(t, v4l2.PixFmtNV12, formats[0].FourCC)
	assert.Equal(t, 12, formats[0].BitsPerPixel)
}
