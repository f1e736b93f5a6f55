package va

// Object handles. IDs from different classes live in disjoint ranges so a
// misrouted handle fails lookup instead of aliasing another object.
type (
	ConfigID  uint32
	ContextID uint32
	SurfaceID uint32
	BufferID  uint32
)

// ImageID aliases BufferID: an image and its backing buffer share one
// handle, which keeps the lookup tables simple.
type ImageID = BufferID

// ID range bases per object class.
const (
	configIDBase  = 1
	contextIDBase = 0x1000 + 1
	surfaceIDBase = 0x2000 + 1
	bufferIDBase  = 0x3000 + 1
)

// Profile identifies a codec profile, numbered compatibly with the
// upstream decode API.
type Profile int32

const (
	ProfileMPEG2Main               Profile = 1
	ProfileMPEG4AdvancedSimple     Profile = 3
	ProfileH264Main                Profile = 6
	ProfileH264High                Profile = 7
	ProfileH264ConstrainedBaseline Profile = 13
	ProfileVP8Version03            Profile = 14
	ProfileHEVCMain                Profile = 17
	ProfileHEVCMain10              Profile = 18
	ProfileVP9Profile0             Profile = 19
	ProfileVP9Profile2             Profile = 21
	ProfileAV1Profile0             Profile = 32
)

// Entrypoint selects the decode pipeline stage. Only variable-length
// decode is supported.
type Entrypoint int32

// EntrypointVLD is full-slice variable-length decoding.
const EntrypointVLD Entrypoint = 1

// BufferType classifies the payload of a consumer-created buffer.
type BufferType int32

const (
	PictureParameterBufferType BufferType = 0
	IQMatrixBufferType         BufferType = 1
	SliceParameterBufferType   BufferType = 4
	SliceDataBufferType        BufferType = 5
	ImageBufferType            BufferType = 9
)

// SurfaceStatus reports where a surface is in its decode lifecycle.
type SurfaceStatus int32

const (
	SurfaceRendering SurfaceStatus = 1
	SurfaceReady     SurfaceStatus = 4
)

// Render-target formats advertised through config attributes.
const (
	RTFormatYUV420   uint32 = 0x0000_0001
	RTFormatYUV42010 uint32 = 0x0000_0100
)

// ConfigAttribType enumerates queryable config attributes.
type ConfigAttribType int32

const (
	ConfigAttribRTFormat         ConfigAttribType = 0
	ConfigAttribMaxPictureWidth  ConfigAttribType = 18
	ConfigAttribMaxPictureHeight ConfigAttribType = 19
)

// AttribNotSupported marks an attribute the driver does not report.
const AttribNotSupported uint32 = 0x8000_0000

// ConfigAttrib is one attribute slot filled by GetConfigAttributes.
type ConfigAttrib struct {
	Type  ConfigAttribType
	Value uint32
}

// Surface memory types accepted by ExportSurfaceHandle.
const (
	MemTypeVA        uint32 = 0x0000_0001
	MemTypeDRMPrime  uint32 = 0x0000_0004
	MemTypeDRMPrime2 uint32 = 0x4000_0000
)

// Driver limits, matching what the hardware generation realistically
// decodes.
const (
	maxPictureWidth  = 4096
	maxPictureHeight = 4096
	minSurfaceSize   = 16
)
