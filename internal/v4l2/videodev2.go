// Package v4l2 is the kernel-facing layer: videodev2 structure layouts,
// ioctl request codes, and a Device wrapping a V4L2 memory-to-memory
// decoder node. Layouts target 64-bit Linux.
package v4l2

import "unsafe"

// FourCC packs a four-character pixel format code.
func FourCC(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Compressed and raw pixel formats used by this driver.
var (
	PixFmtH264   = FourCC('H', '2', '6', '4')
	PixFmtHEVC   = FourCC('H', 'E', 'V', 'C')
	PixFmtVP8    = FourCC('V', 'P', '8', '0')
	PixFmtVP9    = FourCC('V', 'P', '9', '0')
	PixFmtAV1    = FourCC('A', 'V', '0', '1')
	PixFmtMPEG2  = FourCC('M', 'P', 'G', '2')
	PixFmtMPEG4  = FourCC('M', 'P', 'G', '4')
	PixFmtNV12   = FourCC('N', 'V', '1', '2')
	PixFmtYUV420 = FourCC('Y', 'U', '1', '2')
)

// FourCCString renders a pixel format code for logs.
func FourCCString(f uint32) string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// Buffer types, memory modes, and field orders.
const (
	BufTypeCaptureMPlane = 9
	BufTypeOutputMPlane  = 10

	MemoryMMAP = 1

	FieldNone = 1
)

// Capability bits.
const (
	CapVideoM2M       = 0x00008000
	CapVideoM2MMPlane = 0x00004000
)

// Event types.
const (
	EventEOS          = 2
	EventSourceChange = 5
)

// Capability mirrors struct v4l2_capability.
type Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

// FmtDesc mirrors struct v4l2_fmtdesc.
type FmtDesc struct {
	Index       uint32
	Type        uint32
	Flags       uint32
	Description [32]byte
	PixelFormat uint32
	MbusCode    uint32
	Reserved    [3]uint32
}

// PlanePixFormat mirrors struct v4l2_plane_pix_format.
type PlanePixFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
	Reserved     [6]uint16
}

// PixFormatMPlane mirrors struct v4l2_pix_format_mplane.
type PixFormatMPlane struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	ColorSpace   uint32
	PlaneFmt     [8]PlanePixFormat
	NumPlanes    uint8
	Flags        uint8
	YCbCrEnc     uint8
	Quantization uint8
	XferFunc     uint8
	Reserved     [7]uint8
}

// Format mirrors struct v4l2_format for the multi-planar union arm.
// The union is 200 bytes; PixFormatMPlane occupies the first 192.
type Format struct {
	Type uint32
	_    uint32
	PixMP PixFormatMPlane
	_    [200 - unsafe.Sizeof(PixFormatMPlane{})]byte
}

// RequestBuffers mirrors struct v4l2_requestbuffers.
type RequestBuffers struct {
	Count        uint32
	Type         uint32
	Memory       uint32
	Capabilities uint32
	Flags        uint8
	Reserved     [3]uint8
}

// Plane mirrors struct v4l2_plane on 64-bit. M overlays mem_offset,
// userptr, and fd; for MMAP buffers it carries the mmap offset in the
// low 32 bits.
type Plane struct {
	BytesUsed  uint32
	Length     uint32
	M          uint64
	DataOffset uint32
	Reserved   [11]uint32
}

// Timecode mirrors struct v4l2_timecode.
type Timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	UserBits [4]uint8
}

// Buffer mirrors struct v4l2_buffer on 64-bit. For multi-planar buffer
// types M holds the pointer to a Plane array and Length the plane count.
type Buffer struct {
	Index     uint32
	Type      uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	_         uint32
	Timestamp [16]byte // struct timeval
	Timecode  Timecode
	Sequence  uint32
	Memory    uint32
	M         uint64
	Length    uint32
	Reserved2 uint32
	RequestFD int32
}

// EventSubscription mirrors struct v4l2_event_subscription.
type EventSubscription struct {
	Type     uint32
	ID       uint32
	Flags    uint32
	Reserved [5]uint32
}

// Event mirrors struct v4l2_event. Timestamp is a struct timespec; its
// int64 fields give the struct the 8-byte alignment the kernel layout
// requires.
type Event struct {
	Type      uint32
	_         uint32
	U         [64]byte
	Pending   uint32
	Sequence  uint32
	Timestamp [2]int64
	ID        uint32
	Reserved  [8]uint32
}

// PlaneInfo describes one plane of a queried buffer.
type PlaneInfo struct {
	Length    uint32
	MemOffset uint32
}

// ExportBuffer mirrors struct v4l2_exportbuffer.
type ExportBuffer struct {
	Type     uint32
	Index    uint32
	Plane    uint32
	Flags    uint32
	FD       int32
	Reserved [11]uint32
}

// ioctl direction bits and request constructors, per asm-generic/ioctl.h.
const (
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	vidiocType = 'V'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | vidiocType<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

func ior(nr, size uintptr) uintptr  { return ioc(iocRead, nr, size) }
func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

// VIDIOC request codes, sized from the struct layouts above.
var (
	VidiocQueryCap       = ior(0, unsafe.Sizeof(Capability{}))
	VidiocEnumFmt        = iowr(2, unsafe.Sizeof(FmtDesc{}))
	VidiocGetFmt         = iowr(4, unsafe.Sizeof(Format{}))
	VidiocSetFmt         = iowr(5, unsafe.Sizeof(Format{}))
	VidiocReqBufs        = iowr(8, unsafe.Sizeof(RequestBuffers{}))
	VidiocQueryBuf       = iowr(9, unsafe.Sizeof(Buffer{}))
	VidiocQBuf           = iowr(15, unsafe.Sizeof(Buffer{}))
	VidiocExpBuf         = iowr(16, unsafe.Sizeof(ExportBuffer{}))
	VidiocDQBuf          = iowr(17, unsafe.Sizeof(Buffer{}))
	VidiocStreamOn       = iow(18, unsafe.Sizeof(int32(0)))
	VidiocStreamOff      = iow(19, unsafe.Sizeof(int32(0)))
	VidiocDQEvent        = ior(89, unsafe.Sizeof(Event{}))
	VidiocSubscribeEvent = iow(90, unsafe.Sizeof(EventSubscription{}))
)
