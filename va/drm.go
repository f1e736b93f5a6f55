package va

import "github.com/zsiec/vabridge/internal/v4l2"

// DRM fourccs and the linear modifier used in exported descriptors.
var (
	DRMFormatNV12 = v4l2.FourCC('N', 'V', '1', '2')
	DRMFormatR8   = v4l2.FourCC('R', '8', ' ', ' ')
	DRMFormatRG88 = v4l2.FourCC('R', 'G', '8', '8')
	DRMFormatGR88 = v4l2.FourCC('G', 'R', '8', '8')
)

// DRMFormatModLinear is the linear (no tiling) format modifier.
const DRMFormatModLinear uint64 = 0

// DRMObject is one exported memory object.
type DRMObject struct {
	FD       int
	Size     uint32
	Modifier uint64
}

// DRMLayerPlane locates one plane within an object.
type DRMLayerPlane struct {
	ObjectIndex uint32
	Offset      uint32
	Pitch       uint32
}

// DRMLayer is one image layer of an exported surface.
type DRMLayer struct {
	DRMFormat uint32
	Planes    []DRMLayerPlane
}

// DRMPRIMESurfaceDescriptor describes an exported decoded frame for
// zero-copy import by a display or GL stack.
type DRMPRIMESurfaceDescriptor struct {
	FourCC  uint32
	Width   uint32
	Height  uint32
	Objects []DRMObject
	Layers  []DRMLayer
}

// nv12PrimeDescriptor lays out an NV12 frame held in a single linear
// object: an 8-bit luma layer at offset 0 and an interleaved two-channel
// chroma layer at the luma plane's end, both with the luma stride.
func nv12PrimeDescriptor(fd int, width, height uint32) *DRMPRIMESurfaceDescriptor {
	return &DRMPRIMESurfaceDescriptor{
		FourCC: DRMFormatNV12,
		Width:  width,
		Height: height,
		Objects: []DRMObject{
			{FD: fd, Size: width * height * 3 / 2, Modifier: DRMFormatModLinear},
		},
		Layers: []DRMLayer{
			{DRMFormat: DRMFormatR8, Planes: []DRMLayerPlane{{ObjectIndex: 0, Offset: 0, Pitch: width}}},
			{DRMFormat: DRMFormatGR88, Planes: []DRMLayerPlane{{ObjectIndex: 0, Offset: width * height, Pitch: width}}},
		},
	}
}
