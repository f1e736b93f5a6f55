package nal

import (
	"errors"

	"github.com/zsiec/vabridge/internal/bits"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	H264NALSlice = 1
	H264NALIDR   = 5
	H264NALSEI   = 6
	H264NALSPS   = 7
	H264NALPPS   = 8
	H264NALAUD   = 9
)

// H264NALType extracts the NAL unit type from the first header byte.
func H264NALType(b byte) byte {
	return b & 0x1F
}

// IsH264IDR reports whether the NAL type denotes an IDR slice.
func IsH264IDR(nalType byte) bool {
	return nalType == H264NALIDR
}

var (
	errSPSTooShort    = errors.New("nal: SPS data too short")
	errPPSTooShort    = errors.New("nal: PPS data too short")
	errUnsupportedSPS = errors.New("nal: unsupported SPS feature")
)

// H264SPSInfo holds the parameters this driver verifies against an H.264
// sequence parameter set: identification, bit depth, reference count, and
// the cropped display resolution.
type H264SPSInfo struct {
	ProfileIDC      uint
	ConstraintFlags uint
	LevelIDC        uint
	ChromaFormatIDC uint
	BitDepthLuma    uint
	BitDepthChroma  uint
	MaxNumRefFrames uint
	Width           int
	Height          int

	Log2MaxFrameNumMinus4       uint
	PicOrderCntType             uint
	Log2MaxPicOrderCntLsbMinus4 uint
	DeltaPicOrderAlwaysZero     bool
	GapsInFrameNumAllowed       bool
	FrameMBsOnly                bool
	Direct8x8Inference          bool
}

// ParseH264SPS parses an H.264 SPS NAL unit. The input is the raw NAL data
// including the header byte but without the start code.
func ParseH264SPS(nalu []byte) (H264SPSInfo, error) {
	if len(nalu) < 4 {
		return H264SPSInfo{}, errSPSTooShort
	}

	var info H264SPSInfo
	br := bits.NewReader(removeEmulationPrevention(nalu[1:]))

	var err error
	if info.ProfileIDC, err = br.ReadBits(8); err != nil {
		return H264SPSInfo{}, err
	}
	if info.ConstraintFlags, err = br.ReadBits(8); err != nil {
		return H264SPSInfo{}, err
	}
	if info.LevelIDC, err = br.ReadBits(8); err != nil {
		return H264SPSInfo{}, err
	}
	if _, err = br.ReadUE(); err != nil { // seq_parameter_set_id
		return H264SPSInfo{}, err
	}

	info.ChromaFormatIDC = 1
	separateColourPlane := false

	switch info.ProfileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		if info.ChromaFormatIDC, err = br.ReadUE(); err != nil {
			return H264SPSInfo{}, err
		}
		if info.ChromaFormatIDC == 3 {
			v, err := br.ReadBits(1)
			if err != nil {
				return H264SPSInfo{}, err
			}
			separateColourPlane = v == 1
		}
		if info.BitDepthLuma, err = br.ReadUE(); err != nil {
			return H264SPSInfo{}, err
		}
		info.BitDepthLuma += 8
		if info.BitDepthChroma, err = br.ReadUE(); err != nil {
			return H264SPSInfo{}, err
		}
		info.BitDepthChroma += 8
		if _, err = br.ReadBits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return H264SPSInfo{}, err
		}
		scalingMatrix, err := br.ReadBits(1)
		if err != nil {
			return H264SPSInfo{}, err
		}
		if scalingMatrix == 1 {
			return H264SPSInfo{}, errUnsupportedSPS
		}
	default:
		info.BitDepthLuma = 8
		info.BitDepthChroma = 8
	}

	if info.Log2MaxFrameNumMinus4, err = br.ReadUE(); err != nil {
		return H264SPSInfo{}, err
	}
	if info.PicOrderCntType, err = br.ReadUE(); err != nil {
		return H264SPSInfo{}, err
	}
	switch info.PicOrderCntType {
	case 0:
		if info.Log2MaxPicOrderCntLsbMinus4, err = br.ReadUE(); err != nil {
			return H264SPSInfo{}, err
		}
	case 1:
		deltaZero, err := br.ReadBits(1)
		if err != nil {
			return H264SPSInfo{}, err
		}
		info.DeltaPicOrderAlwaysZero = deltaZero == 1
		if _, err = br.ReadSE(); err != nil {
			return H264SPSInfo{}, err
		}
		if _, err = br.ReadSE(); err != nil {
			return H264SPSInfo{}, err
		}
		cycle, err := br.ReadUE()
		if err != nil {
			return H264SPSInfo{}, err
		}
		for i := uint(0); i < cycle; i++ {
			if _, err = br.ReadSE(); err != nil {
				return H264SPSInfo{}, err
			}
		}
	}

	if info.MaxNumRefFrames, err = br.ReadUE(); err != nil {
		return H264SPSInfo{}, err
	}
	gaps, err := br.ReadBits(1)
	if err != nil {
		return H264SPSInfo{}, err
	}
	info.GapsInFrameNumAllowed = gaps == 1

	picWidthMbs, err := br.ReadUE()
	if err != nil {
		return H264SPSInfo{}, err
	}
	picHeightMapUnits, err := br.ReadUE()
	if err != nil {
		return H264SPSInfo{}, err
	}
	frameMbsOnly, err := br.ReadBits(1)
	if err != nil {
		return H264SPSInfo{}, err
	}
	info.FrameMBsOnly = frameMbsOnly == 1
	if frameMbsOnly == 0 {
		if _, err = br.ReadBits(1); err != nil { // mb_adaptive_frame_field_flag
			return H264SPSInfo{}, err
		}
	}
	direct8x8, err := br.ReadBits(1)
	if err != nil {
		return H264SPSInfo{}, err
	}
	info.Direct8x8Inference = direct8x8 == 1

	cropLeft, cropRight, cropTop, cropBottom := uint(0), uint(0), uint(0), uint(0)
	cropping, err := br.ReadBits(1)
	if err != nil {
		return H264SPSInfo{}, err
	}
	if cropping == 1 {
		if cropLeft, err = br.ReadUE(); err != nil {
			return H264SPSInfo{}, err
		}
		if cropRight, err = br.ReadUE(); err != nil {
			return H264SPSInfo{}, err
		}
		if cropTop, err = br.ReadUE(); err != nil {
			return H264SPSInfo{}, err
		}
		if cropBottom, err = br.ReadUE(); err != nil {
			return H264SPSInfo{}, err
		}
	}

	chromaArrayType := info.ChromaFormatIDC
	if separateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint
	switch chromaArrayType {
	case 1:
		subWidthC, subHeightC = 2, 2
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 1, 1
	}
	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	info.Width = int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight))
	info.Height = int((2-frameMbsOnly)*(picHeightMapUnits+1)*16 - cropUnitY*(cropTop+cropBottom))

	return info, nil
}

// H264PPSInfo holds the fields verified against a synthesised H.264 PPS.
type H264PPSInfo struct {
	EntropyCodingMode         bool
	PicOrderPresent           bool
	WeightedPred              bool
	WeightedBipredIDC         uint
	PicInitQPMinus26          int
	PicInitQSMinus26          int
	ChromaQPIndexOffset       int
	DeblockingFilterControl   bool
	ConstrainedIntraPred      bool
	RedundantPicCntPresent    bool
	Transform8x8Mode          bool
	SecondChromaQPIndexOffset int
}

// ParseH264PPS parses an H.264 PPS NAL unit (header byte included, no
// start code).
func ParseH264PPS(nalu []byte) (H264PPSInfo, error) {
	if len(nalu) < 2 {
		return H264PPSInfo{}, errPPSTooShort
	}

	var info H264PPSInfo
	br := bits.NewReader(removeEmulationPrevention(nalu[1:]))

	if _, err := br.ReadUE(); err != nil { // pic_parameter_set_id
		return H264PPSInfo{}, err
	}
	if _, err := br.ReadUE(); err != nil { // seq_parameter_set_id
		return H264PPSInfo{}, err
	}
	entropy, err := br.ReadBits(1)
	if err != nil {
		return H264PPSInfo{}, err
	}
	info.EntropyCodingMode = entropy == 1
	picOrder, err := br.ReadBits(1)
	if err != nil {
		return H264PPSInfo{}, err
	}
	info.PicOrderPresent = picOrder == 1
	sliceGroups, err := br.ReadUE()
	if err != nil {
		return H264PPSInfo{}, err
	}
	if sliceGroups != 0 {
		return H264PPSInfo{}, errUnsupportedSPS
	}
	if _, err := br.ReadUE(); err != nil { // num_ref_idx_l0_default_active_minus1
		return H264PPSInfo{}, err
	}
	if _, err := br.ReadUE(); err != nil { // num_ref_idx_l1_default_active_minus1
		return H264PPSInfo{}, err
	}
	wp, err := br.ReadBits(1)
	if err != nil {
		return H264PPSInfo{}, err
	}
	info.WeightedPred = wp == 1
	if info.WeightedBipredIDC, err = br.ReadBits(2); err != nil {
		return H264PPSInfo{}, err
	}
	if info.PicInitQPMinus26, err = br.ReadSE(); err != nil {
		return H264PPSInfo{}, err
	}
	if info.PicInitQSMinus26, err = br.ReadSE(); err != nil {
		return H264PPSInfo{}, err
	}
	if info.ChromaQPIndexOffset, err = br.ReadSE(); err != nil {
		return H264PPSInfo{}, err
	}
	deblocking, err := br.ReadBits(1)
	if err != nil {
		return H264PPSInfo{}, err
	}
	info.DeblockingFilterControl = deblocking == 1
	constrained, err := br.ReadBits(1)
	if err != nil {
		return H264PPSInfo{}, err
	}
	info.ConstrainedIntraPred = constrained == 1
	redundant, err := br.ReadBits(1)
	if err != nil {
		return H264PPSInfo{}, err
	}
	info.RedundantPicCntPresent = redundant == 1

	if br.MoreRBSPData() {
		t8, err := br.ReadBits(1)
		if err != nil {
			return H264PPSInfo{}, err
		}
		info.Transform8x8Mode = t8 == 1
		scaling, err := br.ReadBits(1)
		if err != nil {
			return H264PPSInfo{}, err
		}
		if scaling == 1 {
			return H264PPSInfo{}, errUnsupportedSPS
		}
		if info.SecondChromaQPIndexOffset, err = br.ReadSE(); err != nil {
			return H264PPSInfo{}, err
		}
	}

	return info, nil
}
