package codec

import (
	"bytes"
	"fmt"

	"github.com/zsiec/vabridge/internal/bits"
	"github.com/zsiec/vabridge/internal/nal"
	"github.com/zsiec/vabridge/internal/v4l2"
)

// PictureParametersH264 carries the parsed H.264 sequence and picture
// parameters a decode API delivers per picture. Field names follow the
// codec syntax elements they reconstruct.
type PictureParametersH264 struct {
	PictureWidthInMBsMinus1  uint16
	PictureHeightInMBsMinus1 uint16
	BitDepthLumaMinus8       uint8
	BitDepthChromaMinus8     uint8
	NumRefFrames             uint8

	// Sequence-level flags and fields.
	ChromaFormatIDC             uint8
	GapsInFrameNumValueAllowed  bool
	FrameMBsOnly                bool
	MBAdaptiveFrameField        bool
	Direct8x8Inference          bool
	Log2MaxFrameNumMinus4       uint8
	PicOrderCntType             uint8
	Log2MaxPicOrderCntLsbMinus4 uint8
	DeltaPicOrderAlwaysZero     bool

	// Picture-level flags.
	EntropyCodingMode       bool
	WeightedPred            bool
	WeightedBipredIDC       uint8
	Transform8x8Mode        bool
	ConstrainedIntraPred    bool
	PicOrderPresent         bool
	DeblockingFilterControl bool
	RedundantPicCntPresent  bool

	PicInitQPMinus26          int8
	PicInitQSMinus26          int8
	ChromaQPIndexOffset       int8
	SecondChromaQPIndexOffset int8
}

// H.264 profile_idc values this driver synthesises.
const (
	h264ProfileBaseline = 66
	h264ProfileMain     = 77
	h264ProfileHigh     = 100
	h264ProfileHigh10   = 110
	h264ProfileHigh422  = 122
	h264ProfileHigh444  = 244
)

// h264LevelTable maps the decoded-picture-buffer macroblock budget to
// level_idc. Ordered; the first row whose
// bound covers the budget wins.
var h264LevelTable = []struct {
	maxDpbMbs int
	level     int
}{
	{396, 10},
	{900, 11},
	{2376, 12},
	{4752, 20},
	{8100, 21},
	{18000, 22},
	{20480, 30},
	{36864, 31},
	{32768, 32},
	{110400, 40},
	{184320, 41},
	{184320, 42},
	{696320, 50},
	{696320, 51},
}

// H264 synthesises SPS/PPS NAL units from parsed picture parameters and
// assembles Annex-B access units around IDR slices. The header cache is
// per-session state; the emitted flag clears whenever regeneration
// produces different bytes, so fresh headers always precede the next
// keyframe.
type H264 struct {
	sps []byte
	pps []byte

	spsPPSEmitted bool
}

// NewH264 returns an H.264 codec variant.
func NewH264() *H264 {
	return &H264{}
}

func (c *H264) Name() string {
	return "H.264"
}

func (c *H264) PixelFormat() uint32 {
	return v4l2.PixFmtH264
}

// HandlePictureParams regenerates the cached SPS/PPS. A byte-level change
// re-arms header emission ahead of the next keyframe.
func (c *H264) HandlePictureParams(params any) error {
	pic, ok := params.(*PictureParametersH264)
	if !ok {
		return fmt.Errorf("h264: unexpected picture parameter type %T", params)
	}

	sps := h264GenerateSPS(pic)
	pps := h264GeneratePPS(pic)
	if !bytes.Equal(sps, c.sps) || !bytes.Equal(pps, c.pps) {
		c.sps = sps
		c.pps = pps
		c.spsPPSEmitted = false
	}
	return nil
}

// HandleSliceData appends the picture's slices. The first IDR slice since
// the cache last changed is preceded by the synthesised SPS and PPS.
func (c *H264) HandleSliceData(bs *Bitstream, slices []SliceParameter, data []byte) {
	for _, sp := range slices {
		payload := slicePayload(sp, data)
		if payload == nil {
			continue
		}

		if nal.IsH264IDR(nal.H264NALType(payload[0])) && !c.spsPPSEmitted {
			if len(c.sps) > 0 {
				bs.AppendNAL(c.sps)
			}
			if len(c.pps) > 0 {
				bs.AppendNAL(c.pps)
			}
			c.spsPPSEmitted = true
		}

		bs.AppendNAL(payload)
	}
}

func (c *H264) PrepareBitstream(bs *Bitstream) {}

// h264DetectProfile derives profile_idc from the parsed flags.
func h264DetectProfile(pic *PictureParametersH264) int {
	if pic.BitDepthLumaMinus8 > 0 || pic.BitDepthChromaMinus8 > 0 {
		switch pic.ChromaFormatIDC {
		case 3:
			return h264ProfileHigh444
		case 2:
			return h264ProfileHigh422
		default:
			return h264ProfileHigh10
		}
	}
	if pic.Transform8x8Mode {
		return h264ProfileHigh
	}
	if pic.EntropyCodingMode {
		return h264ProfileMain
	}
	return h264ProfileBaseline
}

// h264CalcLevel derives level_idc from the macroblock count and the
// reference frame budget.
func h264CalcLevel(pic *PictureParametersH264) int {
	widthMbs := int(pic.PictureWidthInMBsMinus1) + 1
	heightMbs := int(pic.PictureHeightInMBsMinus1) + 1
	maxDpbMbs := widthMbs * heightMbs * (int(pic.NumRefFrames) + 1)

	for _, row := range h264LevelTable {
		if maxDpbMbs <= row.maxDpbMbs {
			return row.level
		}
	}
	return 52
}

// h264CropBottom returns the frame_crop_bottom_offset in chroma units for
// resolutions whose coded size exceeds the display size, or 0 when no
// cropping applies.
func h264CropBottom(widthPixels, heightPixels int) uint32 {
	switch {
	case widthPixels == 1920 && heightPixels == 1088:
		return 4 // 1088 - 1080 = 8 luma rows
	case widthPixels == 1280 && heightPixels == 736:
		return 4 // 8 luma rows at 4:2:0 (736 -> 728)
	case widthPixels == 640 && heightPixels == 368:
		return 4 // 368 - 360 = 8 luma rows
	}
	return 0
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func h264GenerateSPS(pic *PictureParametersH264) []byte {
	w := bits.NewWriter(128)

	profileIDC := h264DetectProfile(pic)
	levelIDC := h264CalcLevel(pic)

	widthMbs := int(pic.PictureWidthInMBsMinus1) + 1
	heightMbs := int(pic.PictureHeightInMBsMinus1) + 1
	cropBottom := h264CropBottom(widthMbs*16, heightMbs*16)

	w.PutBits(0x67, 8) // nal_ref_idc=3, nal_unit_type=7 (SPS)
	w.PutBits(uint32(profileIDC), 8)

	w.PutBits(boolBit(profileIDC == h264ProfileBaseline), 1) // constraint_set0_flag
	w.PutBits(boolBit(profileIDC <= h264ProfileMain), 1)     // constraint_set1_flag
	w.PutBits(0, 4)                                          // constraint_set2..5
	w.PutBits(0, 2)                                          // reserved_zero_2bits
	w.PutBits(uint32(levelIDC), 8)

	w.PutUE(0) // seq_parameter_set_id

	if profileIDC >= h264ProfileHigh {
		w.PutUE(uint32(pic.ChromaFormatIDC))
		if pic.ChromaFormatIDC == 3 {
			w.PutBits(0, 1) // separate_colour_plane_flag
		}
		w.PutUE(uint32(pic.BitDepthLumaMinus8))
		w.PutUE(uint32(pic.BitDepthChromaMinus8))
		w.PutBits(0, 1) // qpprime_y_zero_transform_bypass_flag
		w.PutBits(0, 1) // seq_scaling_matrix_present_flag
	}

	w.PutUE(uint32(pic.Log2MaxFrameNumMinus4))
	w.PutUE(uint32(pic.PicOrderCntType))
	switch pic.PicOrderCntType {
	case 0:
		w.PutUE(uint32(pic.Log2MaxPicOrderCntLsbMinus4))
	case 1:
		w.PutBits(boolBit(pic.DeltaPicOrderAlwaysZero), 1)
		w.PutSE(0) // offset_for_non_ref_pic
		w.PutSE(0) // offset_for_top_to_bottom_field
		w.PutUE(0) // num_ref_frames_in_pic_order_cnt_cycle
	}

	w.PutUE(uint32(pic.NumRefFrames))
	w.PutBits(boolBit(pic.GapsInFrameNumValueAllowed), 1)
	w.PutUE(uint32(pic.PictureWidthInMBsMinus1))
	w.PutUE(uint32(pic.PictureHeightInMBsMinus1))
	w.PutBits(boolBit(pic.FrameMBsOnly), 1)
	if !pic.FrameMBsOnly {
		w.PutBits(boolBit(pic.MBAdaptiveFrameField), 1)
	}
	w.PutBits(boolBit(pic.Direct8x8Inference), 1)

	if cropBottom > 0 {
		w.PutBits(1, 1) // frame_cropping_flag
		w.PutUE(0)      // frame_crop_left_offset
		w.PutUE(0)      // frame_crop_right_offset
		w.PutUE(0)      // frame_crop_top_offset
		w.PutUE(cropBottom)
	} else {
		w.PutBits(0, 1)
	}

	w.PutBits(0, 1) // vui_parameters_present_flag

	return w.Finish()
}

func h264GeneratePPS(pic *PictureParametersH264) []byte {
	w := bits.NewWriter(64)

	profileIDC := h264DetectProfile(pic)

	w.PutBits(0x68, 8) // nal_ref_idc=3, nal_unit_type=8 (PPS)

	w.PutUE(0) // pic_parameter_set_id
	w.PutUE(0) // seq_parameter_set_id
	w.PutBits(boolBit(pic.EntropyCodingMode), 1)
	w.PutBits(boolBit(pic.PicOrderPresent), 1)
	w.PutUE(0) // num_slice_groups_minus1
	w.PutUE(0) // num_ref_idx_l0_default_active_minus1
	w.PutUE(0) // num_ref_idx_l1_default_active_minus1
	w.PutBits(boolBit(pic.WeightedPred), 1)
	w.PutBits(uint32(pic.WeightedBipredIDC), 2)
	w.PutSE(int32(pic.PicInitQPMinus26))
	w.PutSE(int32(pic.PicInitQSMinus26))
	w.PutSE(int32(pic.ChromaQPIndexOffset))
	w.PutBits(boolBit(pic.DeblockingFilterControl), 1)
	w.PutBits(boolBit(pic.ConstrainedIntraPred), 1)
	w.PutBits(boolBit(pic.RedundantPicCntPresent), 1)

	if profileIDC >= h264ProfileHigh && pic.Transform8x8Mode {
		w.PutBits(1, 1) // transform_8x8_mode_flag
		w.PutBits(0, 1) // pic_scaling_matrix_present_flag
		w.PutSE(int32(pic.SecondChromaQPIndexOffset))
	}

	return w.Finish()
}
