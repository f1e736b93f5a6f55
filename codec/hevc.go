package codec

import (
	"bytes"
	"fmt"

	"github.com/zsiec/vabridge/internal/bits"
	"github.com/zsiec/vabridge/internal/nal"
	"github.com/zsiec/vabridge/internal/v4l2"
)

// PictureParametersHEVC carries the parsed HEVC sequence and picture
// parameters delivered per picture. Field names follow the codec syntax
// elements they reconstruct.
type PictureParametersHEVC struct {
	PicWidthInLumaSamples  uint16
	PicHeightInLumaSamples uint16
	BitDepthLumaMinus8     uint8
	BitDepthChromaMinus8   uint8

	ChromaFormatIDC     uint8
	SeparateColourPlane bool

	Log2MinLumaCodingBlockSizeMinus3   uint8
	Log2DiffMaxMinLumaCodingBlockSize  uint8
	Log2MinTransformBlockSizeMinus2    uint8
	Log2DiffMaxMinTransformBlockSize   uint8
	MaxTransformHierarchyDepthInter    uint8
	MaxTransformHierarchyDepthIntra    uint8
	Log2MaxPicOrderCntLsbMinus4        uint8
	SpsMaxDecPicBufferingMinus1        uint8
	PcmSampleBitDepthLumaMinus1        uint8
	PcmSampleBitDepthChromaMinus1      uint8
	Log2MinPcmLumaCodingBlockSizeMin3  uint8
	Log2DiffMaxMinPcmLumaCodingBlkSize uint8

	ScalingListEnabled          bool
	AmpEnabled                  bool
	SampleAdaptiveOffsetEnabled bool
	PcmEnabled                  bool
	PcmLoopFilterDisabled       bool
	LongTermRefPicsPresent      bool
	TemporalMvpEnabled          bool
	StrongIntraSmoothingEnabled bool

	// Picture-parameter-set fields.
	DependentSliceSegmentsEnabled     bool
	OutputFlagPresent                 bool
	NumExtraSliceHeaderBits           uint8
	SignDataHidingEnabled             bool
	CabacInitPresent                  bool
	NumRefIdxL0DefaultActiveMinus1    uint8
	NumRefIdxL1DefaultActiveMinus1    uint8
	InitQPMinus26                     int8
	ConstrainedIntraPred              bool
	TransformSkipEnabled              bool
	CuQpDeltaEnabled                  bool
	DiffCuQpDeltaDepth                uint8
	PpsCbQpOffset                     int8
	PpsCrQpOffset                     int8
	PpsSliceChromaQpOffsetsPresent    bool
	WeightedPred                      bool
	WeightedBipred                    bool
	TransquantBypassEnabled           bool
	TilesEnabled                      bool
	EntropyCodingSyncEnabled          bool
	NumTileColumnsMinus1              uint8
	NumTileRowsMinus1                 uint8
	LoopFilterAcrossTilesEnabled      bool
	PpsLoopFilterAcrossSlicesEnabled  bool
	DeblockingFilterOverrideEnabled   bool
	PpsDisableDeblockingFilter        bool
	PpsBetaOffsetDiv2                 int8
	PpsTcOffsetDiv2                   int8
	ListsModificationPresent          bool
	Log2ParallelMergeLevelMinus2      uint8
	SliceSegmentHeaderExtensionFlag   bool
}

// HEVC general_profile_idc values.
const (
	hevcProfileMain   = 1
	hevcProfileMain10 = 2
)

// ITU-T H.273 colour description codes written into the VUI.
const (
	colourPrimariesBT709  = 1
	colourPrimariesBT2020 = 9

	transferBT709 = 1
	transferPQ    = 16

	matrixBT709     = 1
	matrixBT2020NCL = 9
)

// hevcLevelTable maps the luma sample count to general_level_idc
// (level x 30), per ITU-T H.265 Table A.6. Ordered; first match wins.
var hevcLevelTable = []struct {
	maxLumaSamples int
	levelIDC       int
}{
	{36864, 30},    // 1
	{122880, 60},   // 2
	{245760, 63},   // 2.1
	{552960, 90},   // 3
	{983040, 93},   // 3.1
	{2228224, 120}, // 4
	{2228224, 123}, // 4.1
	{8912896, 150}, // 5
	{8912896, 153}, // 5.1
	{8912896, 156}, // 5.2
	{35651584, 180}, // 6
	{35651584, 183}, // 6.1
}

// hevcHighTierLumaSamples is the 4K-class sample count at or above which, at
// level 5.0 or higher, the High tier is declared to accommodate the
// bitrates common in 4K HDR content.
const hevcHighTierLumaSamples = 8294400

// HEVC synthesises VPS/SPS/PPS NAL units from parsed picture parameters
// and assembles Annex-B access units around random-access slices. The
// cache regenerates when (width, height, bit depth) changes, which also
// re-arms parameter-set emission. In-band VPS/SPS/PPS from the source
// stream are dropped in favour of the synthesised sets.
type HEVC struct {
	vps []byte
	sps []byte
	pps []byte

	lastWidth    uint16
	lastHeight   uint16
	lastBitDepth uint8

	paramsSent bool
}

// NewHEVC returns an HEVC codec variant.
func NewHEVC() *HEVC {
	return &HEVC{}
}

func (c *HEVC) Name() string {
	return "HEVC"
}

func (c *HEVC) PixelFormat() uint32 {
	return v4l2.PixFmtHEVC
}

// HandlePictureParams regenerates the cached parameter sets when the
// cache key (resolution, bit depth) changes.
func (c *HEVC) HandlePictureParams(params any) error {
	pic, ok := params.(*PictureParametersHEVC)
	if !ok {
		return fmt.Errorf("hevc: unexpected picture parameter type %T", params)
	}

	changed := pic.PicWidthInLumaSamples != c.lastWidth ||
		pic.PicHeightInLumaSamples != c.lastHeight ||
		pic.BitDepthLumaMinus8 != c.lastBitDepth ||
		len(c.vps) == 0
	if !changed {
		return nil
	}

	vps := hevcGenerateVPS(pic)
	sps := hevcGenerateSPS(pic)
	pps := hevcGeneratePPS(pic)
	if !bytes.Equal(vps, c.vps) || !bytes.Equal(sps, c.sps) || !bytes.Equal(pps, c.pps) {
		c.paramsSent = false
	}
	c.vps, c.sps, c.pps = vps, sps, pps
	c.lastWidth = pic.PicWidthInLumaSamples
	c.lastHeight = pic.PicHeightInLumaSamples
	c.lastBitDepth = pic.BitDepthLumaMinus8
	return nil
}

// HandleSliceData appends the picture's slices. In-band parameter sets
// are skipped; the first IRAP slice since the cache changed is preceded
// by the synthesised VPS, SPS, and PPS.
func (c *HEVC) HandleSliceData(bs *Bitstream, slices []SliceParameter, data []byte) {
	for _, sp := range slices {
		payload := slicePayload(sp, data)
		if payload == nil {
			continue
		}

		nalType := nal.HEVCNALType(payload[0])
		if nal.IsHEVCParameterSet(nalType) {
			continue
		}

		if nal.IsHEVCIRAP(nalType) && !c.paramsSent {
			if len(c.vps) > 0 {
				bs.AppendNAL(c.vps)
			}
			if len(c.sps) > 0 {
				bs.AppendNAL(c.sps)
			}
			if len(c.pps) > 0 {
				bs.AppendNAL(c.pps)
			}
			c.paramsSent = true
		}

		bs.AppendNAL(payload)
	}
}

func (c *HEVC) PrepareBitstream(bs *Bitstream) {}

func hevcProfile(pic *PictureParametersHEVC) int {
	if pic.BitDepthLumaMinus8 > 0 {
		return hevcProfileMain10
	}
	return hevcProfileMain
}

func hevcCalcLevel(pic *PictureParametersHEVC) int {
	samples := int(pic.PicWidthInLumaSamples) * int(pic.PicHeightInLumaSamples)
	for _, row := range hevcLevelTable {
		if samples <= row.maxLumaSamples {
			return row.levelIDC
		}
	}
	return 186 // 6.2
}

func hevcCalcTier(pic *PictureParametersHEVC, levelIDC int) int {
	samples := int(pic.PicWidthInLumaSamples) * int(pic.PicHeightInLumaSamples)
	if levelIDC >= 150 && samples >= hevcHighTierLumaSamples {
		return 1
	}
	return 0
}

// hevcWriteNALHeader writes the two-byte HEVC NAL header:
// forbidden (1) | type (6) | layer id (6) | temporal id plus1 (3).
func hevcWriteNALHeader(w *bits.Writer, nalType int) {
	w.PutBits(0, 1)
	w.PutBits(uint32(nalType), 6)
	w.PutBits(0, 6)
	w.PutBits(1, 3)
}

// hevcWriteProfileTierLevel writes the general profile_tier_level block
// shared by VPS and SPS.
func hevcWriteProfileTierLevel(w *bits.Writer, profileIDC, tier, levelIDC int) {
	w.PutBits(0, 2)                  // general_profile_space
	w.PutBits(uint32(tier), 1)       // general_tier_flag
	w.PutBits(uint32(profileIDC), 5) // general_profile_idc

	// general_profile_compatibility_flag[32], flag[j] at bit 31-j.
	// Main10 sets flag[2]; Main additionally sets flag[1].
	compat := uint32(1) << 29
	if profileIDC == hevcProfileMain {
		compat |= 1 << 30
	}
	w.PutBits(compat, 32)

	w.PutBits(1, 1) // general_progressive_source_flag
	w.PutBits(0, 1) // general_interlaced_source_flag
	w.PutBits(0, 1) // general_non_packed_constraint_flag
	w.PutBits(1, 1) // general_frame_only_constraint_flag
	w.PutBits(0, 32) // general_reserved_zero_44bits
	w.PutBits(0, 12)
	w.PutBits(uint32(levelIDC), 8)
}

// hevcWriteVUI writes the VUI with colour signalling: BT.2020 with PQ
// transfer for 10-bit content, BT.709 otherwise.
func hevcWriteVUI(w *bits.Writer, pic *PictureParametersHEVC) {
	hdr := pic.BitDepthLumaMinus8 > 0

	w.PutBits(0, 1) // aspect_ratio_info_present_flag
	w.PutBits(0, 1) // overscan_info_present_flag

	w.PutBits(1, 1) // video_signal_type_present_flag
	w.PutBits(5, 3) // video_format (unspecified)
	w.PutBits(0, 1) // video_full_range_flag
	w.PutBits(1, 1) // colour_description_present_flag
	if hdr {
		w.PutBits(colourPrimariesBT2020, 8)
		w.PutBits(transferPQ, 8)
		w.PutBits(matrixBT2020NCL, 8)
	} else {
		w.PutBits(colourPrimariesBT709, 8)
		w.PutBits(transferBT709, 8)
		w.PutBits(matrixBT709, 8)
	}

	w.PutBits(0, 1) // chroma_loc_info_present_flag
	w.PutBits(0, 1) // neutral_chroma_indication_flag
	w.PutBits(0, 1) // field_seq_flag
	w.PutBits(0, 1) // frame_field_info_present_flag
	w.PutBits(0, 1) // default_display_window_flag
	w.PutBits(0, 1) // vui_timing_info_present_flag
	w.PutBits(0, 1) // bitstream_restriction_flag
}

func hevcGenerateVPS(pic *PictureParametersHEVC) []byte {
	w := bits.NewWriter(64)

	levelIDC := hevcCalcLevel(pic)
	tier := hevcCalcTier(pic, levelIDC)

	hevcWriteNALHeader(w, nal.HEVCNALVPS)

	w.PutBits(0, 4)      // vps_video_parameter_set_id
	w.PutBits(1, 1)      // vps_base_layer_internal_flag
	w.PutBits(1, 1)      // vps_base_layer_available_flag
	w.PutBits(0, 6)      // vps_max_layers_minus1
	w.PutBits(0, 3)      // vps_max_sub_layers_minus1
	w.PutBits(1, 1)      // vps_temporal_id_nesting_flag
	w.PutBits(0xFFFF, 16) // vps_reserved_0xffff_16bits

	hevcWriteProfileTierLevel(w, hevcProfile(pic), tier, levelIDC)

	w.PutBits(1, 1) // vps_sub_layer_ordering_info_present_flag
	w.PutUE(uint32(pic.SpsMaxDecPicBufferingMinus1))
	// vps_max_num_reorder_pics[0] stays 0: stateful decoders output in
	// decode order, and reorder buffering deadlocks the synchronous
	// submit/dequeue cycle. Consumers reorder on pic_order_cnt.
	w.PutUE(0)
	w.PutUE(0) // vps_max_latency_increase_plus1[0]

	w.PutBits(0, 6) // vps_max_layer_id
	w.PutUE(0)      // vps_num_layer_sets_minus1
	w.PutBits(0, 1) // vps_timing_info_present_flag
	w.PutBits(0, 1) // vps_extension_flag

	return w.Finish()
}

func hevcGenerateSPS(pic *PictureParametersHEVC) []byte {
	w := bits.NewWriter(256)

	levelIDC := hevcCalcLevel(pic)
	tier := hevcCalcTier(pic, levelIDC)

	hevcWriteNALHeader(w, nal.HEVCNALSPS)

	w.PutBits(0, 4) // sps_video_parameter_set_id
	w.PutBits(0, 3) // sps_max_sub_layers_minus1
	w.PutBits(1, 1) // sps_temporal_id_nesting_flag

	hevcWriteProfileTierLevel(w, hevcProfile(pic), tier, levelIDC)

	w.PutUE(0) // sps_seq_parameter_set_id
	w.PutUE(uint32(pic.ChromaFormatIDC))
	if pic.ChromaFormatIDC == 3 {
		w.PutBits(boolBit(pic.SeparateColourPlane), 1)
	}

	width := uint32(pic.PicWidthInLumaSamples)
	height := uint32(pic.PicHeightInLumaSamples)
	w.PutUE(width)
	w.PutUE(height)

	// Conformance window: crop back to the display size when the coded
	// size is not CTB-aligned.
	ctb := uint32(1) << (pic.Log2MinLumaCodingBlockSizeMinus3 + 3 + pic.Log2DiffMaxMinLumaCodingBlockSize)
	alignedWidth := (width + ctb - 1) / ctb * ctb
	alignedHeight := (height + ctb - 1) / ctb * ctb
	if alignedWidth != width || alignedHeight != height {
		w.PutBits(1, 1) // conformance_window_flag
		subWidthC := uint32(1)
		if pic.ChromaFormatIDC == 1 || pic.ChromaFormatIDC == 2 {
			subWidthC = 2
		}
		subHeightC := uint32(1)
		if pic.ChromaFormatIDC == 1 {
			subHeightC = 2
		}
		w.PutUE(0) // conf_win_left_offset
		w.PutUE((alignedWidth - width) / subWidthC)
		w.PutUE(0) // conf_win_top_offset
		w.PutUE((alignedHeight - height) / subHeightC)
	} else {
		w.PutBits(0, 1)
	}

	w.PutUE(uint32(pic.BitDepthLumaMinus8))
	w.PutUE(uint32(pic.BitDepthChromaMinus8))
	w.PutUE(uint32(pic.Log2MaxPicOrderCntLsbMinus4))

	w.PutBits(1, 1) // sps_sub_layer_ordering_info_present_flag
	w.PutUE(uint32(pic.SpsMaxDecPicBufferingMinus1))
	w.PutUE(0) // sps_max_num_reorder_pics[0], see VPS
	w.PutUE(0) // sps_max_latency_increase_plus1[0]

	w.PutUE(uint32(pic.Log2MinLumaCodingBlockSizeMinus3))
	w.PutUE(uint32(pic.Log2DiffMaxMinLumaCodingBlockSize))
	w.PutUE(uint32(pic.Log2MinTransformBlockSizeMinus2))
	w.PutUE(uint32(pic.Log2DiffMaxMinTransformBlockSize))
	w.PutUE(uint32(pic.MaxTransformHierarchyDepthInter))
	w.PutUE(uint32(pic.MaxTransformHierarchyDepthIntra))

	w.PutBits(boolBit(pic.ScalingListEnabled), 1)
	if pic.ScalingListEnabled {
		w.PutBits(0, 1) // sps_scaling_list_data_present_flag
	}

	w.PutBits(boolBit(pic.AmpEnabled), 1)
	w.PutBits(boolBit(pic.SampleAdaptiveOffsetEnabled), 1)

	w.PutBits(boolBit(pic.PcmEnabled), 1)
	if pic.PcmEnabled {
		w.PutBits(uint32(pic.PcmSampleBitDepthLumaMinus1), 4)
		w.PutBits(uint32(pic.PcmSampleBitDepthChromaMinus1), 4)
		w.PutUE(uint32(pic.Log2MinPcmLumaCodingBlockSizeMin3))
		w.PutUE(uint32(pic.Log2DiffMaxMinPcmLumaCodingBlkSize))
		w.PutBits(boolBit(pic.PcmLoopFilterDisabled), 1)
	}

	w.PutUE(0) // num_short_term_ref_pic_sets
	w.PutBits(boolBit(pic.LongTermRefPicsPresent), 1)
	if pic.LongTermRefPicsPresent {
		w.PutUE(0) // num_long_term_ref_pics_sps
	}

	w.PutBits(boolBit(pic.TemporalMvpEnabled), 1)
	w.PutBits(boolBit(pic.StrongIntraSmoothingEnabled), 1)

	w.PutBits(1, 1) // vui_parameters_present_flag
	hevcWriteVUI(w, pic)

	w.PutBits(0, 1) // sps_extension_present_flag

	return w.Finish()
}

func hevcGeneratePPS(pic *PictureParametersHEVC) []byte {
	w := bits.NewWriter(128)

	hevcWriteNALHeader(w, nal.HEVCNALPPS)

	w.PutUE(0) // pps_pic_parameter_set_id
	w.PutUE(0) // pps_seq_parameter_set_id

	w.PutBits(boolBit(pic.DependentSliceSegmentsEnabled), 1)
	w.PutBits(boolBit(pic.OutputFlagPresent), 1)
	w.PutBits(uint32(pic.NumExtraSliceHeaderBits), 3)
	w.PutBits(boolBit(pic.SignDataHidingEnabled), 1)
	w.PutBits(boolBit(pic.CabacInitPresent), 1)

	w.PutUE(uint32(pic.NumRefIdxL0DefaultActiveMinus1))
	w.PutUE(uint32(pic.NumRefIdxL1DefaultActiveMinus1))

	w.PutSE(int32(pic.InitQPMinus26))
	w.PutBits(boolBit(pic.ConstrainedIntraPred), 1)
	w.PutBits(boolBit(pic.TransformSkipEnabled), 1)

	w.PutBits(boolBit(pic.CuQpDeltaEnabled), 1)
	if pic.CuQpDeltaEnabled {
		w.PutUE(uint32(pic.DiffCuQpDeltaDepth))
	}

	w.PutSE(int32(pic.PpsCbQpOffset))
	w.PutSE(int32(pic.PpsCrQpOffset))
	w.PutBits(boolBit(pic.PpsSliceChromaQpOffsetsPresent), 1)

	w.PutBits(boolBit(pic.WeightedPred), 1)
	w.PutBits(boolBit(pic.WeightedBipred), 1)
	w.PutBits(boolBit(pic.TransquantBypassEnabled), 1)

	w.PutBits(boolBit(pic.TilesEnabled), 1)
	w.PutBits(boolBit(pic.EntropyCodingSyncEnabled), 1)
	if pic.TilesEnabled {
		w.PutUE(uint32(pic.NumTileColumnsMinus1))
		w.PutUE(uint32(pic.NumTileRowsMinus1))
		w.PutBits(1, 1) // uniform_spacing_flag
		w.PutBits(boolBit(pic.LoopFilterAcrossTilesEnabled), 1)
	}

	w.PutBits(boolBit(pic.PpsLoopFilterAcrossSlicesEnabled), 1)

	deblockingPresent := pic.DeblockingFilterOverrideEnabled || pic.PpsDisableDeblockingFilter
	w.PutBits(boolBit(deblockingPresent), 1)
	if deblockingPresent {
		w.PutBits(boolBit(pic.DeblockingFilterOverrideEnabled), 1)
		w.PutBits(boolBit(pic.PpsDisableDeblockingFilter), 1)
		if !pic.PpsDisableDeblockingFilter {
			w.PutSE(int32(pic.PpsBetaOffsetDiv2))
			w.PutSE(int32(pic.PpsTcOffsetDiv2))
		}
	}

	w.PutBits(0, 1) // pps_scaling_list_data_present_flag
	w.PutBits(boolBit(pic.ListsModificationPresent), 1)
	w.PutUE(uint32(pic.Log2ParallelMergeLevelMinus2))
	w.PutBits(boolBit(pic.SliceSegmentHeaderExtensionFlag), 1)
	w.PutBits(0, 1) // pps_extension_present_flag

	return w.Finish()
}
