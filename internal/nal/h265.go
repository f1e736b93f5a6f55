package nal

import (
	"errors"

	"github.com/zsiec/vabridge/internal/bits"
)

// HEVC NAL unit type constants as defined in ITU-T H.265 Table 7-1.
const (
	HEVCNALBlaWLP    = 16
	HEVCNALIDRWRadl  = 19
	HEVCNALIDRNlp    = 20
	HEVCNALCraNut    = 21
	HEVCNALVPS       = 32
	HEVCNALSPS       = 33
	HEVCNALPPS       = 34
	HEVCNALAUD       = 35
	HEVCNALSEIPrefix = 39
)

// HEVCNALType extracts the NAL unit type from the first header byte.
func HEVCNALType(b byte) byte {
	return b >> 1 & 0x3F
}

// IsHEVCIRAP reports whether the NAL type is one of the random-access
// picture types that trigger parameter-set emission (IDR_W_RADL,
// IDR_N_LP, CRA_NUT).
func IsHEVCIRAP(nalType byte) bool {
	return nalType >= HEVCNALIDRWRadl && nalType <= HEVCNALCraNut
}

// IsHEVCParameterSet reports whether the NAL type is VPS, SPS, or PPS.
func IsHEVCParameterSet(nalType byte) bool {
	return nalType >= HEVCNALVPS && nalType <= HEVCNALPPS
}

var (
	errHEVCTooShort       = errors.New("nal: HEVC parameter set too short")
	errUnsupportedHEVCSet = errors.New("nal: unsupported HEVC parameter set feature")
)

// profileTierLevel holds the general_* fields shared by VPS and SPS.
type profileTierLevel struct {
	ProfileIDC uint
	TierFlag   uint
	LevelIDC   uint
	Compat     uint
}

func parseProfileTierLevel(br *bits.Reader) (profileTierLevel, error) {
	var ptl profileTierLevel
	if _, err := br.ReadBits(2); err != nil { // general_profile_space
		return ptl, err
	}
	var err error
	if ptl.TierFlag, err = br.ReadBits(1); err != nil {
		return ptl, err
	}
	if ptl.ProfileIDC, err = br.ReadBits(5); err != nil {
		return ptl, err
	}
	if ptl.Compat, err = br.ReadBits(32); err != nil {
		return ptl, err
	}
	if _, err = br.ReadBits(4); err != nil { // progressive/interlaced/non-packed/frame-only
		return ptl, err
	}
	if _, err = br.ReadBits(32); err != nil { // general_reserved_zero_44bits
		return ptl, err
	}
	if _, err = br.ReadBits(12); err != nil {
		return ptl, err
	}
	if ptl.LevelIDC, err = br.ReadBits(8); err != nil {
		return ptl, err
	}
	return ptl, nil
}

// HEVCVPSInfo holds the fields verified against a synthesised VPS.
type HEVCVPSInfo struct {
	ProfileIDC             uint
	TierFlag               uint
	LevelIDC               uint
	MaxDecPicBufferingMin1 uint
	MaxNumReorderPics      uint
}

// ParseHEVCVPS parses an HEVC VPS NAL unit (two header bytes included,
// no start code). Only single-layer, single-sub-layer parameter sets of
// the shape this driver synthesises are understood.
func ParseHEVCVPS(nalu []byte) (HEVCVPSInfo, error) {
	if len(nalu) < 6 {
		return HEVCVPSInfo{}, errHEVCTooShort
	}

	br := bits.NewReader(removeEmulationPrevention(nalu[2:]))
	if _, err := br.ReadBits(4); err != nil { // vps_video_parameter_set_id
		return HEVCVPSInfo{}, err
	}
	if _, err := br.ReadBits(2); err != nil { // base_layer internal/available
		return HEVCVPSInfo{}, err
	}
	maxLayers, err := br.ReadBits(6)
	if err != nil {
		return HEVCVPSInfo{}, err
	}
	maxSubLayers, err := br.ReadBits(3)
	if err != nil {
		return HEVCVPSInfo{}, err
	}
	if maxLayers != 0 || maxSubLayers != 0 {
		return HEVCVPSInfo{}, errUnsupportedHEVCSet
	}
	if _, err := br.ReadBits(1); err != nil { // vps_temporal_id_nesting_flag
		return HEVCVPSInfo{}, err
	}
	if _, err := br.ReadBits(16); err != nil { // vps_reserved_0xffff_16bits
		return HEVCVPSInfo{}, err
	}

	ptl, err := parseProfileTierLevel(br)
	if err != nil {
		return HEVCVPSInfo{}, err
	}
	info := HEVCVPSInfo{
		ProfileIDC: ptl.ProfileIDC,
		TierFlag:   ptl.TierFlag,
		LevelIDC:   ptl.LevelIDC,
	}

	if _, err := br.ReadBits(1); err != nil { // vps_sub_layer_ordering_info_present_flag
		return HEVCVPSInfo{}, err
	}
	if info.MaxDecPicBufferingMin1, err = br.ReadUE(); err != nil {
		return HEVCVPSInfo{}, err
	}
	if info.MaxNumReorderPics, err = br.ReadUE(); err != nil {
		return HEVCVPSInfo{}, err
	}
	if _, err := br.ReadUE(); err != nil { // vps_max_latency_increase_plus1
		return HEVCVPSInfo{}, err
	}
	if _, err := br.ReadBits(6); err != nil { // vps_max_layer_id
		return HEVCVPSInfo{}, err
	}
	if _, err := br.ReadUE(); err != nil { // vps_num_layer_sets_minus1
		return HEVCVPSInfo{}, err
	}
	if _, err := br.ReadBits(2); err != nil { // timing_info_present, extension
		return HEVCVPSInfo{}, err
	}
	return info, nil
}

// HEVCSPSInfo holds the fields verified against a synthesised HEVC SPS:
// the coded luma size with its conformance-window offsets, and the VUI
// colour triplet.
type HEVCSPSInfo struct {
	ProfileIDC        uint
	TierFlag          uint
	LevelIDC          uint
	ChromaFormatIDC   uint
	Width             int
	Height            int
	WinRight          uint
	WinBottom         uint
	BitDepthLuma      uint
	BitDepthChroma    uint
	MaxNumReorderPics uint

	VUIPresent         bool
	ColourPrimaries    uint
	TransferCharacter  uint
	MatrixCoefficients uint
}

// ParseHEVCSPS parses an HEVC SPS NAL unit (two header bytes included,
// no start code).
func ParseHEVCSPS(nalu []byte) (HEVCSPSInfo, error) {
	if len(nalu) < 6 {
		return HEVCSPSInfo{}, errHEVCTooShort
	}

	br := bits.NewReader(removeEmulationPrevention(nalu[2:]))
	if _, err := br.ReadBits(4); err != nil { // sps_video_parameter_set_id
		return HEVCSPSInfo{}, err
	}
	maxSubLayers, err := br.ReadBits(3)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if maxSubLayers != 0 {
		return HEVCSPSInfo{}, errUnsupportedHEVCSet
	}
	if _, err := br.ReadBits(1); err != nil { // sps_temporal_id_nesting_flag
		return HEVCSPSInfo{}, err
	}

	ptl, err := parseProfileTierLevel(br)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	info := HEVCSPSInfo{
		ProfileIDC: ptl.ProfileIDC,
		TierFlag:   ptl.TierFlag,
		LevelIDC:   ptl.LevelIDC,
	}

	if _, err := br.ReadUE(); err != nil { // sps_seq_parameter_set_id
		return HEVCSPSInfo{}, err
	}
	if info.ChromaFormatIDC, err = br.ReadUE(); err != nil {
		return HEVCSPSInfo{}, err
	}
	if info.ChromaFormatIDC == 3 {
		if _, err := br.ReadBits(1); err != nil { // separate_colour_plane_flag
			return HEVCSPSInfo{}, err
		}
	}

	width, err := br.ReadUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	height, err := br.ReadUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}

	confWindow, err := br.ReadBits(1)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if confWindow == 1 {
		if _, err = br.ReadUE(); err != nil { // conf_win_left_offset
			return HEVCSPSInfo{}, err
		}
		if info.WinRight, err = br.ReadUE(); err != nil {
			return HEVCSPSInfo{}, err
		}
		if _, err = br.ReadUE(); err != nil { // conf_win_top_offset
			return HEVCSPSInfo{}, err
		}
		if info.WinBottom, err = br.ReadUE(); err != nil {
			return HEVCSPSInfo{}, err
		}
	}
	info.Width = int(width)
	info.Height = int(height)

	if info.BitDepthLuma, err = br.ReadUE(); err != nil {
		return HEVCSPSInfo{}, err
	}
	info.BitDepthLuma += 8
	if info.BitDepthChroma, err = br.ReadUE(); err != nil {
		return HEVCSPSInfo{}, err
	}
	info.BitDepthChroma += 8

	if _, err := br.ReadUE(); err != nil { // log2_max_pic_order_cnt_lsb_minus4
		return HEVCSPSInfo{}, err
	}
	if _, err := br.ReadBits(1); err != nil { // sps_sub_layer_ordering_info_present_flag
		return HEVCSPSInfo{}, err
	}
	if _, err := br.ReadUE(); err != nil { // sps_max_dec_pic_buffering_minus1
		return HEVCSPSInfo{}, err
	}
	if info.MaxNumReorderPics, err = br.ReadUE(); err != nil {
		return HEVCSPSInfo{}, err
	}
	if _, err := br.ReadUE(); err != nil { // sps_max_latency_increase_plus1
		return HEVCSPSInfo{}, err
	}

	for i := 0; i < 6; i++ { // coding block / transform block sizes, hierarchy depths
		if _, err := br.ReadUE(); err != nil {
			return HEVCSPSInfo{}, err
		}
	}

	scalingList, err := br.ReadBits(1)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if scalingList == 1 {
		present, err := br.ReadBits(1)
		if err != nil {
			return HEVCSPSInfo{}, err
		}
		if present == 1 {
			return HEVCSPSInfo{}, errUnsupportedHEVCSet
		}
	}
	if _, err := br.ReadBits(2); err != nil { // amp_enabled, sample_adaptive_offset_enabled
		return HEVCSPSInfo{}, err
	}
	pcm, err := br.ReadBits(1)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if pcm == 1 {
		if _, err := br.ReadBits(8); err != nil { // pcm bit depths
			return HEVCSPSInfo{}, err
		}
		if _, err := br.ReadUE(); err != nil {
			return HEVCSPSInfo{}, err
		}
		if _, err := br.ReadUE(); err != nil {
			return HEVCSPSInfo{}, err
		}
		if _, err := br.ReadBits(1); err != nil {
			return HEVCSPSInfo{}, err
		}
	}

	numRPS, err := br.ReadUE()
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if numRPS != 0 {
		return HEVCSPSInfo{}, errUnsupportedHEVCSet
	}
	longTerm, err := br.ReadBits(1)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if longTerm == 1 {
		n, err := br.ReadUE()
		if err != nil {
			return HEVCSPSInfo{}, err
		}
		if n != 0 {
			return HEVCSPSInfo{}, errUnsupportedHEVCSet
		}
	}
	if _, err := br.ReadBits(2); err != nil { // temporal_mvp, strong_intra_smoothing
		return HEVCSPSInfo{}, err
	}

	vui, err := br.ReadBits(1)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if vui == 0 {
		return info, nil
	}
	info.VUIPresent = true

	aspect, err := br.ReadBits(1)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if aspect == 1 {
		return HEVCSPSInfo{}, errUnsupportedHEVCSet
	}
	if _, err := br.ReadBits(1); err != nil { // overscan_info_present_flag
		return HEVCSPSInfo{}, err
	}
	signalType, err := br.ReadBits(1)
	if err != nil {
		return HEVCSPSInfo{}, err
	}
	if signalType == 1 {
		if _, err := br.ReadBits(4); err != nil { // video_format, full_range
			return HEVCSPSInfo{}, err
		}
		colourDesc, err := br.ReadBits(1)
		if err != nil {
			return HEVCSPSInfo{}, err
		}
		if colourDesc == 1 {
			if info.ColourPrimaries, err = br.ReadBits(8); err != nil {
				return HEVCSPSInfo{}, err
			}
			if info.TransferCharacter, err = br.ReadBits(8); err != nil {
				return HEVCSPSInfo{}, err
			}
			if info.MatrixCoefficients, err = br.ReadBits(8); err != nil {
				return HEVCSPSInfo{}, err
			}
		}
	}

	return info, nil
}

// HEVCPPSInfo holds the fields verified against a synthesised HEVC PPS.
type HEVCPPSInfo struct {
	CabacInitPresent       bool
	InitQPMinus26          int
	WeightedPred           bool
	TilesEnabled           bool
	DeblockingCtrlPresent  bool
	DisableDeblocking      bool
	BetaOffsetDiv2         int
	TcOffsetDiv2           int
	ListsModificationFlag  bool
	Log2ParallelMergeMin2  uint
	SliceHeaderExtPresent  bool
	SliceChromaQPOffsets   bool
	TransquantBypassFlag   bool
	EntropyCodingSyncFlag  bool
	LoopFilterAcrossSlices bool
}

// ParseHEVCPPS parses an HEVC PPS NAL unit (two header bytes included,
// no start code).
func ParseHEVCPPS(nalu []byte) (HEVCPPSInfo, error) {
	if len(nalu) < 3 {
		return HEVCPPSInfo{}, errHEVCTooShort
	}

	var info HEVCPPSInfo
	br := bits.NewReader(removeEmulationPrevention(nalu[2:]))

	readFlag := func() (bool, error) {
		v, err := br.ReadBits(1)
		return v == 1, err
	}

	if _, err := br.ReadUE(); err != nil { // pps_pic_parameter_set_id
		return HEVCPPSInfo{}, err
	}
	if _, err := br.ReadUE(); err != nil { // pps_seq_parameter_set_id
		return HEVCPPSInfo{}, err
	}
	if _, err := br.ReadBits(2); err != nil { // dependent_slice_segments, output_flag_present
		return HEVCPPSInfo{}, err
	}
	if _, err := br.ReadBits(3); err != nil { // num_extra_slice_header_bits
		return HEVCPPSInfo{}, err
	}
	if _, err := br.ReadBits(1); err != nil { // sign_data_hiding_enabled_flag
		return HEVCPPSInfo{}, err
	}
	var err error
	if info.CabacInitPresent, err = readFlag(); err != nil {
		return HEVCPPSInfo{}, err
	}
	if _, err := br.ReadUE(); err != nil { // num_ref_idx_l0_default_active_minus1
		return HEVCPPSInfo{}, err
	}
	if _, err := br.ReadUE(); err != nil { // num_ref_idx_l1_default_active_minus1
		return HEVCPPSInfo{}, err
	}
	if info.InitQPMinus26, err = br.ReadSE(); err != nil {
		return HEVCPPSInfo{}, err
	}
	if _, err := br.ReadBits(2); err != nil { // constrained_intra_pred, transform_skip
		return HEVCPPSInfo{}, err
	}
	cuQPDelta, err := readFlag()
	if err != nil {
		return HEVCPPSInfo{}, err
	}
	if cuQPDelta {
		if _, err := br.ReadUE(); err != nil { // diff_cu_qp_delta_depth
			return HEVCPPSInfo{}, err
		}
	}
	if _, err := br.ReadSE(); err != nil { // pps_cb_qp_offset
		return HEVCPPSInfo{}, err
	}
	if _, err := br.ReadSE(); err != nil { // pps_cr_qp_offset
		return HEVCPPSInfo{}, err
	}
	if info.SliceChromaQPOffsets, err = readFlag(); err != nil {
		return HEVCPPSInfo{}, err
	}
	if info.WeightedPred, err = readFlag(); err != nil {
		return HEVCPPSInfo{}, err
	}
	if _, err := br.ReadBits(1); err != nil { // weighted_bipred_flag
		return HEVCPPSInfo{}, err
	}
	if info.TransquantBypassFlag, err = readFlag(); err != nil {
		return HEVCPPSInfo{}, err
	}
	if info.TilesEnabled, err = readFlag(); err != nil {
		return HEVCPPSInfo{}, err
	}
	if info.EntropyCodingSyncFlag, err = readFlag(); err != nil {
		return HEVCPPSInfo{}, err
	}
	if info.TilesEnabled {
		cols, err := br.ReadUE()
		if err != nil {
			return HEVCPPSInfo{}, err
		}
		rows, err := br.ReadUE()
		if err != nil {
			return HEVCPPSInfo{}, err
		}
		uniform, err := readFlag()
		if err != nil {
			return HEVCPPSInfo{}, err
		}
		if !uniform {
			for i := uint(0); i < cols+rows; i++ {
				if _, err := br.ReadUE(); err != nil {
					return HEVCPPSInfo{}, err
				}
			}
		}
		if _, err := br.ReadBits(1); err != nil { // loop_filter_across_tiles_enabled_flag
			return HEVCPPSInfo{}, err
		}
	}
	if info.LoopFilterAcrossSlices, err = readFlag(); err != nil {
		return HEVCPPSInfo{}, err
	}
	if info.DeblockingCtrlPresent, err = readFlag(); err != nil {
		return HEVCPPSInfo{}, err
	}
	if info.DeblockingCtrlPresent {
		if _, err := br.ReadBits(1); err != nil { // deblocking_filter_override_enabled_flag
			return HEVCPPSInfo{}, err
		}
		if info.DisableDeblocking, err = readFlag(); err != nil {
			return HEVCPPSInfo{}, err
		}
		if !info.DisableDeblocking {
			if info.BetaOffsetDiv2, err = br.ReadSE(); err != nil {
				return HEVCPPSInfo{}, err
			}
			if info.TcOffsetDiv2, err = br.ReadSE(); err != nil {
				return HEVCPPSInfo{}, err
			}
		}
	}
	scaling, err := readFlag()
	if err != nil {
		return HEVCPPSInfo{}, err
	}
	if scaling {
		return HEVCPPSInfo{}, errUnsupportedHEVCSet
	}
	if info.ListsModificationFlag, err = readFlag(); err != nil {
		return HEVCPPSInfo{}, err
	}
	if info.Log2ParallelMergeMin2, err = br.ReadUE(); err != nil {
		return HEVCPPSInfo{}, err
	}
	if info.SliceHeaderExtPresent, err = readFlag(); err != nil {
		return HEVCPPSInfo{}, err
	}

	return info, nil
}
