package codec

import (
	"bytes"
	"testing"

	"github.com/zsiec/vabridge/internal/nal"
)

// uhdPic is a 3840x2160 10-bit Main10 picture with 64-pixel CTBs.
func uhdPic() *PictureParametersHEVC {
	return &PictureParametersHEVC{
		PicWidthInLumaSamples:             3840,
		PicHeightInLumaSamples:            2160,
		BitDepthLumaMinus8:                2,
		BitDepthChromaMinus8:              2,
		ChromaFormatIDC:                   1,
		Log2MinLumaCodingBlockSizeMinus3:  0,
		Log2DiffMaxMinLumaCodingBlockSize: 3,
		Log2MinTransformBlockSizeMinus2:   0,
		Log2DiffMaxMinTransformBlockSize:  3,
		Log2MaxPicOrderCntLsbMinus4:       4,
		SpsMaxDecPicBufferingMinus1:       5,
		SampleAdaptiveOffsetEnabled:       true,
		AmpEnabled:                        true,
		TemporalMvpEnabled:                true,
	}
}

// hdPic is a 1920x1080 8-bit Main picture; 1080 is not CTB-aligned, so a
// conformance window is required.
func hdPic() *PictureParametersHEVC {
	p := uhdPic()
	p.PicWidthInLumaSamples = 1920
	p.PicHeightInLumaSamples = 1080
	p.BitDepthLumaMinus8 = 0
	p.BitDepthChromaMinus8 = 0
	return p
}

func TestHEVCLevelAndTier(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		width, height uint16
		wantLevel     int
		wantTier      int
	}{
		{"cif", 352, 288, 60, 0},
		{"sd", 720, 576, 90, 0},
		{"720p", 1280, 720, 93, 0},
		{"1080p", 1920, 1080, 120, 0},
		{"4k", 3840, 2160, 150, 1},
		{"8k", 7680, 4320, 180, 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pic := &PictureParametersHEVC{
				PicWidthInLumaSamples:  tt.width,
				PicHeightInLumaSamples: tt.height,
			}
			level := hevcCalcLevel(pic)
			if level != tt.wantLevel {
				t.Errorf("level_idc = %d, want %d", level, tt.wantLevel)
			}
			if tier := hevcCalcTier(pic, level); tier != tt.wantTier {
				t.Errorf("tier = %d, want %d", tier, tt.wantTier)
			}
		})
	}
}

func TestHEVCMain10HDRHeaders(t *testing.T) {
	t.Parallel()
	c := NewHEVC()
	if err := c.HandlePictureParams(uhdPic()); err != nil {
		t.Fatal(err)
	}

	vpsInfo, err := nal.ParseHEVCVPS(c.vps)
	if err != nil {
		t.Fatalf("ParseHEVCVPS: %v", err)
	}
	if vpsInfo.ProfileIDC != 2 {
		t.Errorf("VPS profile_idc = %d, want 2 (Main10)", vpsInfo.ProfileIDC)
	}
	if vpsInfo.TierFlag != 1 {
		t.Errorf("VPS tier = %d, want High", vpsInfo.TierFlag)
	}
	if vpsInfo.LevelIDC != 150 {
		t.Errorf("VPS level_idc = %d, want 150", vpsInfo.LevelIDC)
	}
	if vpsInfo.MaxNumReorderPics != 0 {
		t.Errorf("vps_max_num_reorder_pics = %d, want 0", vpsInfo.MaxNumReorderPics)
	}
	if vpsInfo.MaxDecPicBufferingMin1 != 5 {
		t.Errorf("vps_max_dec_pic_buffering_minus1 = %d, want 5", vpsInfo.MaxDecPicBufferingMin1)
	}

	spsInfo, err := nal.ParseHEVCSPS(c.sps)
	if err != nil {
		t.Fatalf("ParseHEVCSPS: %v", err)
	}
	if spsInfo.Width != 3840 || spsInfo.Height != 2160 {
		t.Errorf("coded size = %dx%d, want 3840x2160", spsInfo.Width, spsInfo.Height)
	}
	// 2160 is not 64-aligned: the window crops the 2176-aligned height.
	if spsInfo.WinBottom != 8 {
		t.Errorf("conf_win_bottom_offset = %d, want 8", spsInfo.WinBottom)
	}
	if spsInfo.BitDepthLuma != 10 {
		t.Errorf("bit depth = %d, want 10", spsInfo.BitDepthLuma)
	}
	if !spsInfo.VUIPresent {
		t.Fatal("VUI missing")
	}
	if spsInfo.ColourPrimaries != 9 || spsInfo.TransferCharacter != 16 || spsInfo.MatrixCoefficients != 9 {
		t.Errorf("colour description = %d/%d/%d, want 9/16/9 (BT.2020/PQ)",
			spsInfo.ColourPrimaries, spsInfo.TransferCharacter, spsInfo.MatrixCoefficients)
	}
	if spsInfo.MaxNumReorderPics != 0 {
		t.Errorf("sps_max_num_reorder_pics = %d, want 0", spsInfo.MaxNumReorderPics)
	}

	if _, err := nal.ParseHEVCPPS(c.pps); err != nil {
		t.Fatalf("ParseHEVCPPS: %v", err)
	}
}

func TestHEVCSDRConformanceWindow(t *testing.T) {
	t.Parallel()
	c := NewHEVC()
	if err := c.HandlePictureParams(hdPic()); err != nil {
		t.Fatal(err)
	}

	spsInfo, err := nal.ParseHEVCSPS(c.sps)
	if err != nil {
		t.Fatalf("ParseHEVCSPS: %v", err)
	}
	if spsInfo.ProfileIDC != 1 {
		t.Errorf("profile_idc = %d, want 1 (Main)", spsInfo.ProfileIDC)
	}
	if spsInfo.Width != 1920 || spsInfo.Height != 1080 {
		t.Errorf("coded size = %dx%d, want 1920x1080", spsInfo.Width, spsInfo.Height)
	}
	if spsInfo.WinBottom != 4 {
		t.Errorf("conf_win_bottom_offset = %d, want 4 (1088-aligned)", spsInfo.WinBottom)
	}
	if spsInfo.WinRight != 0 {
		t.Errorf("conf_win_right_offset = %d, want 0", spsInfo.WinRight)
	}
	if spsInfo.ColourPrimaries != 1 || spsInfo.TransferCharacter != 1 || spsInfo.MatrixCoefficients != 1 {
		t.Errorf("colour description = %d/%d/%d, want BT.709", spsInfo.ColourPrimaries, spsInfo.TransferCharacter, spsInfo.MatrixCoefficients)
	}
}

func TestHEVCRedundantHeaderScrub(t *testing.T) {
	t.Parallel()
	c := NewHEVC()
	if err := c.HandlePictureParams(uhdPic()); err != nil {
		t.Fatal(err)
	}

	inbandVPS := []byte{0x40, 0x01, 0xAA}
	inbandSPS := []byte{0x42, 0x01, 0xBB}
	inbandPPS := []byte{0x44, 0x01, 0xCC}
	idr := []byte{0x26, 0x01, 0xAF, 0x0D}

	var data []byte
	var slices []SliceParameter
	for _, u := range [][]byte{inbandVPS, inbandSPS, inbandPPS, idr} {
		slices = append(slices, SliceParameter{
			DataOffset: uint32(len(data)),
			DataSize:   uint32(len(u)),
		})
		data = append(data, u...)
	}

	var bs Bitstream
	c.HandleSliceData(&bs, slices, data)

	units := nal.Split(bs.Bytes())
	if len(units) != 4 {
		t.Fatalf("got %d units, want synthesised VPS+SPS+PPS then IDR", len(units))
	}
	if !bytes.Equal(units[0], c.vps) || !bytes.Equal(units[1], c.sps) || !bytes.Equal(units[2], c.pps) {
		t.Error("leading units are not the synthesised parameter sets")
	}
	for _, u := range units[:3] {
		for _, inband := range [][]byte{inbandVPS, inbandSPS, inbandPPS} {
			if bytes.Equal(u, inband) {
				t.Errorf("in-band parameter set survived: % 02x", u)
			}
		}
	}
	if !bytes.Equal(units[3], idr) {
		t.Errorf("IDR payload altered: % 02x", units[3])
	}

	// A CRA in the same session must not re-emit the sets.
	cra := []byte{0x2A, 0x01, 0x11}
	var bs2 Bitstream
	c.HandleSliceData(&bs2, []SliceParameter{{DataSize: uint32(len(cra))}}, cra)
	if n := len(nal.Split(bs2.Bytes())); n != 1 {
		t.Errorf("CRA after params sent produced %d units, want 1", n)
	}
}

func TestHEVCCacheKeyChange(t *testing.T) {
	t.Parallel()
	c := NewHEVC()
	if err := c.HandlePictureParams(uhdPic()); err != nil {
		t.Fatal(err)
	}

	idr := []byte{0x26, 0x01, 0xAF}
	var bs Bitstream
	c.HandleSliceData(&bs, []SliceParameter{{DataSize: 3}}, idr)
	if n := len(nal.Split(bs.Bytes())); n != 4 {
		t.Fatalf("first IDR produced %d units, want 4", n)
	}

	// Same key: no regeneration, no re-emission.
	if err := c.HandlePictureParams(uhdPic()); err != nil {
		t.Fatal(err)
	}
	bs.Reset()
	c.HandleSliceData(&bs, []SliceParameter{{DataSize: 3}}, idr)
	if n := len(nal.Split(bs.Bytes())); n != 1 {
		t.Errorf("unchanged key re-emitted parameter sets: %d units", n)
	}

	// Resolution change regenerates and re-arms.
	small := uhdPic()
	small.PicWidthInLumaSamples = 1280
	small.PicHeightInLumaSamples = 720
	if err := c.HandlePictureParams(small); err != nil {
		t.Fatal(err)
	}
	bs.Reset()
	c.HandleSliceData(&bs, []SliceParameter{{DataSize: 3}}, idr)
	if n := len(nal.Split(bs.Bytes())); n != 4 {
		t.Errorf("resolution change produced %d units, want fresh sets + IDR", n)
	}

	spsInfo, err := nal.ParseHEVCSPS(c.sps)
	if err != nil {
		t.Fatalf("ParseHEVCSPS after change: %v", err)
	}
	if spsInfo.Width != 1280 || spsInfo.Height != 720 {
		t.Errorf("regenerated size = %dx%d, want 1280x720", spsInfo.Width, spsInfo.Height)
	}
}

func TestHEVCPPSDeblockingControl(t *testing.T) {
	t.Parallel()
	pic := uhdPic()
	pic.DeblockingFilterOverrideEnabled = true
	pic.PpsBetaOffsetDiv2 = 2
	pic.PpsTcOffsetDiv2 = -2

	info, err := nal.ParseHEVCPPS(hevcGeneratePPS(pic))
	if err != nil {
		t.Fatalf("ParseHEVCPPS: %v", err)
	}
	if !info.DeblockingCtrlPresent {
		t.Fatal("deblocking_filter_control_present_flag not set")
	}
	if info.DisableDeblocking {
		t.Fatal("deblocking unexpectedly disabled")
	}
	if info.BetaOffsetDiv2 != 2 || info.TcOffsetDiv2 != -2 {
		t.Errorf("offsets = %d/%d, want 2/-2", info.BetaOffsetDiv2, info.TcOffsetDiv2)
	}
}

func TestPassthroughCodecs(t *testing.T) {
	t.Parallel()
	frame := []byte{0x9D, 0x01, 0x2A, 0x80, 0x02, 0xE0, 0x01}

	for _, c := range []Codec{NewVP8(), NewVP9(), NewAV1()} {
		var bs Bitstream
		c.HandleSliceData(&bs, []SliceParameter{{DataSize: uint32(len(frame))}}, frame)
		if !bytes.Equal(bs.Bytes(), frame) {
			t.Errorf("%s: frame data altered: % 02x", c.Name(), bs.Bytes())
		}
		c.PrepareBitstream(&bs)
		if !bytes.Equal(bs.Bytes(), frame) {
			t.Errorf("%s: PrepareBitstream modified data", c.Name())
		}
	}
}
