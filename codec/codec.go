// Package codec reconstructs codec-compliant Annex-B bitstreams from parsed
// decode parameters. V4L2 stateful decoders parse the bitstream themselves,
// so each codec variant turns the parameter structs a decode API hands over
// back into header NAL units (SPS/PPS for H.264, VPS/SPS/PPS for HEVC) and
// assembles start-code-delimited slice data around them. VP8/VP9 frames pass
// through untouched.
package codec

// SliceParameter describes one slice payload within a slice-data buffer.
// Only the location fields are meaningful to a stateful decoder; everything
// else the parser extracted is re-derived by the hardware.
type SliceParameter struct {
	DataSize   uint32
	DataOffset uint32
}

// Codec is one decode variant. HandleSliceData appends the slice payloads
// for the current picture to the assembly bitstream; PrepareBitstream runs
// once per picture before submission for any final fixup.
//
// Variants that synthesise headers additionally implement
// PictureParameterHandler.
type Codec interface {
	Name() string
	PixelFormat() uint32
	HandleSliceData(bs *Bitstream, slices []SliceParameter, data []byte)
	PrepareBitstream(bs *Bitstream)
}

// PictureParameterHandler is implemented by codecs that rebuild header NAL
// units from parsed picture parameters. Params is the codec's parameter
// struct (e.g. *PictureParametersH264).
type PictureParameterHandler interface {
	HandlePictureParams(params any) error
}

// slicePayload bounds-checks a slice parameter against the data buffer and
// returns the referenced bytes, or nil when out of range.
func slicePayload(sp SliceParameter, data []byte) []byte {
	off, size := int64(sp.DataOffset), int64(sp.DataSize)
	if size == 0 || off+size > int64(len(data)) {
		return nil
	}
	return data[off : off+size]
}
