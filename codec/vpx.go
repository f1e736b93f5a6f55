package codec

import "github.com/zsiec/vabridge/internal/v4l2"

// passthrough covers codecs whose frames are submitted verbatim: no NAL
// framing, no start codes, no synthesised headers. The hardware consumes
// the raw frame (or superframe) data directly.
type passthrough struct {
	name   string
	pixFmt uint32
}

func (c *passthrough) Name() string {
	return c.name
}

func (c *passthrough) PixelFormat() uint32 {
	return c.pixFmt
}

func (c *passthrough) HandleSliceData(bs *Bitstream, slices []SliceParameter, data []byte) {
	for _, sp := range slices {
		payload := slicePayload(sp, data)
		if payload == nil {
			continue
		}
		bs.AppendRaw(payload)
	}
}

func (c *passthrough) PrepareBitstream(bs *Bitstream) {}

// NewVP8 returns the VP8 codec variant. Frames arrive as raw VP8 data,
// typically one per picture.
func NewVP8() Codec {
	return &passthrough{name: "VP8", pixFmt: v4l2.PixFmtVP8}
}

// NewVP9 returns the VP9 codec variant. Superframes may carry multiple
// frames; they pass through unmodified.
func NewVP9() Codec {
	return &passthrough{name: "VP9", pixFmt: v4l2.PixFmtVP9}
}

// NewAV1 returns the AV1 passthrough variant. No OBU-level synthesis is
// performed; parsed payloads are forwarded as delivered.
func NewAV1() Codec {
	return &passthrough{name: "AV1", pixFmt: v4l2.PixFmtAV1}
}
