package codec

import "github.com/zsiec/vabridge/internal/nal"

// Bitstream accumulates the Annex-B data for one picture before it is
// copied into a kernel input buffer. It grows as needed and is reset
// between pictures.
type Bitstream struct {
	buf []byte
}

// AppendNAL appends a three-byte start code followed by the NAL payload.
func (b *Bitstream) AppendNAL(data []byte) {
	b.buf = append(b.buf, nal.StartCode...)
	b.buf = append(b.buf, data...)
}

// AppendRaw appends data verbatim, without a start code.
func (b *Bitstream) AppendRaw(data []byte) {
	b.buf = append(b.buf, data...)
}

// Reset empties the buffer, keeping its capacity for the next picture.
func (b *Bitstream) Reset() {
	b.buf = b.buf[:0]
}

// Bytes returns the assembled bitstream.
func (b *Bitstream) Bytes() []byte {
	return b.buf
}

// Len returns the assembled length in bytes.
func (b *Bitstream) Len() int {
	return len(b.buf)
}
