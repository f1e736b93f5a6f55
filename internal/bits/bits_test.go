package bits

import (
	"bytes"
	"testing"
)

func TestWriterEmptyFinish(t *testing.T) {
	t.Parallel()
	w := NewWriter(8)
	got := w.Finish()
	if !bytes.Equal(got, []byte{0x80}) {
		t.Errorf("Finish() on fresh writer = % 02x, want 80", got)
	}
}

func TestPutUEZero(t *testing.T) {
	t.Parallel()
	// ue(0) is the single bit 1; with RBSP trailing bits that is 11000000.
	w := NewWriter(8)
	w.PutUE(0)
	got := w.Finish()
	if !bytes.Equal(got, []byte{0xC0}) {
		t.Errorf("PutUE(0)+Finish = % 02x, want c0", got)
	}
}

func TestPutBitsKnownPattern(t *testing.T) {
	t.Parallel()
	w := NewWriter(8)
	w.PutBits(0x67, 8)
	w.PutBits(1, 1)
	w.PutBits(0, 7)
	// Trailing bits are mandatory even when the payload is already
	// byte-aligned, so a stop-bit byte follows the two data bytes.
	got := w.Finish()
	if !bytes.Equal(got, []byte{0x67, 0x80, 0x80}) {
		t.Errorf("PutBits+Finish = % 02x, want 67 80 80", got)
	}
}

func TestFinishAlignedPayload(t *testing.T) {
	t.Parallel()
	w := NewWriter(8)
	w.PutBits(0x42, 8)
	got := w.Finish()
	if !bytes.Equal(got, []byte{0x42, 0x80}) {
		t.Errorf("aligned payload = % 02x, want 42 80", got)
	}
}

func TestUERoundTrip(t *testing.T) {
	t.Parallel()
	vals := []uint32{0, 1, 2, 3, 4, 7, 8, 100, 255, 256, 65535, 1 << 20, 1<<31 - 2}
	for _, v := range vals {
		w := NewWriter(16)
		w.PutUE(v)
		r := NewReader(w.Finish())
		got, err := r.ReadUE()
		if err != nil {
			t.Fatalf("ReadUE after PutUE(%d): %v", v, err)
		}
		if uint32(got) != v {
			t.Errorf("ue round trip: got %d, want %d", got, v)
		}
	}
}

func TestSERoundTrip(t *testing.T) {
	t.Parallel()
	vals := []int32{0, 1, -1, 2, -2, 12, -26, 127, -128, 1 << 29, -(1 << 30), 1 << 30}
	for _, v := range vals {
		w := NewWriter(16)
		w.PutSE(v)
		r := NewReader(w.Finish())
		got, err := r.ReadSE()
		if err != nil {
			t.Fatalf("ReadSE after PutSE(%d): %v", v, err)
		}
		if int32(got) != v {
			t.Errorf("se round trip: got %d, want %d", got, v)
		}
	}
}

func TestWriterCapacityAbsorbs(t *testing.T) {
	t.Parallel()
	w := NewWriter(2)
	for i := 0; i < 64; i++ {
		w.PutBits(0xFF, 8)
	}
	got := w.Finish()
	if len(got) != 2 {
		t.Errorf("overfull writer produced %d bytes, want 2", len(got))
	}
}

func TestReaderOutOfBits(t *testing.T) {
	t.Parallel()
	r := NewReader([]byte{0x00})
	if _, err := r.ReadBits(9); err != ErrOutOfBits {
		t.Errorf("ReadBits(9) over 1 byte: err = %v, want ErrOutOfBits", err)
	}
}

func FuzzUERoundTrip(f *testing.F) {
	f.Add(uint32(0))
	f.Add(uint32(255))
	f.Add(uint32(1<<31 - 2))
	f.Fuzz(func(t *testing.T, v uint32) {
		if v > 1<<31-2 {
			return
		}
		w := NewWriter(16)
		w.PutUE(v)
		got, err := NewReader(w.Finish()).ReadUE()
		if err != nil {
			t.Fatalf("ReadUE(%d): %v", v, err)
		}
		if uint32(got) != v {
			t.Fatalf("round trip %d -> %d", v, got)
		}
	})
}

func BenchmarkPutUE(b *testing.B) {
	for i := 0; i < b.N; i++ {
		w := NewWriter(64)
		for v := uint32(0); v < 32; v++ {
			w.PutUE(v)
		}
		w.Finish()
	}
}
