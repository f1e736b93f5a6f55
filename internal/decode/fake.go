package decode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zsiec/vabridge/internal/v4l2"
)

// FakeDevice is a scripted in-memory stateful decoder implementing Device.
// It consumes input buffers, raises a source-change event after the first
// enqueue, and fills decoded frames with a monotonically increasing
// sequence number so ordering can be asserted end to end. Tests (and the
// CLI's dry-run mode) use it in place of a kernel node.
type FakeDevice struct {
	mu sync.Mutex

	// EnumeratedFormats is what Formats returns for the input queue.
	EnumeratedFormats []uint32
	// FailGetFormat forces the output-format query to fail so callers
	// exercise their explicit-format fallback.
	FailGetFormat bool
	// AutoComplete releases every queued input immediately. When false,
	// inputs stay kernel-owned until ReleaseInputs is called.
	AutoComplete bool

	inputFormat  v4l2.PixFormatMPlane
	outputFormat v4l2.PixFormatMPlane

	inputCount  uint32
	outputCount uint32

	pendingInputs  []uint32 // queued, not yet consumed
	releasable     int      // manual-mode completion budget
	doneInputs     []uint32 // consumed, waiting for dequeue
	queuedOutputs  []uint32 // capture buffers owned by the device
	decodedOutputs []uint32 // decoded frames waiting for dequeue

	dpb int // consumed inputs not yet bound to an output buffer

	streamingInput  bool
	streamingOutput bool

	events   []uint32
	sequence byte

	backing   map[uint32][]byte
	mmapCount int
	exports   map[int]bool
	nextFD    int
	closed    bool
}

// NewFakeDevice returns a fake decoder advertising the given compressed
// formats on its input queue.
func NewFakeDevice(formats ...uint32) *FakeDevice {
	if len(formats) == 0 {
		formats = []uint32{v4l2.PixFmtH264, v4l2.PixFmtHEVC, v4l2.PixFmtVP8, v4l2.PixFmtVP9}
	}
	return &FakeDevice{
		EnumeratedFormats: formats,
		AutoComplete:      true,
		backing:           make(map[uint32][]byte),
		exports:           make(map[int]bool),
		nextFD:            1000,
	}
}

var errFakeClosed = errors.New("decode: fake device closed")

// pump advances the decode pipeline: consume releasable inputs, then bind
// decoded frames to queued output buffers.
func (d *FakeDevice) pump() {
	for len(d.pendingInputs) > 0 && (d.AutoComplete || d.releasable > 0) {
		d.doneInputs = append(d.doneInputs, d.pendingInputs[0])
		d.pendingInputs = d.pendingInputs[1:]
		d.dpb++
		if !d.AutoComplete {
			d.releasable--
		}
	}
	for d.dpb > 0 && d.streamingOutput && len(d.queuedOutputs) > 0 {
		out := d.queuedOutputs[0]
		d.queuedOutputs = d.queuedOutputs[1:]
		d.dpb--

		// Stamp the frame so consumers can observe decode order.
		off := d.planeOffset(v4l2.BufTypeCaptureMPlane, out, 0)
		plane, ok := d.backing[off]
		if !ok {
			plane = make([]byte, d.planeSize(v4l2.BufTypeCaptureMPlane, 0))
			d.backing[off] = plane
		}
		if len(plane) > 0 {
			d.sequence++
			plane[0] = d.sequence
		}
		d.decodedOutputs = append(d.decodedOutputs, out)
	}
}

// ReleaseInputs lets n held inputs complete in manual mode.
func (d *FakeDevice) ReleaseInputs(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releasable += n
	d.pump()
}

// QueuedOutputCount returns how many capture buffers the device owns.
func (d *FakeDevice) QueuedOutputCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queuedOutputs)
}

// MappedCount returns the number of live mmap regions.
func (d *FakeDevice) MappedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mmapCount
}

// OpenExportCount returns the number of live exported descriptors.
func (d *FakeDevice) OpenExportCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, open := range d.exports {
		if open {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (d *FakeDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// InputPayload returns the bytes most recently written into an input
// buffer, up to the queued length.
func (d *FakeDevice) InputPayload(index uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backing[d.planeOffset(v4l2.BufTypeOutputMPlane, index, 0)]
}

func (d *FakeDevice) planeOffset(bufType, index, plane uint32) uint32 {
	return bufType<<24 | index<<8 | plane
}

func (d *FakeDevice) planeSize(bufType, plane uint32) uint32 {
	if bufType == v4l2.BufTypeOutputMPlane {
		return d.inputFormat.PlaneFmt[0].SizeImage
	}
	size := d.outputFormat.Width * d.outputFormat.Height
	if plane == 1 {
		size /= 2
	}
	return size
}

func (d *FakeDevice) Formats(bufType uint32) ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bufType == v4l2.BufTypeOutputMPlane {
		return d.EnumeratedFormats, nil
	}
	return []uint32{v4l2.PixFmtNV12}, nil
}

func (d *FakeDevice) GetFormat(bufType uint32) (*v4l2.Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bufType == v4l2.BufTypeCaptureMPlane {
		if d.FailGetFormat {
			return nil, errors.New("decode: fake output format not negotiated")
		}
		// Negotiate NV12 at the input resolution.
		d.outputFormat = v4l2.PixFormatMPlane{
			Width:       d.inputFormat.Width,
			Height:      d.inputFormat.Height,
			PixelFormat: v4l2.PixFmtNV12,
			NumPlanes:   2,
		}
		f := &v4l2.Format{Type: bufType}
		f.PixMP = d.outputFormat
		return f, nil
	}
	f := &v4l2.Format{Type: bufType}
	f.PixMP = d.inputFormat
	return f, nil
}

func (d *FakeDevice) SetFormat(f *v4l2.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f.Type == v4l2.BufTypeOutputMPlane {
		d.inputFormat = f.PixMP
	} else {
		d.outputFormat = f.PixMP
		if d.outputFormat.PixelFormat == v4l2.PixFmtYUV420 {
			d.outputFormat.NumPlanes = 2
		}
	}
	return nil
}

func (d *FakeDevice) RequestBuffers(bufType uint32, count uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bufType == v4l2.BufTypeOutputMPlane {
		d.inputCount = count
	} else {
		d.outputCount = count
	}
	return count, nil
}

func (d *FakeDevice) QueryBuffer(bufType uint32, index uint32, numPlanes int) ([]v4l2.PlaneInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info := make([]v4l2.PlaneInfo, numPlanes)
	for p := 0; p < numPlanes; p++ {
		info[p] = v4l2.PlaneInfo{
			Length:    d.planeSize(bufType, uint32(p)),
			MemOffset: d.planeOffset(bufType, index, uint32(p)),
		}
	}
	return info, nil
}

func (d *FakeDevice) Mmap(offset uint32, length uint32) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errFakeClosed
	}
	data, ok := d.backing[offset]
	if !ok || uint32(len(data)) != length {
		data = make([]byte, length)
		d.backing[offset] = data
	}
	d.mmapCount++
	return data, nil
}

func (d *FakeDevice) Munmap(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mmapCount--
	return nil
}

func (d *FakeDevice) Queue(bufType uint32, index uint32, numPlanes int, bytesUsed uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errFakeClosed
	}
	if bufType == v4l2.BufTypeOutputMPlane {
		if index >= d.inputCount {
			return fmt.Errorf("decode: fake input index %d out of range", index)
		}
		d.pendingInputs = append(d.pendingInputs, index)
		if len(d.events) == 0 && d.sequence == 0 {
			d.events = append(d.events, v4l2.EventSourceChange)
		}
	} else {
		if index >= d.outputCount {
			return fmt.Errorf("decode: fake output index %d out of range", index)
		}
		d.queuedOutputs = append(d.queuedOutputs, index)
	}
	d.pump()
	return nil
}

func (d *FakeDevice) Dequeue(bufType uint32, numPlanes int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pump()
	if bufType == v4l2.BufTypeOutputMPlane {
		if len(d.doneInputs) == 0 {
			return 0, v4l2.ErrAgain
		}
		index := d.doneInputs[0]
		d.doneInputs = d.doneInputs[1:]
		return index, nil
	}
	if len(d.decodedOutputs) == 0 {
		return 0, v4l2.ErrAgain
	}
	index := d.decodedOutputs[0]
	d.decodedOutputs = d.decodedOutputs[1:]
	return index, nil
}

func (d *FakeDevice) StreamOn(bufType uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bufType == v4l2.BufTypeOutputMPlane {
		d.streamingInput = true
	} else {
		d.streamingOutput = true
	}
	d.pump()
	return nil
}

func (d *FakeDevice) StreamOff(bufType uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if bufType == v4l2.BufTypeOutputMPlane {
		d.streamingInput = false
		d.pendingInputs = nil
		d.doneInputs = nil
	} else {
		d.streamingOutput = false
		d.queuedOutputs = nil
		d.decodedOutputs = nil
	}
	return nil
}

func (d *FakeDevice) SubscribeEvent(eventType uint32) error {
	return nil
}

func (d *FakeDevice) DequeueEvent() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) == 0 {
		return 0, v4l2.ErrAgain
	}
	ev := d.events[0]
	d.events = d.events[1:]
	return ev, nil
}

func (d *FakeDevice) ExportDMABuf(bufType uint32, index, plane uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fd := d.nextFD
	d.nextFD++
	d.exports[fd] = true
	return fd, nil
}

func (d *FakeDevice) CloseExport(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.exports[fd] {
		return fmt.Errorf("decode: fake export fd %d not open", fd)
	}
	d.exports[fd] = false
	return nil
}

func (d *FakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
