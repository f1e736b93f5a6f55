//go:build linux

package v4l2

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// decoderPaths are tried in order during discovery.
var decoderPaths = []string{"/dev/video0", "/dev/video-dec0"}

// Device is an open V4L2 memory-to-memory decoder node.
type Device struct {
	fd   int
	path string
	log  *slog.Logger
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return ErrAgain
		case unix.ENOENT:
			return ErrAgain
		default:
			return errno
		}
	}
}

// Open tries the known decoder nodes and returns the first that reports
// M2M capability. If log is nil, slog.Default() is used.
func Open(log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "v4l2")

	for _, path := range decoderPaths {
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
		if err != nil {
			continue
		}

		var caps Capability
		if err := ioctl(fd, VidiocQueryCap, unsafe.Pointer(&caps)); err != nil {
			unix.Close(fd)
			continue
		}
		if caps.Capabilities&CapVideoM2MMPlane == 0 && caps.Capabilities&CapVideoM2M == 0 {
			unix.Close(fd)
			continue
		}

		card := string(caps.Card[:])
		for i, b := range caps.Card {
			if b == 0 {
				card = string(caps.Card[:i])
				break
			}
		}
		log.Info("opened decoder device", "path", path, "card", card)
		return &Device{fd: fd, path: path, log: log}, nil
	}

	return nil, ErrNoDevice
}

// Path returns the device node path.
func (d *Device) Path() string {
	return d.path
}

// Close closes the device node.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// Formats enumerates the pixel formats supported on the given queue.
func (d *Device) Formats(bufType uint32) ([]uint32, error) {
	var formats []uint32
	for index := uint32(0); ; index++ {
		desc := FmtDesc{Index: index, Type: bufType}
		if err := ioctl(d.fd, VidiocEnumFmt, unsafe.Pointer(&desc)); err != nil {
			break
		}
		formats = append(formats, desc.PixelFormat)
	}
	return formats, nil
}

// GetFormat queries the current format on the given queue.
func (d *Device) GetFormat(bufType uint32) (*Format, error) {
	f := &Format{Type: bufType}
	if err := ioctl(d.fd, VidiocGetFmt, unsafe.Pointer(f)); err != nil {
		return nil, fmt.Errorf("get format: %w", err)
	}
	return f, nil
}

// SetFormat sets the format on the queue named by f.Type.
func (d *Device) SetFormat(f *Format) error {
	if err := ioctl(d.fd, VidiocSetFmt, unsafe.Pointer(f)); err != nil {
		return fmt.Errorf("set format %s: %w", FourCCString(f.PixMP.PixelFormat), err)
	}
	return nil
}

// RequestBuffers asks the kernel to allocate count MMAP buffers on the
// queue and returns the granted count.
func (d *Device) RequestBuffers(bufType uint32, count uint32) (uint32, error) {
	req := RequestBuffers{Count: count, Type: bufType, Memory: MemoryMMAP}
	if err := ioctl(d.fd, VidiocReqBufs, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("request buffers: %w", err)
	}
	return req.Count, nil
}

// QueryBuffer returns the plane lengths and mmap offsets for a buffer.
func (d *Device) QueryBuffer(bufType uint32, index uint32, numPlanes int) ([]PlaneInfo, error) {
	planes := make([]Plane, numPlanes)
	buf := Buffer{
		Index:  index,
		Type:   bufType,
		Memory: MemoryMMAP,
		M:      uint64(uintptr(unsafe.Pointer(&planes[0]))),
		Length: uint32(numPlanes),
	}
	if err := ioctl(d.fd, VidiocQueryBuf, unsafe.Pointer(&buf)); err != nil {
		return nil, fmt.Errorf("query buffer %d: %w", index, err)
	}
	info := make([]PlaneInfo, numPlanes)
	for i := range planes {
		info[i] = PlaneInfo{Length: planes[i].Length, MemOffset: uint32(planes[i].M)}
	}
	return info, nil
}

// Mmap maps length bytes of the device at the given mem offset.
func (d *Device) Mmap(offset uint32, length uint32) ([]byte, error) {
	data, err := unix.Mmap(d.fd, int64(offset), int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap offset %#x len %d: %w", offset, length, err)
	}
	return data, nil
}

// Munmap releases a mapping created by Mmap.
func (d *Device) Munmap(data []byte) error {
	return unix.Munmap(data)
}

// Queue hands a buffer to the kernel. bytesUsed applies to plane 0 and is
// ignored for capture buffers.
func (d *Device) Queue(bufType uint32, index uint32, numPlanes int, bytesUsed uint32) error {
	planes := make([]Plane, numPlanes)
	planes[0].BytesUsed = bytesUsed
	buf := Buffer{
		Index:  index,
		Type:   bufType,
		Memory: MemoryMMAP,
		M:      uint64(uintptr(unsafe.Pointer(&planes[0]))),
		Length: uint32(numPlanes),
	}
	if err := ioctl(d.fd, VidiocQBuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("queue buffer %d: %w", index, err)
	}
	return nil
}

// Dequeue retrieves a completed buffer from the queue. Returns ErrAgain
// when none is ready.
func (d *Device) Dequeue(bufType uint32, numPlanes int) (uint32, error) {
	planes := make([]Plane, numPlanes)
	buf := Buffer{
		Type:   bufType,
		Memory: MemoryMMAP,
		M:      uint64(uintptr(unsafe.Pointer(&planes[0]))),
		Length: uint32(numPlanes),
	}
	if err := ioctl(d.fd, VidiocDQBuf, unsafe.Pointer(&buf)); err != nil {
		return 0, err
	}
	return buf.Index, nil
}

// StreamOn starts streaming on the queue.
func (d *Device) StreamOn(bufType uint32) error {
	t := int32(bufType)
	if err := ioctl(d.fd, VidiocStreamOn, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("stream on type %d: %w", bufType, err)
	}
	return nil
}

// StreamOff stops streaming on the queue, releasing all queued buffers.
func (d *Device) StreamOff(bufType uint32) error {
	t := int32(bufType)
	if err := ioctl(d.fd, VidiocStreamOff, unsafe.Pointer(&t)); err != nil {
		return fmt.Errorf("stream off type %d: %w", bufType, err)
	}
	return nil
}

// SubscribeEvent subscribes to the given event type.
func (d *Device) SubscribeEvent(eventType uint32) error {
	sub := EventSubscription{Type: eventType}
	if err := ioctl(d.fd, VidiocSubscribeEvent, unsafe.Pointer(&sub)); err != nil {
		return fmt.Errorf("subscribe event %d: %w", eventType, err)
	}
	return nil
}

// DequeueEvent drains one pending event. Returns ErrAgain when the event
// queue is empty.
func (d *Device) DequeueEvent() (uint32, error) {
	var ev Event
	if err := ioctl(d.fd, VidiocDQEvent, unsafe.Pointer(&ev)); err != nil {
		return 0, err
	}
	return ev.Type, nil
}

// ExportDMABuf exports one plane of a buffer as a read-only DMABUF file
// descriptor.
func (d *Device) ExportDMABuf(bufType uint32, index, plane uint32) (int, error) {
	exp := ExportBuffer{
		Type:  bufType,
		Index: index,
		Plane: plane,
		Flags: unix.O_RDONLY | unix.O_CLOEXEC,
	}
	if err := ioctl(d.fd, VidiocExpBuf, unsafe.Pointer(&exp)); err != nil {
		return -1, fmt.Errorf("export buffer %d plane %d: %w", index, plane, err)
	}
	return int(exp.FD), nil
}

// CloseExport closes a descriptor returned by ExportDMABuf.
func (d *Device) CloseExport(fd int) error {
	return unix.Close(fd)
}
