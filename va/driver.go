// Package va exposes the decode driver's consumer-facing API: configs,
// surfaces, contexts (decode sessions), typed buffers, picture submission,
// synchronisation, image readback, and DMABUF export. It is the Go
// rendition of a VA-style driver backed by a V4L2 stateful decoder.
package va

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/vabridge/codec"
	"github.com/zsiec/vabridge/internal/decode"
	"github.com/zsiec/vabridge/internal/v4l2"
)

// codecFactories binds advertised profiles to codec constructors. A config
// instantiates a fresh codec per context, since header caches are
// per-session state.
var codecFactories = []struct {
	profiles []Profile
	newCodec func() codec.Codec
}{
	{[]Profile{ProfileH264ConstrainedBaseline, ProfileH264Main, ProfileH264High}, func() codec.Codec { return codec.NewH264() }},
	{[]Profile{ProfileHEVCMain, ProfileHEVCMain10}, func() codec.Codec { return codec.NewHEVC() }},
	{[]Profile{ProfileVP8Version03}, codec.NewVP8},
	{[]Profile{ProfileVP9Profile0, ProfileVP9Profile2}, codec.NewVP9},
	{[]Profile{ProfileAV1Profile0}, codec.NewAV1},
}

func factoryForProfile(p Profile) func() codec.Codec {
	for _, f := range codecFactories {
		for _, fp := range f.profiles {
			if fp == p {
				return f.newCodec
			}
		}
	}
	return nil
}

// profilesForPixelFormat maps an enumerated compressed format back to the
// profiles it implies, building the advertised profile list.
func profilesForPixelFormat(pixFmt uint32) []Profile {
	switch pixFmt {
	case v4l2.PixFmtH264, v4l2.FourCC('S', '2', '6', '4'):
		return []Profile{ProfileH264ConstrainedBaseline, ProfileH264Main, ProfileH264High}
	case v4l2.PixFmtHEVC:
		return []Profile{ProfileHEVCMain, ProfileHEVCMain10}
	case v4l2.PixFmtVP8:
		return []Profile{ProfileVP8Version03}
	case v4l2.PixFmtVP9:
		return []Profile{ProfileVP9Profile0, ProfileVP9Profile2}
	case v4l2.PixFmtAV1:
		return []Profile{ProfileAV1Profile0}
	case v4l2.PixFmtMPEG2:
		return []Profile{ProfileMPEG2Main}
	case v4l2.PixFmtMPEG4:
		return []Profile{ProfileMPEG4AdvancedSimple}
	}
	return nil
}

// DeviceOpener opens a decoder device. The default opener discovers a
// V4L2 M2M node; tests substitute a scripted decoder.
type DeviceOpener func(log *slog.Logger) (decode.Device, error)

// Options configures a Driver. The zero value selects the environment
// logger and real device discovery.
type Options struct {
	Logger     *slog.Logger
	OpenDevice DeviceOpener
}

// Driver is the top-level object: it owns the consumer-visible object
// tables and the advertised capability set. All table mutations serialise
// on the driver mutex; per-session work serialises on the context mutex.
type Driver struct {
	log        *slog.Logger
	openDevice DeviceOpener

	mu       sync.Mutex
	configs  map[ConfigID]*Config
	contexts map[ContextID]*Context
	surfaces map[SurfaceID]*Surface
	buffers  map[BufferID]*Buffer

	nextConfig  uint32
	nextContext uint32
	nextSurface uint32
	nextBuffer  uint32

	profiles []Profile
}

// New probes the decoder hardware and returns a ready Driver. The device
// is opened once to enumerate its compressed formats, then closed; each
// context opens its own handle.
func New(opts Options) (*Driver, error) {
	log := opts.Logger
	if log == nil {
		log = newLogger()
	}
	open := opts.OpenDevice
	if open == nil {
		open = defaultOpener
	}

	d := &Driver{
		log:        log.With("component", "driver"),
		openDevice: open,
		configs:    make(map[ConfigID]*Config),
		contexts:   make(map[ContextID]*Context),
		surfaces:   make(map[SurfaceID]*Surface),
		buffers:    make(map[BufferID]*Buffer),
	}

	dev, err := open(log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	formats, err := dev.Formats(v4l2.BufTypeOutputMPlane)
	dev.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}

	for _, f := range formats {
		d.profiles = append(d.profiles, profilesForPixelFormat(f)...)
	}
	if len(d.profiles) == 0 {
		return nil, fmt.Errorf("%w: decoder advertises no supported codec", ErrOperationFailed)
	}

	d.log.Info("driver initialised", "profiles", len(d.profiles))
	return d, nil
}

// QueryConfigProfiles returns the profiles the hardware decodes.
func (d *Driver) QueryConfigProfiles() []Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Profile, len(d.profiles))
	copy(out, d.profiles)
	return out
}

// Terminate destroys every remaining object: surfaces first so held
// output buffers return to their sessions, then contexts, buffers, and
// configs. The driver is unusable afterwards.
func (d *Driver) Terminate() error {
	d.mu.Lock()
	surfaceIDs := make([]SurfaceID, 0, len(d.surfaces))
	for id := range d.surfaces {
		surfaceIDs = append(surfaceIDs, id)
	}
	contextIDs := make([]ContextID, 0, len(d.contexts))
	for id := range d.contexts {
		contextIDs = append(contextIDs, id)
	}
	d.mu.Unlock()

	if err := d.DestroySurfaces(surfaceIDs); err != nil {
		d.log.Warn("surface teardown failed", "error", err)
	}
	for _, id := range contextIDs {
		if err := d.DestroyContext(id); err != nil {
			d.log.Warn("context teardown failed", "context", id, "error", err)
		}
	}

	d.mu.Lock()
	d.buffers = make(map[BufferID]*Buffer)
	d.configs = make(map[ConfigID]*Config)
	d.mu.Unlock()

	d.log.Info("driver terminated")
	return nil
}

func (d *Driver) getConfig(id ConfigID) *Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configs[id]
}

func (d *Driver) getContext(id ContextID) *Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contexts[id]
}

func (d *Driver) getSurface(id SurfaceID) *Surface {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.surfaces[id]
}

func (d *Driver) getBuffer(id BufferID) *Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffers[id]
}
