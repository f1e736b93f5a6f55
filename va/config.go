package va

import (
	"github.com/zsiec/vabridge/codec"
)

// Config pairs a validated profile with its codec factory. Contexts
// created against a config get their own codec instance.
type Config struct {
	id         ConfigID
	profile    Profile
	entrypoint Entrypoint
	newCodec   func() codec.Codec
}

// QueryConfigEntrypoints lists the entrypoints available for a profile.
func (d *Driver) QueryConfigEntrypoints(profile Profile) ([]Entrypoint, error) {
	if factoryForProfile(profile) == nil {
		return nil, ErrUnsupportedProfile
	}
	return []Entrypoint{EntrypointVLD}, nil
}

// CreateConfig validates the profile/entrypoint pair and registers a
// config.
func (d *Driver) CreateConfig(profile Profile, entrypoint Entrypoint) (ConfigID, error) {
	factory := factoryForProfile(profile)
	if factory == nil {
		d.log.Warn("unsupported profile", "profile", profile)
		return 0, ErrUnsupportedProfile
	}
	if entrypoint != EntrypointVLD {
		d.log.Warn("unsupported entrypoint", "entrypoint", entrypoint)
		return 0, ErrUnsupportedEntrypoint
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := ConfigID(configIDBase + d.nextConfig)
	d.nextConfig++
	d.configs[id] = &Config{
		id:         id,
		profile:    profile,
		entrypoint: entrypoint,
		newCodec:   factory,
	}

	d.log.Info("config created", "config", id, "profile", profile)
	return id, nil
}

// DestroyConfig removes a config. Contexts already created from it are
// unaffected.
func (d *Driver) DestroyConfig(id ConfigID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.configs[id]; !ok {
		return ErrInvalidConfig
	}
	delete(d.configs, id)
	return nil
}

// QueryConfigAttributes reports a config's profile and entrypoint.
func (d *Driver) QueryConfigAttributes(id ConfigID) (Profile, Entrypoint, error) {
	cfg := d.getConfig(id)
	if cfg == nil {
		return 0, 0, ErrInvalidConfig
	}
	return cfg.profile, cfg.entrypoint, nil
}

// GetConfigAttributes fills the requested attribute slots for a
// profile/entrypoint pair. Unknown attributes report AttribNotSupported.
func (d *Driver) GetConfigAttributes(profile Profile, entrypoint Entrypoint, attribs []ConfigAttrib) error {
	if factoryForProfile(profile) == nil {
		return ErrUnsupportedProfile
	}

	for i := range attribs {
		switch attribs[i].Type {
		case ConfigAttribRTFormat:
			attribs[i].Value = RTFormatYUV420
			if profile == ProfileHEVCMain10 || profile == ProfileVP9Profile2 || profile == ProfileAV1Profile0 {
				attribs[i].Value |= RTFormatYUV42010
			}
		case ConfigAttribMaxPictureWidth:
			attribs[i].Value = maxPictureWidth
		case ConfigAttribMaxPictureHeight:
			attribs[i].Value = maxPictureHeight
		default:
			attribs[i].Value = AttribNotSupported
		}
	}
	return nil
}
