package va

// The entry points below exist so the full driver surface is present,
// but the hardware path has no use for them: display output goes through
// DMABUF export, and the decoder has no subpicture or multi-frame
// machinery. Each returns ErrUnimplemented, except QuerySurfaceError,
// which reports no error detail.

// SubpictureID names a subpicture object; none are ever created.
type SubpictureID uint32

// DisplayAttribute is a display-level tunable; none are supported.
type DisplayAttribute struct {
	Type  int32
	Value int32
}

func (d *Driver) PutSurface(surface SurfaceID) error { return ErrUnimplemented }

func (d *Driver) PutImage(surface SurfaceID, image ImageID) error { return ErrUnimplemented }

func (d *Driver) SetImagePalette(image ImageID, palette []byte) error { return ErrUnimplemented }

func (d *Driver) QuerySubpictureFormats() ([]ImageFormat, error) { return nil, ErrUnimplemented }

func (d *Driver) CreateSubpicture(image ImageID) (SubpictureID, error) {
	return 0, ErrUnimplemented
}

func (d *Driver) DestroySubpicture(sub SubpictureID) error { return ErrUnimplemented }

func (d *Driver) SetSubpictureImage(sub SubpictureID, image ImageID) error {
	return ErrUnimplemented
}

func (d *Driver) SetSubpictureChromakey(sub SubpictureID, min, max, mask uint32) error {
	return ErrUnimplemented
}

func (d *Driver) SetSubpictureGlobalAlpha(sub SubpictureID, alpha float32) error {
	return ErrUnimplemented
}

func (d *Driver) AssociateSubpicture(sub SubpictureID, surfaces []SurfaceID) error {
	return ErrUnimplemented
}

func (d *Driver) DeassociateSubpicture(sub SubpictureID, surfaces []SurfaceID) error {
	return ErrUnimplemented
}

func (d *Driver) QueryDisplayAttributes() ([]DisplayAttribute, error) { return nil, ErrUnimplemented }

func (d *Driver) GetDisplayAttributes(attribs []DisplayAttribute) error { return ErrUnimplemented }

func (d *Driver) SetDisplayAttributes(attribs []DisplayAttribute) error { return ErrUnimplemented }

func (d *Driver) LockSurface(surface SurfaceID) error { return ErrUnimplemented }

func (d *Driver) UnlockSurface(surface SurfaceID) error { return ErrUnimplemented }

func (d *Driver) AcquireBufferHandle(buffer BufferID) error { return ErrUnimplemented }

func (d *Driver) ReleaseBufferHandle(buffer BufferID) error { return ErrUnimplemented }

func (d *Driver) QueryProcessingRate(config ConfigID) (uint32, error) {
	return 0, ErrUnimplemented
}

// QuerySurfaceError reports no per-surface error detail.
func (d *Driver) QuerySurfaceError(surface SurfaceID) (any, error) { return nil, nil }

// MFContextID names a multi-frame context; none are ever created.
type MFContextID uint32

func (d *Driver) CreateMFContext() (MFContextID, error) { return 0, ErrUnimplemented }

func (d *Driver) MFAddContext(mf MFContextID, ctx ContextID) error { return ErrUnimplemented }

func (d *Driver) MFReleaseContext(mf MFContextID, ctx ContextID) error { return ErrUnimplemented }

func (d *Driver) MFSubmit(mf MFContextID, contexts []ContextID) error { return ErrUnimplemented }

func (d *Driver) CreateBuffer2(ctx ContextID, btype BufferType, width, height uint32) (BufferID, error) {
	return 0, ErrUnimplemented
}
