package va

import "errors"

// The driver's error taxonomy, mirroring the status codes a decode API
// reports to its consumers. Callers distinguish cases with errors.Is.
var (
	ErrInvalidConfig         = errors.New("va: invalid config")
	ErrInvalidContext        = errors.New("va: invalid context")
	ErrInvalidSurface        = errors.New("va: invalid surface")
	ErrInvalidBuffer         = errors.New("va: invalid buffer")
	ErrInvalidImage          = errors.New("va: invalid image")
	ErrUnsupportedProfile    = errors.New("va: unsupported profile")
	ErrUnsupportedEntrypoint = errors.New("va: unsupported entrypoint")
	ErrUnsupportedMemoryType = errors.New("va: unsupported memory type")
	ErrUnsupportedBufferType = errors.New("va: unsupported buffer type")
	ErrAllocationFailed      = errors.New("va: allocation failed")
	ErrOperationFailed       = errors.New("va: operation failed")
	ErrSurfaceBusy           = errors.New("va: surface busy")
	ErrUnimplemented         = errors.New("va: not implemented")
)
