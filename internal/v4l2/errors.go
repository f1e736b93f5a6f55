package v4l2

import "errors"

// Sentinel errors mapping the kernel's non-fatal results.
var (
	// ErrAgain means no buffer or event was ready on a non-blocking call.
	ErrAgain = errors.New("v4l2: resource temporarily unavailable")
	// ErrNoDevice means no usable M2M decoder node was found.
	ErrNoDevice = errors.New("v4l2: no memory-to-memory decoder device")
)
