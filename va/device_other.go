//go:build !linux

package va

import (
	"log/slog"

	"github.com/zsiec/vabridge/internal/decode"
	"github.com/zsiec/vabridge/internal/v4l2"
)

// V4L2 nodes only exist on Linux; elsewhere the caller must inject a
// device opener.
func defaultOpener(log *slog.Logger) (decode.Device, error) {
	return nil, v4l2.ErrNoDevice
}
