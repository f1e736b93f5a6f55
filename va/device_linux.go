//go:build linux

package va

import (
	"log/slog"

	"github.com/zsiec/vabridge/internal/decode"
	"github.com/zsiec/vabridge/internal/v4l2"
)

// defaultOpener discovers a real V4L2 M2M decoder node.
func defaultOpener(log *slog.Logger) (decode.Device, error) {
	return v4l2.Open(log)
}
