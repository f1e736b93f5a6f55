package va

import (
	"log/slog"
	"os"
)

// LogEnv selects the log destination: "1" for stderr, any other non-empty
// value for a file path opened for append. Unset disables logging. No
// other environment is read.
const LogEnv = "VABRIDGE_LOG"

// newLogger builds the driver logger from the environment.
func newLogger() *slog.Logger {
	switch dest := os.Getenv(LogEnv); dest {
	case "":
		return slog.New(slog.DiscardHandler)
	case "1":
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	default:
		f, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return slog.New(slog.NewTextHandler(os.Stderr, nil))
		}
		return slog.New(slog.NewTextHandler(f, nil))
	}
}
