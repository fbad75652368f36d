package logging

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// NewZerolog returns a timestamped zerolog logger for the metric and
// database managers, at the same level names slog accepts.
func NewZerolog(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
