package logging

import (
	"fmt"
	"io"

	"github.com/Graylog2/go-gelf/gelf"
)

// NewGraylogWriter dials a GELF UDP endpoint. Each write becomes one GELF
// message, so it is meant to sit under a line-oriented slog handler.
func NewGraylogWriter(address string) (io.Writer, error) {
	w, err := gelf.NewWriter(address)
	if err != nil {
		return nil, fmt.Errorf("graylog writer %s: %w", address, err)
	}
	return w, nil
}
