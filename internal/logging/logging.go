// Package logging sets up the host's structured logging: slog fan-out to the
// session log file, OTel and Graylog, plus zerolog adapters.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// stampLayout names log files by session start, sortable by name.
const stampLayout = "20060102_150405"

// LogFilePath is where the session log for name lives, e.g.
// logs/facedriver.20260212_213836.log.
func LogFilePath(logsDir, name string, sessionStart time.Time) string {
	return filepath.Join(logsDir, name+"."+sessionStart.Format(stampLayout)+".log")
}

// OpenSessionLog creates logsDir if needed and opens the session log for
// appending. A file already at that path (two starts in the same second) is
// moved aside to <path>.old first.
func OpenSessionLog(logsDir, name string, sessionStart time.Time) (*os.File, string, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create logs dir: %w", err)
	}
	path := LogFilePath(logsDir, name, sessionStart)
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".old"); err != nil {
			return nil, path, fmt.Errorf("move previous log aside: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return nil, path, fmt.Errorf("open log file: %w", err)
	}
	return f, path, nil
}
