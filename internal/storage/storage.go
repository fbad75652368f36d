// Package storage records tracking sessions: the face, fps and error
// telemetry received between start_tracking and stop_tracking.
package storage

import "github.com/live2d-driver/facedriver/pkg/core"

// Backend is the interface all storage implementations must satisfy.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Session management. StartSession assigns s.ID.
	StartSession(s *core.Session) error
	EndSession() error

	// Sample recording. Without an active session these return
	// core.ErrNoSession.
	RecordFace(f *core.FaceSample) error
	RecordFps(f *core.FpsSample) error
	RecordError(e *core.BackendError) error
}

// Exporter is implemented by backends that write each finished session to
// a file.
type Exporter interface {
	ExportedFilePath() string
}
