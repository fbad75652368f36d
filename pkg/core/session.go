// pkg/core/session.go
package core

import (
	"errors"
	"time"
)

// ErrNoSession is returned when recording without an active session.
var ErrNoSession = errors.New("no active session")

// Session is one start_tracking..stop_tracking span, as recorded by storage.
type Session struct {
	ID           uint
	UUID         string
	CameraSource string
	Model        string
	StartTime    time.Time
	EndTime      *time.Time
}

// FaceSample is a face_data telemetry message reduced to what is recorded.
type FaceSample struct {
	SessionID  uint
	Time       time.Time
	Detected   bool
	Position   Position
	Expression string
	Parameters ControlParameters
}

// FpsSample records the backend-reported frame rate.
type FpsSample struct {
	SessionID uint
	Time      time.Time
	Value     float64
}

// BackendError records an error telemetry message.
type BackendError struct {
	SessionID uint
	Time      time.Time
	Message   string
}
