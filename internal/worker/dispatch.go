package worker

import (
	"fmt"
	"time"

	"github.com/live2d-driver/facedriver/internal/dispatcher"
	"github.com/live2d-driver/facedriver/internal/influx"
	"github.com/live2d-driver/facedriver/pkg/core"
	"github.com/live2d-driver/facedriver/pkg/protocol"
)

// RegisterHandlers registers the recording handlers with the dispatcher.
func (m *Manager) RegisterHandlers(d *dispatcher.Dispatcher) {
	// High-volume face stream - buffered
	d.Register(protocol.TypeFaceData, m.handleFaceData, dispatcher.Buffered(1000), dispatcher.Logged())

	d.Register(protocol.TypeFps, m.handleFps, dispatcher.Buffered(100), dispatcher.Logged())
	d.Register(protocol.TypeError, m.handleError, dispatcher.Logged())
}

func stamp(t protocol.Telemetry) time.Time {
	if t.Timestamp.IsZero() {
		return time.Now()
	}
	return t.Timestamp
}

func (m *Manager) handleFaceData(t protocol.Telemetry) error {
	fd, err := protocol.DecodeFaceData(t)
	if err != nil {
		return fmt.Errorf("failed to record face data: %w", err)
	}

	sample := core.FaceSample{
		Time:       stamp(t),
		Detected:   fd.Detected,
		Expression: fd.Expression,
	}
	if fd.Position != nil {
		sample.Position = *fd.Position
	}
	if fd.Face != nil && m.deps.Mapper != nil {
		sample.Parameters = m.deps.Mapper(fd.Face)
	}

	if err := m.deps.Backend.RecordFace(&sample); err != nil {
		return ignoreIdle(err)
	}
	m.writePoint(influx.FacePoint(sample.Parameters, sample.Detected, m.sessionTag(), sample.Time))
	return nil
}

func (m *Manager) handleFps(t protocol.Telemetry) error {
	fps, err := protocol.DecodeFps(t)
	if err != nil {
		return fmt.Errorf("failed to record fps: %w", err)
	}

	sample := core.FpsSample{Time: stamp(t), Value: fps}
	if err := m.deps.Backend.RecordFps(&sample); err != nil {
		return ignoreIdle(err)
	}
	m.writePoint(influx.FpsPoint(fps, m.sessionTag(), sample.Time))
	return nil
}

func (m *Manager) handleError(t protocol.Telemetry) error {
	msg, err := protocol.DecodeError(t)
	if err != nil {
		return fmt.Errorf("failed to record backend error: %w", err)
	}
	e := core.BackendError{Time: stamp(t), Message: msg}
	return ignoreIdle(m.deps.Backend.RecordError(&e))
}
