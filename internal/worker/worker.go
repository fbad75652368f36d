// Package worker records telemetry into the storage backend and metrics
// sink, opening and closing a session whenever tracking starts and stops.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/live2d-driver/facedriver/internal/storage"
	"github.com/live2d-driver/facedriver/internal/store"
	"github.com/live2d-driver/facedriver/pkg/core"
)

// PointWriter receives metric points; *influx.Manager.
type PointWriter interface {
	WritePoint(point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the worker manager.
type Dependencies struct {
	Backend storage.Backend
	Metrics PointWriter // optional
	Logger  *slog.Logger
	Mapper  func(*core.DetectionResult) core.ControlParameters
}

// Manager records one session per tracking run.
type Manager struct {
	deps   Dependencies
	logger *slog.Logger

	mu      sync.Mutex
	session *core.Session
	samples int
}

func NewManager(deps Dependencies) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:   deps,
		logger: logger.With("component", "recorder"),
	}
}

// Watch follows store snapshots until ctx ends or the channel closes,
// starting a session when tracking starts and ending it when it stops.
func (m *Manager) Watch(ctx context.Context, updates <-chan store.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			m.endSession()
			return
		case snap, ok := <-updates:
			if !ok {
				m.endSession()
				return
			}
			m.Apply(snap)
		}
	}
}

// Apply reacts to one snapshot.
func (m *Manager) Apply(snap store.Snapshot) {
	m.mu.Lock()
	recording := m.session != nil
	m.mu.Unlock()

	switch {
	case snap.Running && !recording:
		m.startSession(snap)
	case !snap.Running && recording:
		m.endSession()
	}
}

func (m *Manager) startSession(snap store.Snapshot) {
	s := &core.Session{
		UUID:         uuid.NewString(),
		CameraSource: snap.CameraSource,
		Model:        snap.SelectedModel,
		StartTime:    time.Now(),
	}
	if err := m.deps.Backend.StartSession(s); err != nil {
		m.logger.Error("Failed to start session", "error", err)
		return
	}

	m.mu.Lock()
	m.session = s
	m.samples = 0
	m.mu.Unlock()
	m.logger.Info("Recording session", "session", s.UUID, "id", s.ID)
}

func (m *Manager) endSession() {
	m.mu.Lock()
	s := m.session
	samples := m.samples
	m.session = nil
	m.mu.Unlock()

	if s == nil {
		return
	}
	if err := m.deps.Backend.EndSession(); err != nil {
		m.logger.Error("Failed to end session", "session", s.UUID, "error", err)
		return
	}
	m.logger.Info("Session recorded", "session", s.UUID, "samples", samples)
}

// Session returns the session being recorded, if any.
func (m *Manager) Session() (core.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return core.Session{}, false
	}
	return *m.session, true
}

func (m *Manager) sessionTag() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	m.samples++
	return m.session.UUID
}

func (m *Manager) writePoint(p *influxdb2_write.Point) {
	if m.deps.Metrics == nil {
		return
	}
	if err := m.deps.Metrics.WritePoint(p); err != nil {
		m.logger.Debug("Metric point dropped", "error", err)
	}
}

// ignoreIdle drops the no-session error: telemetry outside a tracking run
// is not recorded.
func ignoreIdle(err error) error {
	if errors.Is(err, core.ErrNoSession) {
		return nil
	}
	return err
}
