// Package store is the single owner of tracking state: control parameters,
// the model list and selection, the connection mirror and the tracking flag.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/live2d-driver/facedriver/internal/catalog"
	"github.com/live2d-driver/facedriver/internal/connection"
	"github.com/live2d-driver/facedriver/internal/mapper"
	"github.com/live2d-driver/facedriver/internal/video"
	"github.com/live2d-driver/facedriver/pkg/core"
	"github.com/live2d-driver/facedriver/pkg/protocol"
)

var ErrUnknownModel = errors.New("unknown model")

const defaultConnectTimeout = 5 * time.Second

// Channel is the connection supervisor as seen by the store.
type Channel interface {
	Connect(ctx context.Context) error
	WaitConnected(ctx context.Context) error
	Send(cmd protocol.Command) error
	State() connection.State
	Disconnect()
}

type Options struct {
	Channel Channel
	Source  video.Source
	Catalog *catalog.Catalog
	Mapper  mapper.Mapper
	// Viewport normalizes head position.
	Viewport     core.Viewport
	CameraSource string
	// ConnectTimeout bounds the wait for the channel when tracking starts.
	ConnectTimeout time.Duration
	// Ensure, when set, replaces Channel.Connect for bringing the backend
	// up; the process supervisor's EnsureStarted goes here.
	Ensure func(ctx context.Context) error
	Logger *slog.Logger
}

// Snapshot is a copy of the store's state.
type Snapshot struct {
	Parameters     core.ControlParameters `json:"parameters"`
	Models         []core.ModelDescriptor `json:"models"`
	SelectedModel  string                 `json:"selectedModel"`
	CameraSource   string                 `json:"cameraSource"`
	Connection     connection.State       `json:"connection"`
	Running        bool                   `json:"running"`
	FaceDetected   bool                   `json:"faceDetected"`
	Fps            float64                `json:"fps"`
	Position       core.Position          `json:"position"`
	Expression     string                 `json:"expression"`
	LastError      string                 `json:"lastError,omitempty"`
	BackendConfig  map[string]any         `json:"backendConfig,omitempty"`
	SourceAcquired bool                   `json:"sourceAcquired"`
}

type Store struct {
	opts    Options
	logger  *slog.Logger
	catalog *catalog.Catalog

	// toggleMu serializes ToggleTracking so a start and a stop never
	// interleave.
	toggleMu sync.Mutex

	mu    sync.RWMutex
	state Snapshot

	subsMu sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

func New(opts Options) *Store {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.New(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		opts:    opts,
		logger:  logger.With("component", "store"),
		catalog: opts.Catalog,
		subs:    make(map[int]chan Snapshot),
	}
	s.state.Expression = "neutral"
	s.state.CameraSource = opts.CameraSource
	if opts.Channel != nil {
		s.state.Connection = opts.Channel.State()
	}
	return s
}

// ToggleTracking starts tracking when stopped and stops it when running.
//
// Start acquires the video source, brings the channel up, and sends
// start_tracking; the running flag is set only if all of that succeeds.
// Stop sends stop_tracking and clears the running flag even if the send
// fails.
func (s *Store) ToggleTracking(ctx context.Context) error {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	if s.Snapshot().Running {
		return s.stopTracking()
	}
	return s.startTracking(ctx)
}

func (s *Store) startTracking(ctx context.Context) error {
	if err := s.acquireSource(ctx); err != nil {
		s.logger.Error("Failed to acquire video source", "error", err)
		return err
	}

	if err := s.ensureConnected(ctx); err != nil {
		s.logger.Error("Backend not reachable", "error", err)
		return err
	}

	if err := s.opts.Channel.Send(protocol.StartTracking(s.opts.CameraSource)); err != nil {
		s.logger.Error("Failed to start tracking", "error", err)
		return err
	}

	s.update(func(st *Snapshot) {
		st.Running = true
		st.Parameters = core.ControlParameters{}
	})
	s.logger.Info("Tracking started", "camera", s.opts.CameraSource)
	return nil
}

func (s *Store) stopTracking() error {
	err := s.opts.Channel.Send(protocol.StopTracking())
	if err != nil {
		s.logger.Warn("stop_tracking not delivered", "error", err)
	}

	s.update(func(st *Snapshot) {
		st.Running = false
		st.FaceDetected = false
		st.Parameters = core.ControlParameters{}
	})
	s.logger.Info("Tracking stopped")
	return err
}

func (s *Store) acquireSource(ctx context.Context) error {
	if s.opts.Source == nil || s.Snapshot().SourceAcquired {
		return nil
	}
	if err := s.opts.Source.Open(ctx); err != nil {
		return fmt.Errorf("acquire %s: %w", s.opts.Source.Name(), err)
	}
	s.update(func(st *Snapshot) { st.SourceAcquired = true })
	return nil
}

func (s *Store) ensureConnected(ctx context.Context) error {
	ch := s.opts.Channel
	if ch.State() == connection.Connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	var err error
	if s.opts.Ensure != nil {
		err = s.opts.Ensure(ctx)
	} else {
		err = ch.Connect(ctx)
	}
	if err != nil && !errors.Is(err, connection.ErrConnecting) {
		return err
	}
	return ch.WaitConnected(ctx)
}

// SwitchModel selects a model from the known list and tells the backend.
// The local selection sticks even when the send fails.
func (s *Store) SwitchModel(name string) error {
	if !s.catalog.Contains(name) {
		s.logger.Warn("Invalid model name", "model", name)
		return fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}

	s.update(func(st *Snapshot) { st.SelectedModel = name })
	return s.send(protocol.SwitchModel(name))
}

// SwitchExpression updates the expression locally and forwards it.
func (s *Store) SwitchExpression(expression string) error {
	s.update(func(st *Snapshot) { st.Expression = expression })
	return s.send(protocol.Expression(expression))
}

// SwitchPosition updates the position locally and forwards it.
func (s *Store) SwitchPosition(pos core.Position) error {
	s.update(func(st *Snapshot) { st.Position = pos })
	return s.send(protocol.Position(pos))
}

// RequestConfig asks the backend for its configuration; the reply arrives
// as config telemetry.
func (s *Store) RequestConfig() error {
	return s.send(protocol.GetConfig())
}

func (s *Store) send(cmd protocol.Command) error {
	if err := s.opts.Channel.Send(cmd); err != nil {
		s.logger.Debug("Command not sent", "command", cmd.Command, "error", err)
		return err
	}
	return nil
}

// SetParameters records parameters from the local mapping path.
func (s *Store) SetParameters(p core.ControlParameters) {
	s.update(func(st *Snapshot) { st.Parameters = p })
}

// HandleResult maps one detection loop result into the store. It is the
// loop's ResultFunc.
func (s *Store) HandleResult(r *core.DetectionResult) {
	p := s.opts.Mapper.Map(r, s.opts.Viewport)
	s.update(func(st *Snapshot) {
		st.Parameters = p
		st.FaceDetected = r != nil
	})
}

// MirrorConnection records the channel state; wire it to OnStateChange.
// Each time the channel becomes connected the backend config is requested.
func (s *Store) MirrorConnection(cs connection.State) {
	var reconnected bool
	s.update(func(st *Snapshot) {
		reconnected = cs == connection.Connected && st.Connection != connection.Connected
		st.Connection = cs
	})
	if reconnected && s.opts.Channel != nil {
		if err := s.RequestConfig(); err != nil {
			s.logger.Warn("get_config not delivered", "error", err)
		}
	}
}

// LoadModels fills the model list through the catalog. The catalog only
// queries its source while it has nothing cached.
func (s *Store) LoadModels(ctx context.Context) error {
	models, err := s.catalog.Load(ctx)
	if err != nil {
		s.logger.Error("Failed to load models", "error", err)
		return fmt.Errorf("load models: %w", err)
	}
	s.update(func(st *Snapshot) { st.Models = models })
	s.logger.Info("Models loaded", "count", len(models))
	return nil
}

// Cleanup runs on host teardown: the channel is closed, the video source
// released and tracking marked stopped.
func (s *Store) Cleanup() {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	if s.opts.Channel != nil {
		s.opts.Channel.Disconnect()
	}
	if s.opts.Source != nil && s.Snapshot().SourceAcquired {
		if err := s.opts.Source.Close(); err != nil {
			s.logger.Warn("Failed to release video source", "error", err)
		}
	}
	s.update(func(st *Snapshot) {
		st.Running = false
		st.FaceDetected = false
		st.SourceAcquired = false
	})
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Subscribe returns a channel that always holds the latest snapshot after
// a change. Slow readers skip intermediate states.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subsMu.Unlock()

	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

// update applies fn and publishes the result. Publishing happens under
// s.mu so subscribers always end on the latest state; lock order is
// s.mu then subsMu.
func (s *Store) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	snap := s.state.clone()

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (st Snapshot) clone() Snapshot {
	cp := st
	cp.Models = append([]core.ModelDescriptor(nil), st.Models...)
	if st.BackendConfig != nil {
		cp.BackendConfig = make(map[string]any, len(st.BackendConfig))
		for k, v := range st.BackendConfig {
			cp.BackendConfig[k] = v
		}
	}
	return cp
}
