// Package bridge is the control surface offered to renderer windows:
// tracking start/stop and model loading by path, plus face and fps event
// subscriptions. Renderers reach it over a local websocket.
package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/live2d-driver/facedriver/internal/dispatcher"
	"github.com/live2d-driver/facedriver/pkg/protocol"
)

// Sender delivers commands to the backend; *connection.Supervisor.
type Sender interface {
	Send(cmd protocol.Command) error
}

// Listener receives the raw telemetry payload.
type Listener func(data json.RawMessage)

type Bridge struct {
	sender Sender
	logger *slog.Logger

	mu     sync.RWMutex
	face   map[int]Listener
	fps    map[int]Listener
	nextID int
}

func New(sender Sender, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		sender: sender,
		logger: logger.With("component", "bridge"),
		face:   make(map[int]Listener),
		fps:    make(map[int]Listener),
	}
}

// StartTracking reports whether start_tracking was handed to an open
// channel.
func (b *Bridge) StartTracking() bool {
	return b.send(protocol.StartTracking(""))
}

func (b *Bridge) StopTracking() bool {
	return b.send(protocol.StopTracking())
}

// SetModel asks the backend to load the model at path.
func (b *Bridge) SetModel(path string) bool {
	return b.send(protocol.SetModel(path))
}

func (b *Bridge) send(cmd protocol.Command) bool {
	if err := b.sender.Send(cmd); err != nil {
		b.logger.Debug("Bridge command rejected", "command", cmd.Command, "error", err)
		return false
	}
	return true
}

// OnFaceData subscribes to face_data payloads. The returned func
// unsubscribes.
func (b *Bridge) OnFaceData(fn Listener) func() {
	return b.subscribe(b.face, fn)
}

// OnFpsUpdate subscribes to fps payloads.
func (b *Bridge) OnFpsUpdate(fn Listener) func() {
	return b.subscribe(b.fps, fn)
}

func (b *Bridge) subscribe(set map[int]Listener, fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	set[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(set, id)
		b.mu.Unlock()
	}
}

// RegisterHandlers forwards face_data and fps telemetry to subscribers.
func (b *Bridge) RegisterHandlers(d *dispatcher.Dispatcher) {
	d.Register(protocol.TypeFaceData, func(t protocol.Telemetry) error {
		b.emit(b.face, t.Data)
		return nil
	})
	d.Register(protocol.TypeFps, func(t protocol.Telemetry) error {
		b.emit(b.fps, t.Data)
		return nil
	})
}

func (b *Bridge) emit(set map[int]Listener, data json.RawMessage) {
	b.mu.RLock()
	listeners := make([]Listener, 0, len(set))
	for _, fn := range set {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(data)
	}
}
