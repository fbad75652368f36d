// Package connection supervises the websocket channel to the tracking
// backend: dialing, state transitions, sends and inbound telemetry.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/live2d-driver/facedriver/internal/queue"
	"github.com/live2d-driver/facedriver/pkg/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrConnecting   = errors.New("connect already in progress")
)

const (
	defaultWriteWait        = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

type Config struct {
	URL          string
	PingInterval time.Duration // 0 disables keepalive pings
	WriteWait    time.Duration
	Logger       *slog.Logger
}

// Supervisor owns at most one live channel. Each Connect starts a new
// generation; events from older generations are ignored.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	dialer *ws.Dialer

	mu      sync.Mutex
	state   State
	gen     uint64
	conn    *ws.Conn
	lastErr error
	changed chan struct{}

	writeMu sync.Mutex

	subsMu        sync.RWMutex
	stateSubs     []func(State)
	telemetrySubs []func([]byte)

	events   *queue.Queue[State]
	notifyMu sync.Mutex
}

func New(cfg Config) *Supervisor {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := *ws.DefaultDialer
	dialer.HandshakeTimeout = defaultHandshakeTimeout

	return &Supervisor{
		cfg:     cfg,
		logger:  logger.With("component", "connection"),
		dialer:  &dialer,
		state:   Disconnected,
		changed: make(chan struct{}),
		events:  queue.New[State](),
	}
}

// Connect opens a new channel asynchronously. It returns ErrConnecting,
// without touching the state, while a dial is in flight. A live channel is
// replaced.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Connecting {
		s.mu.Unlock()
		return ErrConnecting
	}

	old := s.conn
	s.conn = nil
	s.gen++
	gen := s.gen
	s.setStateLocked(Connecting)
	s.mu.Unlock()
	s.flush()

	if old != nil {
		s.logger.Debug("Replacing open channel")
		_ = old.Close()
	}

	go s.dial(ctx, gen)
	return nil
}

func (s *Supervisor) dial(ctx context.Context, gen uint64) {
	s.logger.Info("Connecting to backend", "url", s.cfg.URL)

	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.lastErr = fmt.Errorf("dial %s: %w", s.cfg.URL, err)
		s.setStateLocked(Failed)
		s.mu.Unlock()
		s.flush()
		s.logger.Warn("Backend connection failed", "error", err)
		return
	}
	s.conn = conn
	s.lastErr = nil
	s.setStateLocked(Connected)
	s.mu.Unlock()
	s.flush()

	s.logger.Info("Connected to backend")

	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(ws.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteWait))
		if err != nil {
			s.logger.Debug("Error sending pong", "error", err)
		}
		return nil
	})

	go s.readLoop(conn, gen)
	if s.cfg.PingInterval > 0 {
		go s.keepAlive(conn, gen)
	}
}

func (s *Supervisor) readLoop(conn *ws.Conn, gen uint64) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.drop(gen, err)
			return
		}

		if !s.current(gen) {
			return
		}

		s.subsMu.RLock()
		subs := s.telemetrySubs
		s.subsMu.RUnlock()
		for _, fn := range subs {
			fn(msg)
		}
	}
}

func (s *Supervisor) keepAlive(conn *ws.Conn, gen uint64) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !s.current(gen) {
			return
		}
		err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(s.cfg.WriteWait))
		if err != nil {
			s.drop(gen, fmt.Errorf("ping: %w", err))
			return
		}
	}
}

// drop retires the channel of the given generation. A close frame from the
// backend is an orderly disconnect; anything else is an error.
func (s *Supervisor) drop(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil

	var closeErr *ws.CloseError
	if errors.As(err, &closeErr) {
		s.lastErr = nil
		s.setStateLocked(Disconnected)
	} else {
		s.lastErr = err
		s.setStateLocked(Failed)
	}
	s.mu.Unlock()
	s.flush()

	if conn != nil {
		_ = conn.Close()
	}
	s.logger.Info("Backend channel closed", "error", err)
}

// Disconnect closes the channel and forces the disconnected state. Any dial
// in flight is abandoned.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.gen++
	s.lastErr = nil
	s.setStateLocked(Disconnected)
	s.mu.Unlock()
	s.flush()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
}

// Send writes one command. It fails with ErrNotConnected unless the channel
// is open; nothing is queued for later.
func (s *Supervisor) Send(cmd protocol.Command) error {
	data, err := protocol.MarshalCommand(cmd)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn, gen := s.conn, s.gen
	open := s.state == Connected && conn != nil
	s.mu.Unlock()

	if !open {
		return fmt.Errorf("send %s: %w", cmd.Command, ErrNotConnected)
	}

	s.writeMu.Lock()
	err = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if err == nil {
		err = conn.WriteMessage(ws.TextMessage, data)
	}
	s.writeMu.Unlock()

	if err != nil {
		s.drop(gen, err)
		return fmt.Errorf("send %s: %w", cmd.Command, err)
	}

	s.logger.Debug("Sent command", "command", cmd.Command)
	return nil
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error behind the current Failed state, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// WaitConnected blocks until the channel is open. It gives up as soon as a
// connect attempt settles in any other state, or when ctx is done.
func (s *Supervisor) WaitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		st, ch, lastErr := s.state, s.changed, s.lastErr
		s.mu.Unlock()

		switch st {
		case Connected:
			return nil
		case Disconnected, Failed:
			if lastErr != nil {
				return fmt.Errorf("%w: %v", ErrNotConnected, lastErr)
			}
			return ErrNotConnected
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for backend: %w", ctx.Err())
		case <-ch:
		}
	}
}

// OnStateChange registers fn for every state transition, in order.
func (s *Supervisor) OnStateChange(fn func(State)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.stateSubs = append(s.stateSubs, fn)
}

// OnTelemetry registers fn for every inbound message of the live channel.
func (s *Supervisor) OnTelemetry(fn func([]byte)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.telemetrySubs = append(s.telemetrySubs, fn)
}

// Close tears the channel down for good.
func (s *Supervisor) Close() error {
	s.Disconnect()
	return nil
}

func (s *Supervisor) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

// setStateLocked records a transition; callers hold s.mu and call flush
// after unlocking.
func (s *Supervisor) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
	s.events.Push(st)
}

// flush delivers queued transitions to subscribers in order. A subscriber
// that triggers another transition has it delivered by the same drain.
func (s *Supervisor) flush() {
	for {
		if !s.notifyMu.TryLock() {
			return
		}
		for !s.events.Empty() {
			for _, st := range s.events.GetAndEmpty() {
				s.subsMu.RLock()
				subs := s.stateSubs
				s.subsMu.RUnlock()
				for _, fn := range subs {
					fn(st)
				}
			}
		}
		s.notifyMu.Unlock()
		if s.events.Empty() {
			return
		}
	}
}
