package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

// Renderer methods.
const (
	MethodStartTracking = "startTracking"
	MethodStopTracking  = "stopTracking"
	MethodSetModel      = "setModel"
)

// Renderer events.
const (
	EventFaceData  = "face-data"
	EventFpsUpdate = "fps-update"
)

const (
	clientBuffer  = 64
	writeWait     = 10 * time.Second
	shutdownGrace = 5 * time.Second
)

// Request is a renderer call. Path is only read by setModel.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Path   string `json:"path,omitempty"`
}

type Reply struct {
	ID     int64  `json:"id"`
	Result bool   `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Event is pushed to every renderer.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Server exposes a Bridge to renderers at /ws.
type Server struct {
	bridge   *Bridge
	addr     string
	logger   *slog.Logger
	upgrader ws.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *ws.Conn
	send chan []byte
	done chan struct{}
}

func NewServer(b *Bridge, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bridge: b,
		addr:   addr,
		logger: logger.With("component", "bridge-server"),
		// renderers are local windows served from file:// or a dev server
		upgrader: ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		clients:  make(map[*client]struct{}),
	}
	b.OnFaceData(func(data json.RawMessage) { s.broadcast(EventFaceData, data) })
	b.OnFpsUpdate(func(data json.RawMessage) { s.broadcast(EventFpsUpdate, data) })
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Bridge listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("bridge server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.closeClients()
	return srv.Shutdown(shutdownCtx)
}

// Clients returns the number of connected renderers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Renderer upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, clientBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("Renderer connected", "remote", r.RemoteAddr)

	go s.writeLoop(c)
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	close(c.done)
	_ = conn.Close()
	s.logger.Info("Renderer disconnected", "remote", r.RemoteAddr)
}

func (s *Server) readLoop(c *client) {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseNormalClosure) {
				s.logger.Warn("Renderer read error", "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(msg, &req); err != nil {
			s.logger.Warn("Dropping malformed renderer request", "error", err)
			continue
		}

		reply := s.call(req)
		data, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		s.enqueue(c, data)
	}
}

func (s *Server) call(req Request) Reply {
	reply := Reply{ID: req.ID}
	switch req.Method {
	case MethodStartTracking:
		reply.Result = s.bridge.StartTracking()
	case MethodStopTracking:
		reply.Result = s.bridge.StopTracking()
	case MethodSetModel:
		if req.Path == "" {
			reply.Error = "path required"
			break
		}
		reply.Result = s.bridge.SetModel(req.Path)
	default:
		reply.Error = fmt.Sprintf("unknown method %q", req.Method)
	}
	return reply
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(ws.TextMessage, data); err != nil {
				s.logger.Debug("Renderer write failed", "error", err)
				_ = c.conn.Close()
				return
			}
		}
	}
}

// enqueue drops the message when the renderer is not keeping up.
func (s *Server) enqueue(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
		s.logger.Debug("Renderer queue full, dropping message")
	}
}

func (s *Server) broadcast(event string, data json.RawMessage) {
	msg, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		s.logger.Warn("Failed to encode renderer event", "event", event, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		s.enqueue(c, msg)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		_ = c.conn.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = c.conn.Close()
	}
}
