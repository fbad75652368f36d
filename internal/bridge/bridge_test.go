package bridge

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/live2d-driver/facedriver/internal/connection"
	"github.com/live2d-driver/facedriver/internal/dispatcher"
	"github.com/live2d-driver/facedriver/internal/logging"
	"github.com/live2d-driver/facedriver/pkg/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	open bool
	sent []protocol.Command
}

func (s *fakeSender) Send(cmd protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return connection.ErrNotConnected
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *fakeSender) commands() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.sent...)
}

func newDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(logging.NewDispatcherLogger(zerolog.Nop()))
	require.NoError(t, err)
	return d
}

func TestBridge_CommandsRequireOpenChannel(t *testing.T) {
	sender := &fakeSender{}
	b := New(sender, nil)

	assert.False(t, b.StartTracking())
	assert.False(t, b.SetModel("models/a.model3.json"))

	sender.open = true
	assert.True(t, b.StartTracking())
	assert.True(t, b.StopTracking())
	assert.True(t, b.SetModel("models/a.model3.json"))

	assert.Equal(t, []protocol.Command{
		{Command: protocol.CommandStartTracking},
		{Command: protocol.CommandStopTracking},
		{Command: protocol.CommandSetModel, Path: "models/a.model3.json"},
	}, sender.commands())
}

func TestBridge_Subscriptions(t *testing.T) {
	b := New(&fakeSender{}, nil)
	d := newDispatcher(t)
	b.RegisterHandlers(d)

	var faces, fps []string
	unsubscribe := b.OnFaceData(func(data json.RawMessage) { faces = append(faces, string(data)) })
	b.OnFpsUpdate(func(data json.RawMessage) { fps = append(fps, string(data)) })

	require.NoError(t, d.Dispatch(protocol.Telemetry{Type: protocol.TypeFaceData, Data: json.RawMessage(`[]`)}))
	require.NoError(t, d.Dispatch(protocol.Telemetry{Type: protocol.TypeFps, Data: json.RawMessage(`30`)}))

	unsubscribe()
	require.NoError(t, d.Dispatch(protocol.Telemetry{Type: protocol.TypeFaceData, Data: json.RawMessage(`[{}]`)}))

	assert.Equal(t, []string{`[]`}, faces)
	assert.Equal(t, []string{`30`}, fps)
}

func dialServer(t *testing.T, s *Server) *ws.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return s.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestServer_Call(t *testing.T) {
	sender := &fakeSender{open: true}
	s := NewServer(New(sender, nil), "", nil)
	conn := dialServer(t, s)

	require.NoError(t, conn.WriteJSON(Request{ID: 7, Method: MethodSetModel, Path: "hiyori.model3.json"}))

	var reply Reply
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, Reply{ID: 7, Result: true}, reply)
	assert.Equal(t, []protocol.Command{protocol.SetModel("hiyori.model3.json")}, sender.commands())
}

func TestServer_UnknownMethod(t *testing.T) {
	s := NewServer(New(&fakeSender{open: true}, nil), "", nil)
	conn := dialServer(t, s)

	require.NoError(t, conn.WriteJSON(Request{ID: 1, Method: "explode"}))

	var reply Reply
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&reply))
	assert.False(t, reply.Result)
	assert.Contains(t, reply.Error, "unknown method")
}

func TestServer_BroadcastsTelemetry(t *testing.T) {
	b := New(&fakeSender{}, nil)
	d := newDispatcher(t)
	b.RegisterHandlers(d)
	s := NewServer(b, "", nil)
	conn := dialServer(t, s)

	require.NoError(t, d.Dispatch(protocol.Telemetry{Type: protocol.TypeFps, Data: json.RawMessage(`{"value":24}`)}))

	var ev Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventFpsUpdate, ev.Event)
	assert.JSONEq(t, `{"value":24}`, string(ev.Data))
}
