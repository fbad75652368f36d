package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/live2d-driver/facedriver/internal/catalog"
	"github.com/live2d-driver/facedriver/internal/connection"
	"github.com/live2d-driver/facedriver/internal/dispatcher"
	"github.com/live2d-driver/facedriver/internal/logging"
	"github.com/live2d-driver/facedriver/internal/video"
	"github.com/live2d-driver/facedriver/pkg/core"
	"github.com/live2d-driver/facedriver/pkg/protocol"
)

// fakeChannel records commands; Send only succeeds while connected.
type fakeChannel struct {
	mu          sync.Mutex
	state       connection.State
	sent        []protocol.Command
	connectErr  error
	connectTo   connection.State // state reached by Connect
	sendErr     error
	disconnects int
}

func (c *fakeChannel) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.state = c.connectTo
	return nil
}

func (c *fakeChannel) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == connection.Connected {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeChannel) Send(cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != connection.Connected {
		return connection.ErrNotConnected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeChannel) State() connection.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = connection.Disconnected
	c.disconnects++
}

func (c *fakeChannel) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, cmd := range c.sent {
		out[i] = cmd.Command
	}
	return out
}

type fakeSource struct {
	openErr error
	opens   int
	closes  int
}

func (s *fakeSource) Name() string { return "fake" }
func (s *fakeSource) Open(context.Context) error {
	s.opens++
	return s.openErr
}
func (s *fakeSource) Frame() (video.Frame, error) { return video.Frame{}, video.ErrNoFrames }
func (s *fakeSource) Close() error {
	s.closes++
	return nil
}

func newTestStore(ch *fakeChannel, src *fakeSource) *Store {
	opts := Options{
		Channel:        ch,
		Catalog:        catalog.New(nil),
		Viewport:       core.Viewport{Width: 1000, Height: 500},
		CameraSource:   "webcam",
		ConnectTimeout: 50 * time.Millisecond,
	}
	if src != nil {
		opts.Source = src
	}
	return New(opts)
}

func telemetry(t *testing.T, raw string) protocol.Telemetry {
	t.Helper()
	tm, err := protocol.ParseTelemetry([]byte(raw))
	require.NoError(t, err)
	return tm
}

func newDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(logging.NewDispatcherLogger(zerolog.Nop()))
	require.NoError(t, err)
	return d
}

func TestToggle_StartConnectsAndSends(t *testing.T) {
	ch := &fakeChannel{connectTo: connection.Connected}
	src := &fakeSource{}
	s := newTestStore(ch, src)
	s.SetParameters(core.ControlParameters{HeadX: 0.7})

	require.NoError(t, s.ToggleTracking(context.Background()))

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.True(t, snap.SourceAcquired)
	assert.Equal(t, core.ControlParameters{}, snap.Parameters)
	assert.Equal(t, []string{protocol.CommandStartTracking}, ch.commands())
	assert.Equal(t, "webcam", ch.sent[0].CameraSource)
	assert.Equal(t, 1, src.opens)
}

func TestToggle_SourceFailureAborts(t *testing.T) {
	ch := &fakeChannel{connectTo: connection.Connected}
	s := newTestStore(ch, &fakeSource{openErr: errors.New("permission denied")})

	err := s.ToggleTracking(context.Background())
	assert.ErrorContains(t, err, "permission denied")
	assert.False(t, s.Snapshot().Running)
	assert.Empty(t, ch.commands())
	assert.Equal(t, connection.Disconnected, ch.State())
}

func TestToggle_ConnectTimeoutLeavesStopped(t *testing.T) {
	ch := &fakeChannel{connectTo: connection.Connecting}
	s := newTestStore(ch, nil)

	err := s.ToggleTracking(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, s.Snapshot().Running)
	assert.Empty(t, ch.commands())
}

func TestToggle_UsesEnsure(t *testing.T) {
	ch := &fakeChannel{}
	var ensured int
	s := New(Options{
		Channel: ch,
		Ensure: func(context.Context) error {
			ensured++
			ch.mu.Lock()
			ch.state = connection.Connected
			ch.mu.Unlock()
			return connection.ErrConnecting
		},
	})

	require.NoError(t, s.ToggleTracking(context.Background()))
	assert.Equal(t, 1, ensured)
	assert.True(t, s.Snapshot().Running)
}

func TestToggle_StopWhileDisconnectedStillStops(t *testing.T) {
	ch := &fakeChannel{connectTo: connection.Connected}
	s := newTestStore(ch, nil)
	require.NoError(t, s.ToggleTracking(context.Background()))

	ch.Disconnect()
	s.HandleResult(&core.DetectionResult{X: 500, Y: 250})
	require.True(t, s.Snapshot().FaceDetected)

	err := s.ToggleTracking(context.Background())
	assert.ErrorIs(t, err, connection.ErrNotConnected)

	snap := s.Snapshot()
	assert.False(t, snap.Running)
	assert.False(t, snap.FaceDetected)
	assert.Equal(t, core.ControlParameters{}, snap.Parameters)
}

func TestToggle_StartStop(t *testing.T) {
	ch := &fakeChannel{connectTo: connection.Connected}
	s := newTestStore(ch, nil)

	require.NoError(t, s.ToggleTracking(context.Background()))
	require.NoError(t, s.ToggleTracking(context.Background()))

	assert.False(t, s.Snapshot().Running)
	assert.Equal(t, []string{protocol.CommandStartTracking, protocol.CommandStopTracking}, ch.commands())
}

func TestSwitchModel_Unknown(t *testing.T) {
	ch := &fakeChannel{state: connection.Connected}
	s := newTestStore(ch, nil)

	err := s.SwitchModel("Nobody")
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.Empty(t, ch.commands())
	assert.Empty(t, s.Snapshot().SelectedModel)
}

func TestSwitchModel_FromModelsList(t *testing.T) {
	ch := &fakeChannel{state: connection.Connected}
	s := newTestStore(ch, nil)
	d := newDispatcher(t)
	s.RegisterHandlers(d)

	require.NoError(t, d.Dispatch(telemetry(t, `{"type":"models_list","data":{"models":["A","B"]}}`)))
	assert.Equal(t, []string{"A", "B"}, core.ModelNames(s.Snapshot().Models))

	require.NoError(t, s.SwitchModel("A"))
	assert.Equal(t, "A", s.Snapshot().SelectedModel)
	require.Len(t, ch.sent, 1)
	assert.Equal(t, protocol.SwitchModel("A"), ch.sent[0])
}

func TestSwitchModel_SendFailureReported(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestStore(ch, nil)
	s.catalog.Set([]core.ModelDescriptor{{Name: "A"}})

	err := s.SwitchModel("A")
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Equal(t, "A", s.Snapshot().SelectedModel)
}

func TestSwitchExpressionAndPosition(t *testing.T) {
	ch := &fakeChannel{state: connection.Connected}
	s := newTestStore(ch, nil)

	require.NoError(t, s.SwitchExpression("smile"))
	require.NoError(t, s.SwitchPosition(core.Position{X: 1, Y: 2, Z: 3}))

	snap := s.Snapshot()
	assert.Equal(t, "smile", snap.Expression)
	assert.Equal(t, core.Position{X: 1, Y: 2, Z: 3}, snap.Position)
	assert.Equal(t, []string{protocol.CommandExpression, protocol.CommandPosition}, ch.commands())
}

func TestFaceData_MapsParameters(t *testing.T) {
	s := newTestStore(&fakeChannel{}, nil)
	d := newDispatcher(t)
	s.RegisterHandlers(d)

	require.NoError(t, d.Dispatch(telemetry(t, `{"type":"face_data","data":[{"x":500,"y":250,"width":10,"height":10}]}`)))
	snap := s.Snapshot()
	assert.True(t, snap.FaceDetected)
	assert.Equal(t, 0.5, snap.Parameters.HeadX)
	assert.Equal(t, 0.5, snap.Parameters.HeadY)

	require.NoError(t, d.Dispatch(telemetry(t, `{"type":"face_data","data":[]}`)))
	snap = s.Snapshot()
	assert.False(t, snap.FaceDetected)
	assert.Equal(t, core.ControlParameters{}, snap.Parameters)
}

func TestFaceData_PositionAndExpression(t *testing.T) {
	s := newTestStore(&fakeChannel{}, nil)
	s.SetParameters(core.ControlParameters{Mouth: 0.4})
	d := newDispatcher(t)
	s.RegisterHandlers(d)

	require.NoError(t, d.Dispatch(telemetry(t, `{"type":"face_data","data":{"position":{"x":1,"y":2,"z":0},"expression":"happy"}}`)))
	snap := s.Snapshot()
	assert.True(t, snap.FaceDetected)
	assert.Equal(t, "happy", snap.Expression)
	assert.Equal(t, core.Position{X: 1, Y: 2}, snap.Position)
	assert.Equal(t, 0.4, snap.Parameters.Mouth)
}

func TestTelemetry_FpsErrorConfig(t *testing.T) {
	s := newTestStore(&fakeChannel{}, nil)
	d := newDispatcher(t)
	s.RegisterHandlers(d)

	require.NoError(t, d.Dispatch(telemetry(t, `{"type":"fps","data":{"value":29.5}}`)))
	require.NoError(t, d.Dispatch(telemetry(t, `{"type":"error","data":{"message":"camera busy"}}`)))
	require.NoError(t, d.Dispatch(telemetry(t, `{"type":"config","data":{"refresh_rate":30}}`)))

	snap := s.Snapshot()
	assert.Equal(t, 29.5, snap.Fps)
	assert.Equal(t, "camera busy", snap.LastError)
	assert.Equal(t, float64(30), snap.BackendConfig["refresh_rate"])
}

func TestTelemetry_Malformed(t *testing.T) {
	s := newTestStore(&fakeChannel{}, nil)
	d := newDispatcher(t)
	s.RegisterHandlers(d)

	assert.Error(t, d.Dispatch(telemetry(t, `{"type":"fps","data":"fast"}`)))
	assert.Zero(t, s.Snapshot().Fps)
}

type staticModels []core.ModelDescriptor

func (m staticModels) Models(context.Context) ([]core.ModelDescriptor, error) { return m, nil }

func TestLoadModels(t *testing.T) {
	s := New(Options{
		Channel: &fakeChannel{},
		Catalog: catalog.New(staticModels{{Name: "Hiyori"}}),
	})

	require.NoError(t, s.LoadModels(context.Background()))
	assert.Equal(t, []string{"Hiyori"}, core.ModelNames(s.Snapshot().Models))
}

func TestSubscribe_LatestSnapshot(t *testing.T) {
	s := newTestStore(&fakeChannel{}, nil)
	updates, cancel := s.Subscribe()
	defer cancel()

	s.SetParameters(core.ControlParameters{HeadX: 0.1})
	s.SetParameters(core.ControlParameters{HeadX: 0.2})

	select {
	case snap := <-updates:
		assert.Equal(t, 0.2, snap.Parameters.HeadX)
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}

	cancel()
	_, ok := <-updates
	assert.False(t, ok)
}

func TestMirrorConnection(t *testing.T) {
	s := newTestStore(&fakeChannel{}, nil)
	s.MirrorConnection(connection.Failed)
	assert.Equal(t, connection.Failed, s.Snapshot().Connection)
}

func TestMirrorConnection_RequestsConfigOnConnect(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestStore(ch, nil)
	d := newDispatcher(t)
	s.RegisterHandlers(d)

	ch.state = connection.Connected
	s.MirrorConnection(connection.Connecting)
	s.MirrorConnection(connection.Connected)
	s.MirrorConnection(connection.Connected)
	assert.Equal(t, []string{protocol.CommandGetConfig}, ch.commands(), "one request per transition")

	require.NoError(t, d.Dispatch(telemetry(t, `{"type":"config","data":{"refresh_rate":24,"camera":0}}`)))
	assert.Equal(t, float64(24), s.Snapshot().BackendConfig["refresh_rate"])

	// a reconnect asks again
	s.MirrorConnection(connection.Disconnected)
	s.MirrorConnection(connection.Connected)
	assert.Equal(t, []string{protocol.CommandGetConfig, protocol.CommandGetConfig}, ch.commands())
}

func TestMirrorConnection_ConfigRequestFailureKeepsState(t *testing.T) {
	ch := &fakeChannel{}
	s := newTestStore(ch, nil)

	// the channel reports connected to the store but drops the write
	ch.state = connection.Connected
	ch.sendErr = errors.New("broken pipe")
	s.MirrorConnection(connection.Connected)

	assert.Equal(t, connection.Connected, s.Snapshot().Connection)
	assert.Empty(t, ch.commands())
}

func TestSubscribe_ConcurrentUpdatesEndOnLatest(t *testing.T) {
	s := newTestStore(&fakeChannel{}, nil)
	updates, cancel := s.Subscribe()
	defer cancel()

	const writers, rounds = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				s.SetParameters(core.ControlParameters{HeadX: float64(w*rounds + i)})
				if i%50 == 0 {
					s.MirrorConnection(connection.Failed)
				}
			}
		}(w)
	}
	wg.Wait()

	// the channel holds at most one snapshot, and it is the final one
	var last Snapshot
	select {
	case last = <-updates:
	case <-time.After(time.Second):
		t.Fatal("no snapshot delivered")
	}
	assert.Equal(t, s.Snapshot(), last)

	select {
	case extra := <-updates:
		t.Fatalf("unexpected extra snapshot %+v", extra)
	default:
	}
}

func TestCleanup(t *testing.T) {
	ch := &fakeChannel{connectTo: connection.Connected}
	src := &fakeSource{}
	s := newTestStore(ch, src)
	require.NoError(t, s.ToggleTracking(context.Background()))

	s.Cleanup()

	snap := s.Snapshot()
	assert.False(t, snap.Running)
	assert.False(t, snap.SourceAcquired)
	assert.Equal(t, 1, ch.disconnects)
	assert.Equal(t, 1, src.closes)
}
