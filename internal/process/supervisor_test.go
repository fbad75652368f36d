package process

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/live2d-driver/facedriver/internal/connection"
	"github.com/live2d-driver/facedriver/internal/retry"
)

type fakeProcess struct {
	pid    int
	stdout *io.PipeReader
	stderr *io.PipeReader
	outW   *io.PipeWriter
	errW   *io.PipeWriter
	exit   chan error
	once   sync.Once
}

func newFakeProcess(pid int) *fakeProcess {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &fakeProcess{pid: pid, stdout: outR, stderr: errR, outW: outW, errW: errW, exit: make(chan error, 1)}
}

func (p *fakeProcess) Pid() int          { return p.pid }
func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }
func (p *fakeProcess) Wait() error       { return <-p.exit }
func (p *fakeProcess) Kill() error {
	p.crash(errors.New("killed"))
	return nil
}

// crash closes the output streams and makes Wait return err.
func (p *fakeProcess) crash(err error) {
	p.once.Do(func() {
		p.outW.Close()
		p.errW.Close()
		p.exit <- err
	})
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error
}

func (s *fakeSpawner) Spawn(context.Context, Spec) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess(1000 + len(s.procs))
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

type fakeConn struct {
	connects    atomic.Int32
	disconnects atomic.Int32
	connectErr  error
}

func (c *fakeConn) Connect(context.Context) error {
	c.connects.Add(1)
	return c.connectErr
}

func (c *fakeConn) Disconnect() { c.disconnects.Add(1) }

func newTestSupervisor(t *testing.T, delay time.Duration, logger *slog.Logger) (*Supervisor, *fakeSpawner, *fakeConn) {
	t.Helper()
	sched := retry.NewScheduler()
	t.Cleanup(sched.Close)
	sp := &fakeSpawner{}
	conn := &fakeConn{}
	s := New(Config{Spec: Spec{Command: "python3"}, RespawnDelay: delay, Logger: logger}, sp, conn, sched)
	t.Cleanup(s.Stop)
	return s, sp, conn
}

func TestEnsureStarted_SpawnsOnce(t *testing.T) {
	s, sp, conn := newTestSupervisor(t, time.Second, nil)

	require.NoError(t, s.EnsureStarted(context.Background()))
	require.NoError(t, s.EnsureStarted(context.Background()))

	assert.Equal(t, 1, sp.count())
	assert.Equal(t, int32(2), conn.connects.Load())
	require.NotNil(t, s.Handle())
	assert.Equal(t, 1000, s.Handle().PID)
}

func TestEnsureStarted_ConnectingIsNotAnError(t *testing.T) {
	s, _, conn := newTestSupervisor(t, time.Second, nil)
	conn.connectErr = connection.ErrConnecting

	assert.NoError(t, s.EnsureStarted(context.Background()))
}

func TestEnsureStarted_SpawnFailure(t *testing.T) {
	s, sp, conn := newTestSupervisor(t, time.Second, nil)
	sp.err = errors.New("python3: not found")

	err := s.EnsureStarted(context.Background())

	assert.ErrorContains(t, err, "not found")
	assert.Nil(t, s.Handle())
	assert.Equal(t, int32(0), conn.connects.Load())
}

func TestCrash_RespawnsExactlyOnce(t *testing.T) {
	s, sp, conn := newTestSupervisor(t, 30*time.Millisecond, nil)
	require.NoError(t, s.EnsureStarted(context.Background()))

	sp.last().crash(errors.New("exit status 1"))

	require.Eventually(t, func() bool { return conn.disconnects.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Nil(t, s.Handle())

	require.Eventually(t, func() bool { return sp.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, sp.count())
	assert.Equal(t, int32(2), conn.connects.Load())
	require.NotNil(t, s.Handle())
	assert.Equal(t, 1001, s.Handle().PID)
	assert.Equal(t, 2, s.Spawns())
}

func TestStop_NoRespawn(t *testing.T) {
	s, sp, conn := newTestSupervisor(t, 20*time.Millisecond, nil)
	require.NoError(t, s.EnsureStarted(context.Background()))

	s.Stop()

	require.Eventually(t, func() bool { return conn.disconnects.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, sp.count())
	assert.Nil(t, s.Handle())
	assert.ErrorIs(t, s.EnsureStarted(context.Background()), ErrStopped)
}

func TestStop_CancelsPendingRespawn(t *testing.T) {
	s, sp, _ := newTestSupervisor(t, 50*time.Millisecond, nil)
	require.NoError(t, s.EnsureStarted(context.Background()))
	sp.last().crash(nil)

	time.Sleep(10 * time.Millisecond)
	s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sp.count())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestOutputForwardedWithLevels(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, sp, _ := newTestSupervisor(t, time.Second, logger)
	require.NoError(t, s.EnsureStarted(context.Background()))

	p := sp.last()
	go func() {
		io.WriteString(p.outW, "Tracking started\n")
		io.WriteString(p.outW, "[DEBUG] frame 12\n")
	}()
	go func() {
		io.WriteString(p.errW, "[ERROR] camera not available\n")
		io.WriteString(p.errW, "[WARNING] low light\n")
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "low light") && strings.Contains(buf.String(), "frame 12")
	}, time.Second, 5*time.Millisecond)

	out := buf.String()
	assert.Contains(t, out, `level=INFO msg="Tracking started"`)
	assert.Contains(t, out, `level=DEBUG msg="[DEBUG] frame 12"`)
	assert.Contains(t, out, `level=ERROR msg="[ERROR] camera not available" source=backend stream=stderr`)
	assert.Contains(t, out, `level=WARN msg="[WARNING] low light"`)
}

func TestLineLevel(t *testing.T) {
	assert.Equal(t, slog.LevelError, lineLevel("[CRITICAL] boom"))
	assert.Equal(t, slog.LevelError, lineLevel("Traceback (most recent call last):"))
	assert.Equal(t, slog.LevelWarn, lineLevel("[warn] hmm"))
	assert.Equal(t, slog.LevelInfo, lineLevel("server listening on 50836"))
}

func TestExecSpawner_RealProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	p, err := ExecSpawner{}.Spawn(context.Background(), Spec{Command: "sh", Args: []string{"-c", "echo ready; exit 3"}})
	require.NoError(t, err)
	assert.Greater(t, p.Pid(), 0)

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	_, _ = io.ReadAll(p.Stderr())
	assert.Equal(t, "ready\n", string(out))

	assert.Equal(t, 3, ExitCode(p.Wait()))
}

func TestExecSpawner_MissingCommand(t *testing.T) {
	_, err := ExecSpawner{}.Spawn(context.Background(), Spec{Command: "definitely-not-a-real-binary-xyz"})
	assert.Error(t, err)

	_, err = ExecSpawner{}.Spawn(context.Background(), Spec{})
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, -1, ExitCode(errors.New("signal: killed")))
}
