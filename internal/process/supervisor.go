// Package process keeps the tracking backend process alive and ties its
// lifetime to the backend channel.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/live2d-driver/facedriver/internal/connection"
	"github.com/live2d-driver/facedriver/internal/retry"
)

var ErrStopped = errors.New("process supervisor stopped")

// Connector is the part of the connection supervisor the process
// supervisor drives.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// Handle identifies the live backend process.
type Handle struct {
	PID     int
	Started time.Time
}

type Config struct {
	Spec         Spec
	RespawnDelay time.Duration
	Logger       *slog.Logger
}

// Supervisor owns zero or one backend process.
type Supervisor struct {
	cfg     Config
	spawner Spawner
	conn    Connector
	sched   *retry.Scheduler
	logger  *slog.Logger
	output  *slog.Logger

	mu      sync.Mutex
	proc    Process
	handle  *Handle
	stopped bool
	respawn func() bool
	spawns  int
}

func New(cfg Config, spawner Spawner, conn Connector, sched *retry.Scheduler) *Supervisor {
	if cfg.RespawnDelay <= 0 {
		cfg.RespawnDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		spawner: spawner,
		conn:    conn,
		sched:   sched,
		logger:  logger.With("component", "process"),
		output:  logger.With("source", "backend"),
	}
}

// EnsureStarted spawns the backend unless one is running, then asks the
// connection to connect. A connect already in progress is not an error.
func (s *Supervisor) EnsureStarted(ctx context.Context) error {
	if err := s.spawn(ctx); err != nil {
		return err
	}

	if err := s.conn.Connect(ctx); err != nil && !errors.Is(err, connection.ErrConnecting) {
		return fmt.Errorf("connect to backend: %w", err)
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.proc != nil {
		return nil
	}

	proc, err := s.spawner.Spawn(ctx, s.cfg.Spec)
	if err != nil {
		s.logger.Error("Failed to start backend", "command", s.cfg.Spec.Command, "error", err)
		return fmt.Errorf("spawn backend: %w", err)
	}

	s.proc = proc
	s.handle = &Handle{PID: proc.Pid(), Started: time.Now()}
	s.spawns++
	s.logger.Info("Backend started", "pid", proc.Pid(), "command", s.cfg.Spec.Command)

	var wg sync.WaitGroup
	wg.Add(2)
	go s.forward(&wg, proc.Stdout(), "stdout")
	go s.forward(&wg, proc.Stderr(), "stderr")
	go s.wait(&wg, proc)

	return nil
}

// forward relays backend output line by line. Lines are logged, never
// interpreted.
func (s *Supervisor) forward(wg *sync.WaitGroup, r io.Reader, stream string) {
	defer wg.Done()
	if r == nil {
		return
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.output.Log(context.Background(), lineLevel(line), line, "stream", stream)
	}
}

func lineLevel(line string) slog.Level {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "[ERROR]"), strings.Contains(upper, "[CRITICAL]"), strings.Contains(upper, "TRACEBACK"):
		return slog.LevelError
	case strings.Contains(upper, "[WARN"):
		return slog.LevelWarn
	case strings.Contains(upper, "[DEBUG]"):
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func (s *Supervisor) wait(wg *sync.WaitGroup, proc Process) {
	wg.Wait()
	err := proc.Wait()

	s.mu.Lock()
	if s.proc == proc {
		s.proc = nil
		s.handle = nil
	}
	stopped := s.stopped
	s.mu.Unlock()

	s.logger.Warn("Backend exited", "pid", proc.Pid(), "code", ExitCode(err))

	s.conn.Disconnect()

	if !stopped {
		s.scheduleRespawn()
	}
}

func (s *Supervisor) scheduleRespawn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.respawn != nil {
		return
	}

	s.logger.Info("Respawning backend", "delay", s.cfg.RespawnDelay)
	s.respawn = s.sched.After(s.cfg.RespawnDelay, func() {
		s.mu.Lock()
		s.respawn = nil
		s.mu.Unlock()

		if err := s.EnsureStarted(context.Background()); err != nil && !errors.Is(err, ErrStopped) {
			s.logger.Error("Backend respawn failed", "error", err)
		}
	})
}

// Stop kills the backend and cancels any pending respawn. The supervisor
// cannot be restarted.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.respawn != nil {
		s.respawn()
		s.respawn = nil
	}
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(); err != nil {
			s.logger.Debug("Kill backend", "error", err)
		}
	}
}

// Handle returns the live process, or nil.
func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil
	}
	h := *s.handle
	return &h
}

// Spawns counts processes started so far.
func (s *Supervisor) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}
