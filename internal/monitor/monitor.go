// Package monitor periodically reports pipeline status to the log and to a
// status file.
package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/live2d-driver/facedriver/internal/detection"
	"github.com/live2d-driver/facedriver/internal/store"
)

const defaultInterval = 10 * time.Second

// Dependencies holds all dependencies for the monitor service.
type Dependencies struct {
	Store *store.Store
	// Detection is optional; set when the local loop runs.
	Detection interface{ Stats() detection.Stats }
	// Pending reports rows waiting to be written by the recorder backend.
	Pending    func() int
	// Spawns reports backend processes started; nil without a supervisor.
	Spawns     func() int
	StatusPath string
	Interval   time.Duration
	Logger     *slog.Logger
}

// Status is one report.
type Status struct {
	Time         time.Time        `json:"time"`
	Connection   string           `json:"connection"`
	Running      bool             `json:"running"`
	FaceDetected bool             `json:"faceDetected"`
	Fps          float64          `json:"fps"`
	Model        string           `json:"model,omitempty"`
	Detection    *detection.Stats `json:"detection,omitempty"`
	PendingRows  int              `json:"pendingRows"`
	Spawns       int              `json:"backendSpawns"`
}

// Service manages status monitoring.
type Service struct {
	deps   Dependencies
	logger *slog.Logger

	mu        sync.Mutex
	isRunning bool
	stopChan  chan struct{}
	done      chan struct{}
}

func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = defaultInterval
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{deps: deps, logger: logger.With("component", "monitor")}
}

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// GetStatus collects the current status.
func (s *Service) GetStatus() Status {
	snap := s.deps.Store.Snapshot()
	st := Status{
		Time:         time.Now(),
		Connection:   snap.Connection.String(),
		Running:      snap.Running,
		FaceDetected: snap.FaceDetected,
		Fps:          snap.Fps,
		Model:        snap.SelectedModel,
	}
	if s.deps.Detection != nil {
		stats := s.deps.Detection.Stats()
		st.Detection = &stats
	}
	if s.deps.Pending != nil {
		st.PendingRows = s.deps.Pending()
	}
	if s.deps.Spawns != nil {
		st.Spawns = s.deps.Spawns()
	}
	return st
}

// Start starts the status monitor goroutine.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})

	go s.run(s.stopChan, s.done)
}

func (s *Service) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.deps.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			st := s.GetStatus()
			s.logger.Info("Status",
				"connection", st.Connection,
				"running", st.Running,
				"face", st.FaceDetected,
				"fps", st.Fps,
				"pending", st.PendingRows,
				"spawns", st.Spawns,
			)
			if err := s.writeStatusFile(st); err != nil {
				s.logger.Warn("Error writing status file", "error", err)
			}
		}
	}
}

func (s *Service) writeStatusFile(st Status) error {
	if s.deps.StatusPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return os.WriteFile(s.deps.StatusPath, data, 0o644)
}

// Stop stops the monitor and waits for the goroutine to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}
