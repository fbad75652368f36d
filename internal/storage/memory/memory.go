// internal/storage/memory/memory.go
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/live2d-driver/facedriver/internal/config"
	"github.com/live2d-driver/facedriver/internal/queue"
	"github.com/live2d-driver/facedriver/pkg/core"
)

// Export is the JSON document written for each finished session.
type Export struct {
	Session core.Session        `json:"session"`
	Faces   []core.FaceSample   `json:"faces"`
	Fps     []core.FpsSample    `json:"fps"`
	Errors  []core.BackendError `json:"errors"`
}

// Backend stores the active session in memory and exports it to JSON when
// the session ends.
type Backend struct {
	cfg config.MemoryConfig
	log zerolog.Logger

	mu       sync.Mutex
	session  *core.Session
	faces    *queue.Queue[core.FaceSample]
	fps      *queue.Queue[core.FpsSample]
	errors   *queue.Queue[core.BackendError]
	lastFile string
	finished []Export

	idCounter uint
}

func New(cfg config.MemoryConfig, log zerolog.Logger) *Backend {
	return &Backend{
		cfg:    cfg,
		log:    log.With().Str("component", "storage.memory").Logger(),
		faces:  queue.New[core.FaceSample](),
		fps:    queue.New[core.FpsSample](),
		errors: queue.New[core.BackendError](),
	}
}

func (b *Backend) Init() error {
	if b.cfg.OutputDir == "" {
		return nil
	}
	if err := os.MkdirAll(b.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}

// Close ends any active session so its data is exported.
func (b *Backend) Close() error {
	b.mu.Lock()
	active := b.session != nil
	b.mu.Unlock()
	if active {
		return b.EndSession()
	}
	return nil
}

// StartSession begins a new session, discarding anything left from an
// unfinished one.
func (b *Backend) StartSession(s *core.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.idCounter++
	s.ID = b.idCounter
	cp := *s
	b.session = &cp

	b.faces.Clear()
	b.fps.Clear()
	b.errors.Clear()
	return nil
}

// EndSession closes the active session and writes its export.
func (b *Backend) EndSession() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return core.ErrNoSession
	}
	end := time.Now()
	b.session.EndTime = &end

	exp := Export{
		Session: *b.session,
		Faces:   b.faces.GetAndEmpty(),
		Fps:     b.fps.GetAndEmpty(),
		Errors:  b.errors.GetAndEmpty(),
	}
	b.session = nil
	b.finished = append(b.finished, exp)

	return b.exportJSON(exp)
}

func (b *Backend) exportJSON(exp Export) error {
	if b.cfg.OutputDir == "" {
		return nil
	}

	name := fmt.Sprintf("session_%s_%d.json", exp.Session.StartTime.Format("20060102_150405"), exp.Session.ID)
	path := filepath.Join(b.cfg.OutputDir, name)

	data, err := json.MarshalIndent(exp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write session export: %w", err)
	}

	b.lastFile = path
	b.log.Info().
		Str("path", path).
		Int("faces", len(exp.Faces)).
		Int("fps", len(exp.Fps)).
		Int("errors", len(exp.Errors)).
		Msg("Session exported")
	return nil
}

func (b *Backend) active() (uint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return 0, core.ErrNoSession
	}
	return b.session.ID, nil
}

func (b *Backend) RecordFace(f *core.FaceSample) error {
	id, err := b.active()
	if err != nil {
		return err
	}
	f.SessionID = id
	b.faces.Push(*f)
	return nil
}

func (b *Backend) RecordFps(f *core.FpsSample) error {
	id, err := b.active()
	if err != nil {
		return err
	}
	f.SessionID = id
	b.fps.Push(*f)
	return nil
}

func (b *Backend) RecordError(e *core.BackendError) error {
	id, err := b.active()
	if err != nil {
		return err
	}
	e.SessionID = id
	b.errors.Push(*e)
	return nil
}

// ExportedFilePath returns the file written for the last finished session.
func (b *Backend) ExportedFilePath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFile
}

// Sessions returns the sessions finished since the backend was created.
func (b *Backend) Sessions() []Export {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Export(nil), b.finished...)
}
