// Package gormstorage implements storage.Backend on GORM (PostgreSQL or
// SQLite) with internal queues drained by a background writer goroutine.
package gormstorage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/live2d-driver/facedriver/internal/model"
	"github.com/live2d-driver/facedriver/internal/model/convert"
	"github.com/live2d-driver/facedriver/internal/queue"
	"github.com/live2d-driver/facedriver/pkg/core"
)

const (
	defaultFlushInterval = 2 * time.Second
	batchSize            = 500
	// maxPending caps each queue while the database is slow or absent.
	maxPending = 100_000
)

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB            *gorm.DB // nil runs in queue-only mode
	FlushInterval time.Duration
	Logger        zerolog.Logger
}

// queues holds the write queues for batch insertion.
type queues struct {
	Faces  *queue.Queue[model.FaceSample]
	Fps    *queue.Queue[model.FpsSample]
	Errors *queue.Queue[model.BackendError]
}

func newQueues() *queues {
	return &queues{
		Faces:  queue.NewBounded[model.FaceSample](maxPending),
		Fps:    queue.NewBounded[model.FpsSample](maxPending),
		Errors: queue.NewBounded[model.BackendError](maxPending),
	}
}

type Backend struct {
	deps      Dependencies
	log       zerolog.Logger
	queues    *queues
	sessionID atomic.Uint64
	nextLocal atomic.Uint64

	writeMu  sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

func New(deps Dependencies) *Backend {
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = defaultFlushInterval
	}
	return &Backend{
		deps: deps,
		log:  deps.Logger.With().Str("component", "storage.gorm").Logger(),
	}
}

// Init migrates the schema and starts the writer goroutine.
func (b *Backend) Init() error {
	b.queues = newQueues()
	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})

	if b.deps.DB == nil {
		close(b.done)
		return nil
	}

	b.log.Info().Msg("Migrating schema")
	if err := b.deps.DB.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	go b.writeLoop()
	return nil
}

// Close stops the writer and flushes what is still queued.
func (b *Backend) Close() error {
	if b.stopChan == nil {
		return nil
	}
	select {
	case <-b.stopChan:
		return nil
	default:
		close(b.stopChan)
	}
	<-b.done
	return b.flush()
}

func (b *Backend) writeLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.flush(); err != nil {
				b.log.Error().Err(err).Msg("Failed to write samples")
			}
		}
	}
}

// flush drains every queue into the database.
func (b *Backend) flush() error {
	if b.deps.DB == nil {
		return nil
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	db := b.deps.DB
	var firstErr error
	note := func(what string, n int, err error) {
		if err != nil {
			b.log.Error().Err(err).Str("table", what).Int("rows", n).Msg("Batch insert failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("insert %s: %w", what, err)
			}
			return
		}
		if n > 0 {
			b.log.Debug().Str("table", what).Int("rows", n).Msg("Batch inserted")
		}
	}

	n, err := drain(db, b.queues.Faces)
	note("face_samples", n, err)
	n, err = drain(db, b.queues.Fps)
	note("fps_samples", n, err)
	n, err = drain(db, b.queues.Errors)
	note("backend_errors", n, err)
	return firstErr
}

// drain writes everything queued in q in one transaction. A failed write
// puts the untouched rows back at the front of q for the next flush.
func drain[T any](db *gorm.DB, q *queue.Queue[T]) (int, error) {
	rows := q.GetAndEmpty()
	if len(rows) == 0 {
		return 0, nil
	}
	// CreateInBatches assigns IDs in place
	pending := append([]T(nil), rows...)
	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, batchSize).Error
	})
	if err != nil {
		q.Requeue(pending...)
	}
	return len(rows), err
}

// StartSession flushes the previous session's samples and inserts the new
// session row.
func (b *Backend) StartSession(s *core.Session) error {
	if err := b.flush(); err != nil {
		b.log.Warn().Err(err).Msg("Samples from previous session kept for retry")
	}

	if s.UUID == "" {
		s.UUID = uuid.NewString()
	}
	if b.deps.DB == nil {
		s.ID = uint(b.nextLocal.Add(1))
		b.sessionID.Store(uint64(s.ID))
		return nil
	}

	row := convert.CoreToSession(*s)
	if err := b.deps.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	s.ID = row.ID
	b.sessionID.Store(uint64(row.ID))
	b.log.Info().Uint("session", row.ID).Str("uuid", row.UUID).Msg("Session started")
	return nil
}

// EndSession writes the remaining samples and stamps the end time.
func (b *Backend) EndSession() error {
	id := uint(b.sessionID.Swap(0))
	if id == 0 {
		return core.ErrNoSession
	}
	if err := b.flush(); err != nil {
		return err
	}
	if b.deps.DB == nil {
		return nil
	}

	err := b.deps.DB.Model(&model.Session{}).
		Where("id = ?", id).
		Update("end_time", time.Now()).Error
	if err != nil {
		return fmt.Errorf("failed to end session %d: %w", id, err)
	}
	b.log.Info().Uint("session", id).Msg("Session ended")
	return nil
}

func (b *Backend) current() (uint, error) {
	id := uint(b.sessionID.Load())
	if id == 0 {
		return 0, core.ErrNoSession
	}
	return id, nil
}

func (b *Backend) RecordFace(f *core.FaceSample) error {
	id, err := b.current()
	if err != nil {
		return err
	}
	f.SessionID = id
	b.queues.Faces.Push(convert.CoreToFaceSample(*f))
	return nil
}

func (b *Backend) RecordFps(f *core.FpsSample) error {
	id, err := b.current()
	if err != nil {
		return err
	}
	f.SessionID = id
	b.queues.Fps.Push(convert.CoreToFpsSample(*f))
	return nil
}

func (b *Backend) RecordError(e *core.BackendError) error {
	id, err := b.current()
	if err != nil {
		return err
	}
	e.SessionID = id
	b.queues.Errors.Push(convert.CoreToBackendError(*e))
	return nil
}

// Pending returns the number of queued rows not yet written.
func (b *Backend) Pending() int {
	return b.queues.Faces.Len() + b.queues.Fps.Len() + b.queues.Errors.Len()
}
