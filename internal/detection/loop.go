// Package detection runs the frame-capture and inference loop.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	fdotel "github.com/live2d-driver/facedriver/internal/otel"
	"github.com/live2d-driver/facedriver/internal/video"
	"github.com/live2d-driver/facedriver/pkg/core"
)

var (
	ErrAlreadyRunning = errors.New("detection loop already running")
	ErrNotInitialized = errors.New("detection loop has no detector")
)

// ResultFunc receives the first face of each cycle, or nil when none was
// found. It runs on the loop goroutine and must not call Stop.
type ResultFunc func(*core.DetectionResult)

type Config struct {
	// RefreshRate drives the default ticker clock when NewClock is nil.
	RefreshRate float64
	// NewClock builds the pacing clock for each run; tests inject a manual one.
	NewClock func() Clock
	Logger   *slog.Logger
}

// Stats is a snapshot of the loop counters.
type Stats struct {
	Cycles      int64
	Faces       int64
	Misses      int64
	Errors      int64
	LastLatency time.Duration
	Running     bool
}

// Loop grabs a frame per refresh tick, runs one inference and delivers the
// result. It never has more than one inference outstanding.
type Loop struct {
	cfg      Config
	logger   *slog.Logger
	detector Detector

	mu      sync.Mutex
	current *run

	cycles      atomic.Int64
	faces       atomic.Int64
	misses      atomic.Int64
	errors      atomic.Int64
	lastLatency atomic.Int64

	cycleCounter metric.Int64Counter
	errorCounter metric.Int64Counter
	latency      metric.Float64Histogram
}

// run is one Start..Stop span. Deliveries check their own run so a stale
// goroutine can never deliver into a later run.
type run struct {
	cancel   context.CancelFunc
	mu       sync.Mutex
	active   bool
	inflight sync.WaitGroup
}

func New(cfg Config) (*Loop, error) {
	l := &Loop{cfg: cfg, logger: cfg.Logger}
	if l.logger == nil {
		l.logger = slog.Default()
	}

	m := fdotel.ComponentMeter("detection")
	var err error

	l.cycleCounter, err = m.Int64Counter("detection.cycles",
		metric.WithDescription("Detection cycles run"))
	if err != nil {
		return nil, fmt.Errorf("creating cycle counter: %w", err)
	}

	l.errorCounter, err = m.Int64Counter("detection.errors",
		metric.WithDescription("Frame grab or inference failures"))
	if err != nil {
		return nil, fmt.Errorf("creating error counter: %w", err)
	}

	l.latency, err = m.Float64Histogram("detection.latency",
		metric.WithDescription("Inference latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("creating latency histogram: %w", err)
	}

	return l, nil
}

// Init loads the model. A load failure is returned as-is and not retried.
func (l *Loop) Init(ctx context.Context, d Detector) error {
	if err := d.Load(ctx); err != nil {
		return fmt.Errorf("load detector: %w", err)
	}
	l.mu.Lock()
	l.detector = d
	l.mu.Unlock()
	l.logger.Info("Detector loaded")
	return nil
}

// Start begins the loop. Starting a running loop returns ErrAlreadyRunning
// and changes nothing.
func (l *Loop) Start(source video.Source, onResult ResultFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.detector == nil {
		return ErrNotInitialized
	}
	if l.current != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, active: true}
	l.current = r

	go l.loop(ctx, r, l.detector, source, onResult)

	l.logger.Info("Detection loop started", "source", source.Name())
	return nil
}

// Stop ends the loop. Once it returns, onResult is not called again. It
// is safe to call when not running.
func (l *Loop) Stop() {
	l.mu.Lock()
	r := l.current
	l.current = nil
	l.mu.Unlock()

	if r == nil {
		return
	}

	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
	r.cancel()
	r.inflight.Wait()

	l.logger.Info("Detection loop stopped")
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current != nil
}

func (l *Loop) Stats() Stats {
	return Stats{
		Cycles:      l.cycles.Load(),
		Faces:       l.faces.Load(),
		Misses:      l.misses.Load(),
		Errors:      l.errors.Load(),
		LastLatency: time.Duration(l.lastLatency.Load()),
		Running:     l.Running(),
	}
}

func (l *Loop) loop(ctx context.Context, r *run, d Detector, source video.Source, onResult ResultFunc) {
	var clock Clock
	if l.cfg.NewClock != nil {
		clock = l.cfg.NewClock()
	} else {
		tc := NewTickerClock(l.cfg.RefreshRate)
		defer tc.Stop()
		clock = tc
	}

	for {
		if err := clock.Wait(ctx); err != nil {
			return
		}
		if !r.isActive() {
			return
		}
		l.cycle(ctx, r, d, source, onResult)
		if !r.isActive() {
			return
		}
	}
}

func (l *Loop) cycle(ctx context.Context, r *run, d Detector, source video.Source, onResult ResultFunc) {
	l.cycles.Add(1)
	l.cycleCounter.Add(ctx, 1)

	frame, err := source.Frame()
	if err != nil {
		l.fail(ctx, "Frame grab failed", err)
		return
	}

	start := time.Now()
	faces, err := d.Detect(ctx, frame)
	elapsed := time.Since(start)
	l.lastLatency.Store(int64(elapsed))
	l.latency.Record(ctx, float64(elapsed.Microseconds())/1000)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.fail(ctx, "Detection failed", err)
		return
	}

	var result *core.DetectionResult
	if len(faces) > 0 {
		l.faces.Add(1)
		result = toResult(faces[0], frame)
	} else {
		l.misses.Add(1)
	}

	r.deliver(result, onResult)
}

func (l *Loop) fail(ctx context.Context, msg string, err error) {
	l.errors.Add(1)
	l.errorCounter.Add(ctx, 1)
	l.logger.Warn(msg, "error", err)
}

func (r *run) isActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *run) deliver(result *core.DetectionResult, onResult ResultFunc) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	r.inflight.Add(1)
	r.mu.Unlock()

	defer r.inflight.Done()
	onResult(result)
}

func toResult(f Face, frame video.Frame) *core.DetectionResult {
	ts := frame.Captured
	if ts.IsZero() {
		ts = time.Now()
	}
	return &core.DetectionResult{
		X:         f.X,
		Y:         f.Y,
		Width:     f.Width,
		Height:    f.Height,
		Landmarks: f.Landmarks,
		Timestamp: ts,
	}
}
