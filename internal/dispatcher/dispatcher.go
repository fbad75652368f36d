// Package dispatcher routes parsed backend telemetry to the handlers
// registered for its type.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	fdotel "github.com/live2d-driver/facedriver/internal/otel"
	"github.com/live2d-driver/facedriver/pkg/protocol"
)

// ErrUnknownType is returned for telemetry nobody registered for.
var ErrUnknownType = errors.New("unknown telemetry type")

// HandlerFunc processes one telemetry message.
type HandlerFunc func(protocol.Telemetry) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered runs the handler on its own goroutine behind a queue of the given
// size. A full queue drops the message.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging around the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher fans telemetry out to every handler registered for its type,
// in registration order.
type Dispatcher struct {
	logger Logger

	processed metric.Int64Counter
	dropped   metric.Int64Counter
	queueSize metric.Int64ObservableGauge

	mu       sync.RWMutex
	handlers map[string][]HandlerFunc
	buffers  map[string][]chan protocol.Telemetry
}

// New creates a Dispatcher. Metrics go to the global OTel meter (no-op if
// not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string][]HandlerFunc),
		buffers:  make(map[string][]chan protocol.Telemetry),
		logger:   logger,
	}

	m := fdotel.ComponentMeter("dispatcher")

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of telemetry messages queued per type"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for typ, bufs := range d.buffers {
				n := 0
				for _, b := range bufs {
					n += len(b)
				}
				o.ObserveInt64(d.queueSize, int64(n),
					metric.WithAttributes(attribute.String("type", typ)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.telemetry.processed",
		metric.WithDescription("Total telemetry messages handled"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.telemetry.dropped",
		metric.WithDescription("Total telemetry messages dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the telemetry type. Several handlers may be
// registered for the same type.
func (d *Dispatcher) Register(msgType string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.logged {
		handler = d.withLogging(msgType, handler)
	}

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(msgType, cfg.bufferSize, cfg.blocking, handler)
	}

	d.mu.Lock()
	d.handlers[msgType] = append(d.handlers[msgType], handler)
	d.mu.Unlock()
}

// Dispatch routes a telemetry message to its handlers. Errors from several
// handlers are joined.
func (d *Dispatcher) Dispatch(t protocol.Telemetry) error {
	d.mu.RLock()
	hs := d.handlers[t.Type]
	d.mu.RUnlock()

	if len(hs) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownType, t.Type)
	}

	var errs []error
	for _, h := range hs {
		if err := h(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleRaw parses and dispatches one inbound message, logging and dropping
// anything that fails. It is the connection's telemetry callback.
func (d *Dispatcher) HandleRaw(raw []byte) {
	t, err := protocol.ParseTelemetry(raw)
	if err != nil {
		d.logger.Error("dropping malformed telemetry", "error", err, "raw", string(raw))
		return
	}
	if err := d.Dispatch(t); err != nil {
		d.logger.Error("telemetry not handled", "type", t.Type, "error", err)
	}
}

// HasHandler returns true if a handler is registered for the type.
func (d *Dispatcher) HasHandler(msgType string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[msgType]) > 0
}

func (d *Dispatcher) withBuffer(msgType string, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan protocol.Telemetry, size)

	d.mu.Lock()
	d.buffers[msgType] = append(d.buffers[msgType], buffer)
	d.mu.Unlock()

	typeAttr := attribute.String("type", msgType)

	go func() {
		for t := range buffer {
			if err := h(t); err != nil {
				d.logger.Error("buffered telemetry handler failed", "type", msgType, "error", err)
			}
			d.processed.Add(context.Background(), 1, metric.WithAttributes(typeAttr))
		}
	}()

	if blocking {
		return func(t protocol.Telemetry) error {
			buffer <- t
			return nil
		}
	}

	return func(t protocol.Telemetry) error {
		select {
		case buffer <- t:
			return nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(typeAttr))
			return fmt.Errorf("queue full: %s", msgType)
		}
	}
}

func (d *Dispatcher) withLogging(msgType string, h HandlerFunc) HandlerFunc {
	return func(t protocol.Telemetry) error {
		start := time.Now()
		d.logger.Debug("handling telemetry", "type", msgType, "bytes", len(t.Data))

		err := h(t)

		if err != nil {
			d.logger.Error("telemetry failed", "type", msgType, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("telemetry complete", "type", msgType, "duration", time.Since(start))
		}

		return err
	}
}
