package dispatcher

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/live2d-driver/facedriver/pkg/protocol"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func (l *testLogger) hasError() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, msg := range l.messages {
		if strings.HasPrefix(msg, "ERROR") {
			return true
		}
	}
	return false
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	return d, logger
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got protocol.Telemetry
	d.Register(protocol.TypeFps, func(tel protocol.Telemetry) error {
		got = tel
		return nil
	})

	err := d.Dispatch(protocol.Telemetry{Type: protocol.TypeFps, Data: []byte(`30`)})

	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if string(got.Data) != "30" {
		t.Errorf("handler got %q", got.Data)
	}
}

func TestDispatcher_FanOutInOrder(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var order []string
	d.Register(protocol.TypeFaceData, func(protocol.Telemetry) error {
		order = append(order, "store")
		return nil
	})
	d.Register(protocol.TypeFaceData, func(protocol.Telemetry) error {
		order = append(order, "recorder")
		return errors.New("disk full")
	})

	err := d.Dispatch(protocol.Telemetry{Type: protocol.TypeFaceData})

	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected joined handler error, got %v", err)
	}
	if strings.Join(order, ",") != "store,recorder" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestDispatcher_UnknownType(t *testing.T) {
	d, _ := newTestDispatcher(t)

	err := d.Dispatch(protocol.Telemetry{Type: "calibration"})

	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestDispatcher_HandleRawLogsAndDrops(t *testing.T) {
	d, logger := newTestDispatcher(t)

	var calls atomic.Int32
	d.Register(protocol.TypeError, func(protocol.Telemetry) error {
		calls.Add(1)
		return nil
	})

	d.HandleRaw([]byte(`{not json`))
	d.HandleRaw([]byte(`{"type":"calibration"}`))
	d.HandleRaw([]byte(`{"type":"error","message":"camera busy"}`))

	if calls.Load() != 1 {
		t.Errorf("expected 1 handled, got %d", calls.Load())
	}
	if !logger.hasError() {
		t.Error("expected error log for dropped telemetry")
	}
}

func TestDispatcher_BufferedHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	d.Register(protocol.TypeFps, func(protocol.Telemetry) error {
		processed.Add(1)
		wg.Done()
		return nil
	}, Buffered(100))

	for i := 0; i < 3; i++ {
		if err := d.Dispatch(protocol.Telemetry{Type: protocol.TypeFps}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	wg.Wait()

	if processed.Load() != 3 {
		t.Errorf("expected 3 processed, got %d", processed.Load())
	}
}

func TestDispatcher_BufferedDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	d.Register(protocol.TypeFps, func(protocol.Telemetry) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	}, Buffered(2))

	d.Dispatch(protocol.Telemetry{Type: protocol.TypeFps}) // being processed
	<-started
	d.Dispatch(protocol.Telemetry{Type: protocol.TypeFps}) // queued
	d.Dispatch(protocol.Telemetry{Type: protocol.TypeFps}) // queued

	err := d.Dispatch(protocol.Telemetry{Type: protocol.TypeFps})

	if err == nil {
		t.Error("expected error when queue is full")
	}

	close(block)
}

func TestDispatcher_BufferedBlocking(t *testing.T) {
	d, _ := newTestDispatcher(t)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	d.Register(protocol.TypeFps, func(protocol.Telemetry) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	}, Buffered(1), Blocking())

	d.Dispatch(protocol.Telemetry{Type: protocol.TypeFps})
	<-started
	d.Dispatch(protocol.Telemetry{Type: protocol.TypeFps})

	done := make(chan struct{})
	go func() {
		d.Dispatch(protocol.Telemetry{Type: protocol.TypeFps})
		close(done)
	}()

	select {
	case <-done:
		t.Error("dispatch should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register(protocol.TypeModelsList, func(protocol.Telemetry) error {
		return fmt.Errorf("test error")
	}, Logged())

	d.Dispatch(protocol.Telemetry{Type: protocol.TypeModelsList})

	if !logger.hasError() {
		t.Error("expected error log message")
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register(protocol.TypeConfig, func(protocol.Telemetry) error { return nil })

	if !d.HasHandler(protocol.TypeConfig) {
		t.Error("expected handler to exist")
	}

	if d.HasHandler(protocol.TypeFps) {
		t.Error("expected handler to not exist")
	}
}
