package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/live2d-driver/facedriver/internal/retry"
)

// DefaultReconnectDelay is the fixed pause before reconnecting or
// respawning the backend.
const DefaultReconnectDelay = time.Second

// Keeper reconnects the supervisor a fixed delay after it leaves the
// connected state. It never stacks more than one pending attempt.
type Keeper struct {
	conn   *Supervisor
	sched  *retry.Scheduler
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	enabled bool
	cancel  func() bool
}

func NewKeeper(conn *Supervisor, sched *retry.Scheduler, delay time.Duration, logger *slog.Logger) *Keeper {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	k := &Keeper{conn: conn, sched: sched, delay: delay, logger: logger}
	conn.OnStateChange(k.onState)
	return k
}

// Start enables reconnects. If the channel is already down one attempt is
// scheduled right away.
func (k *Keeper) Start() {
	k.mu.Lock()
	k.enabled = true
	k.mu.Unlock()

	if st := k.conn.State(); st == Disconnected || st == Failed {
		k.schedule()
	}
}

// Stop disables reconnects and cancels the pending attempt.
func (k *Keeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.enabled = false
	if k.cancel != nil {
		k.cancel()
		k.cancel = nil
	}
}

func (k *Keeper) onState(st State) {
	if st == Disconnected || st == Failed {
		k.schedule()
	}
}

func (k *Keeper) schedule() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.enabled || k.cancel != nil {
		return
	}

	k.logger.Debug("Reconnect scheduled", "delay", k.delay)
	k.cancel = k.sched.After(k.delay, func() {
		k.mu.Lock()
		k.cancel = nil
		enabled := k.enabled
		k.mu.Unlock()
		if !enabled {
			return
		}

		err := k.conn.Connect(context.Background())
		if err != nil && !errors.Is(err, ErrConnecting) {
			k.logger.Warn("Reconnect failed", "error", err)
		}
	})
}
