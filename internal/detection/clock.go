package detection

import (
	"context"
	"time"
)

// Clock paces the loop. Wait blocks until the next refresh or ctx is done.
type Clock interface {
	Wait(ctx context.Context) error
}

// TickerClock ticks at a fixed rate, standing in for the display refresh.
type TickerClock struct {
	ticker *time.Ticker
}

// NewTickerClock returns a clock ticking hz times per second. Non-positive
// rates fall back to 60 Hz.
func NewTickerClock(hz float64) *TickerClock {
	if hz <= 0 {
		hz = 60
	}
	return &TickerClock{ticker: time.NewTicker(time.Duration(float64(time.Second) / hz))}
}

func (c *TickerClock) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ticker.C:
		return nil
	}
}

func (c *TickerClock) Stop() {
	c.ticker.Stop()
}
