package approval

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires overdue approval requests. Expiry is also
// checked lazily on Resolve; the sweep guarantees abandoned requests
// terminate their executions even when nobody ever touches them again.
type Sweeper struct {
	gate     *Gate
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
	stopped  chan struct{}
}

// NewSweeper creates a sweeper for the gate. Interval defaults to 1m.
func NewSweeper(gate *Gate, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		gate:     gate,
		interval: interval,
		logger:   slog.Default().With("component", "approval_sweeper"),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				expired, err := s.gate.ExpireOverdue(ctx)
				if err != nil {
					s.logger.Warn("approval sweep failed", "error", err)
					continue
				}
				if expired > 0 {
					s.logger.Info("expired overdue approvals", "count", expired)
				}
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.done)
	<-s.stopped
}
