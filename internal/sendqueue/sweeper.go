package sendqueue

import (
	"context"
	"time"

	"github.com/ovalles/dmsync/internal/bus"
	"go.uber.org/zap"
)

const (
	sweepInterval = 10 * time.Second
	sendDeadline  = 60 * time.Second
)

// Sweeper periodically fails pending sends whose confirmation never arrived.
type Sweeper struct {
	queue  *Queue
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	interval time.Duration
	deadline time.Duration
}

// NewSweeper creates a sweeper over the given queue.
func NewSweeper(q *Queue, b *bus.Bus, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		queue:    q,
		bus:      b,
		logger:   logger,
		interval: sweepInterval,
		deadline: sendDeadline,
	}
}

// Start begins the periodic sweep.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweep() {
	for _, entry := range s.queue.expire(s.deadline) {
		s.logger.Warn("send timed out waiting for confirmation",
			zap.String("temp_id", entry.TempID),
			zap.String("chat_id", entry.ChatID))
		s.bus.Publish(bus.Event{
			Kind:      "send.timeout",
			Timestamp: time.Now(),
			Payload: map[string]string{
				"temp_id": entry.TempID,
				"chat_id": entry.ChatID,
			},
		})
	}
}
