// Package sweeper releases credit reservations held by sessions that never
// progressed past pending. A crash between Block and the provider dial, or a
// lost rollback refund, leaves credits blocked with nobody coming back for
// them; the sweeper is the safety net that returns them.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StaleReleaser is implemented by the session service.
type StaleReleaser interface {
	ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// DefaultTTL is how long a pending reservation may sit before it is released.
const DefaultTTL = 30 * time.Minute

// DefaultBatchSize bounds how many sessions one tick releases.
const DefaultBatchSize = 50

// Sweeper runs the periodic release loop.
type Sweeper struct {
	sessions  StaleReleaser
	logger    *zap.Logger
	interval  time.Duration
	ttl       time.Duration
	batchSize int
}

// New builds a sweeper. Non-positive interval, ttl, or batch size fall back to
// defaults.
func New(sessions StaleReleaser, logger *zap.Logger, interval, ttl time.Duration, batchSize int) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Sweeper{
		sessions:  sessions,
		logger:    logger.Named("sweeper"),
		interval:  interval,
		ttl:       ttl,
		batchSize: batchSize,
	}
}

// Start runs the loop until the context is cancelled. Blocking call.
func (sweeper *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	sweeper.logger.Info("stale reservation sweeper started",
		zap.Duration("interval", sweeper.interval),
		zap.Duration("ttl", sweeper.ttl))
	for {
		select {
		case <-ctx.Done():
			sweeper.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			sweeper.SweepOnce(ctx)
		}
	}
}

// SweepOnce releases one batch of stale reservations.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-sweeper.ttl)
	released, err := sweeper.sessions.ExpireStale(ctx, cutoff, sweeper.batchSize)
	if err != nil {
		sweeper.logger.Error("sweep failed", zap.Error(err))
		return
	}
	if released > 0 {
		sweeper.logger.Info("released stale reservations", zap.Int("count", released))
	}
}
