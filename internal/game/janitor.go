package game

import (
	"context"
	"time"

	"go.uber.org/zap"

	"relaychess/internal/logging"
)

// Maintainer is the store housekeeping the janitor drives.
type Maintainer interface {
	CleanupOldGames(ctx context.Context, maxAgeDays int) (int, error)
	ReconcileStatusSets(ctx context.Context) (int, error)
}

// Janitor periodically repairs status sets and removes old finished games.
type Janitor struct {
	store      Maintainer
	interval   time.Duration
	maxAgeDays int
	log        *zap.Logger
}

// NewJanitor creates a janitor sweeping every interval.
func NewJanitor(store Maintainer, interval time.Duration, maxAgeDays int, log *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{store: store, interval: interval, maxAgeDays: maxAgeDays, log: logging.OrNop(log)}
}

// Sweep runs one reconciliation and cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) (repaired, removed int) {
	repaired, err := j.store.ReconcileStatusSets(ctx)
	if err != nil {
		j.log.Warn("status set reconciliation failed", zap.Error(err))
	}
	removed, err = j.store.CleanupOldGames(ctx, j.maxAgeDays)
	if err != nil {
		j.log.Warn("cleanup of old games failed", zap.Error(err))
	}
	if repaired > 0 || removed > 0 {
		j.log.Info("janitor sweep", zap.Int("repaired", repaired), zap.Int("removed", removed))
	}
	return repaired, removed
}

// Run sweeps on every tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}
