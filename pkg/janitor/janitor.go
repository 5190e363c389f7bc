// Package janitor runs the scheduled cleanup of expired refresh-token
// revocation records. Expired rows are also removed lazily on exchange; the
// janitor keeps the table from accumulating rows for clients that never
// come back.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/skridofly/stump/pkg/observability"
)

// TokenSweeper deletes expired refresh-token records
type TokenSweeper interface {
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// Janitor schedules background cleanup jobs
type Janitor struct {
	sweeper  TokenSweeper
	schedule string
	cron     *cron.Cron
	timeout  time.Duration
	logger   *observability.Logger
}

// New creates a janitor with a cron schedule such as "@hourly"
func New(sweeper TokenSweeper, schedule string, logger *observability.Logger) *Janitor {
	return &Janitor{
		sweeper:  sweeper,
		schedule: schedule,
		cron:     cron.New(),
		timeout:  30 * time.Second,
		logger:   logger,
	}
}

// Start registers the cleanup job and starts the scheduler
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.sweep); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.WithField("schedule", j.schedule).Info("Janitor started")
	return nil
}

// Stop stops the scheduler and waits for a running job to finish
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("Janitor stopped")
}

// sweep removes expired refresh-token rows. Failures are logged, never fatal.
func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	deleted, err := j.sweeper.DeleteExpiredRefreshTokens(ctx, time.Now().UTC())
	if err != nil {
		j.logger.WithError(err).Error("Failed to sweep expired refresh tokens")
		return
	}
	if deleted > 0 {
		j.logger.WithField("deleted", deleted).Info("Swept expired refresh tokens")
	}
}
