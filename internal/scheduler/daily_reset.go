// Package scheduler runs the periodic maintenance jobs: the daily counter
// reset at local midnight and the sent-signal cleanup sweep.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"marketpulse/internal/dedup"
	"marketpulse/internal/logging"
)

// CounterResetter zeroes the per-day signal counters, returning the number
// of rows touched.
type CounterResetter interface {
	ResetDailyCounters(ctx context.Context) (int64, error)
}

// DailyReset zeroes the per-day signal counters at midnight in the
// configured timezone. The timer re-arms itself after each firing, so DST
// shifts are absorbed by recomputing the next boundary from the clock.
type DailyReset struct {
	series CounterResetter
	gate   *dedup.Gate
	loc    *time.Location
	logger zerolog.Logger
	now    func() time.Time
}

// NewDailyReset creates the daily reset job.
func NewDailyReset(series CounterResetter, gate *dedup.Gate, loc *time.Location, logger zerolog.Logger) *DailyReset {
	return &DailyReset{
		series: series,
		gate:   gate,
		loc:    loc,
		logger: logging.WithOperation(logger, "daily_reset"),
		now:    time.Now,
	}
}

// Run fires the reset at every local midnight until ctx is cancelled.
func (d *DailyReset) Run(ctx context.Context) error {
	for {
		delay := nextMidnightDelay(d.now().In(d.loc))
		d.logger.Info().Dur("next_reset_in", delay).Msg("Daily reset armed")

		select {
		case <-time.After(delay):
			if err := d.Trigger(ctx); err != nil {
				d.logger.Error().Err(err).Msg("Daily reset failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Trigger runs the reset now. Exclusive: a scheduled firing and a manual
// trigger cannot run concurrently.
func (d *DailyReset) Trigger(ctx context.Context) error {
	return d.gate.RunExclusive("daily_reset", func() error {
		started := d.now()
		n, err := d.series.ResetDailyCounters(ctx)
		if err != nil {
			return err
		}
		d.logger.Info().
			Int64("rows", n).
			Dur("took", d.now().Sub(started)).
			Msg("Daily signal counters reset")
		return nil
	})
}

// nextMidnightDelay returns the duration until the next midnight in now's
// location.
func nextMidnightDelay(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}
