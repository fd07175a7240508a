package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"marketpulse/internal/dedup"
	"marketpulse/internal/logging"
	"marketpulse/internal/models"
)

const (
	cleanupBatchSize = 100
	// cleanupPace spaces message deletions so the sweep never competes
	// with live deliveries for the transport rate budget.
	cleanupPace = 50 * time.Millisecond
)

// MessageDeleter removes a delivered message from the recipient's chat.
// Implementations treat already-gone messages as success.
type MessageDeleter interface {
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// SentSignalSweeper is the tracking-store surface the sweep reads and prunes.
type SentSignalSweeper interface {
	FindOlderThan(ctx context.Context, cutoff time.Time, limit int64) ([]models.SentSignal, error)
	Delete(ctx context.Context, sig models.SentSignal) error
}

// Cleanup deletes signal messages once they exceed the configured age, in
// batches, on a fixed interval.
type Cleanup struct {
	sent      SentSignalSweeper
	transport MessageDeleter
	gate      *dedup.Gate
	interval  time.Duration
	maxAge    time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// NewCleanup creates the cleanup job.
func NewCleanup(sent SentSignalSweeper, transport MessageDeleter, gate *dedup.Gate, interval, maxAge time.Duration, logger zerolog.Logger) *Cleanup {
	return &Cleanup{
		sent:      sent,
		transport: transport,
		gate:      gate,
		interval:  interval,
		maxAge:    maxAge,
		logger:    logging.WithOperation(logger, "signal_cleanup"),
		now:       time.Now,
	}
}

// Run schedules the sweep and blocks until ctx is cancelled.
func (c *Cleanup) Run(ctx context.Context) error {
	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(c.interval).Do(func() {
		if err := c.Trigger(ctx); err != nil {
			c.logger.Error().Err(err).Msg("Signal cleanup failed")
		}
	})
	if err != nil {
		return err
	}
	s.StartAsync()
	defer s.Stop()

	<-ctx.Done()
	return ctx.Err()
}

// Trigger runs one full sweep now. Exclusive: overlapping sweeps (a slow
// sweep meeting the next interval tick, or a manual trigger) collapse into
// one.
func (c *Cleanup) Trigger(ctx context.Context) error {
	return c.gate.RunExclusive("signal_cleanup", func() error {
		return c.sweep(ctx)
	})
}

func (c *Cleanup) sweep(ctx context.Context) error {
	cutoff := c.now().Add(-c.maxAge)
	var deleted int

	for {
		batch, err := c.sent.FindOlderThan(ctx, cutoff, cleanupBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		for _, sig := range batch {
			if err := c.deleteOne(ctx, sig); err != nil {
				return err
			}
			deleted++

			select {
			case <-time.After(cleanupPace):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if len(batch) < cleanupBatchSize {
			break
		}
	}

	if deleted > 0 {
		c.logger.Info().Int("deleted", deleted).Msg("Expired signal messages removed")
	}
	return nil
}

// deleteOne removes the chat message, then the tracking row. The row is
// pruned even when the transport fails, so every pass makes progress and the
// sweep terminates; an undeletable message simply ages out unattended.
func (c *Cleanup) deleteOne(ctx context.Context, sig models.SentSignal) error {
	if err := c.transport.Delete(ctx, sig.ChatID, sig.MessageID); err != nil {
		c.logger.Warn().Err(err).Int64("chat_id", sig.ChatID).Int("message_id", sig.MessageID).Msg("Deleting chat message failed")
	}
	return c.sent.Delete(ctx, sig)
}
