// Package store defines the persistence contracts the engine depends on and
// their MongoDB implementation.
package store

import (
	"context"
	"time"

	"marketpulse/internal/engine"
	"marketpulse/internal/models"
)

// SeriesStore is the bulk state-store contract for tracked series.
// Implementations must support batched conditional upsert, batched field
// update, and bulk update-many operations.
type SeriesStore interface {
	// ApplyUpdates applies a batch of field overwrites as one bulk write.
	ApplyUpdates(ctx context.Context, updates []engine.SeriesUpdate) error

	// EnsureSeries creates missing series rows with baselines seeded from
	// the given value, leaving existing rows untouched.
	EnsureSeries(ctx context.Context, seeds []SeriesSeed) error

	// FindEvaluationPairs returns, keyed by symbol, every series+config
	// pair for the given symbols whose user subscribes to the exchange.
	FindEvaluationPairs(ctx context.Context, ex models.Exchange, metric models.MetricKind, symbols []string) (map[string][]models.EvaluationPair, error)

	// ResetDailyCounters zeroes all daily signal counters, scoped to rows
	// with a non-zero counter. Returns the number of rows touched.
	ResetDailyCounters(ctx context.Context) (int64, error)

	// DeleteUserSeries removes every series row owned by the user.
	DeleteUserSeries(ctx context.Context, userID int64) error

	// MissingUserIDs returns subscribed users that have no series row for
	// the given symbol yet.
	MissingUserIDs(ctx context.Context, ex models.Exchange, metric models.MetricKind, symbol string) ([]int64, error)
}

// SeriesSeed describes a create-if-absent series row. Baseline seeds both
// the growth and recession baselines, so a freshly created row can never
// carry a null or zero baseline from an observed price.
type SeriesSeed struct {
	Exchange models.Exchange
	Metric   models.MetricKind
	Symbol   string
	UserID   int64
	Baseline float64
}

// UserStore is read access to user records plus the mutations the engine
// owns (deregistration on permanent transport failure, settings updates).
type UserStore interface {
	FindUser(ctx context.Context, userID int64) (*models.User, error)
	FindUsers(ctx context.Context, userIDs []int64) ([]models.User, error)
	// SubscribedUserIDs returns users whose config includes the exchange.
	SubscribedUserIDs(ctx context.Context, ex models.Exchange) ([]int64, error)
	FindConfig(ctx context.Context, userID int64) (*models.ThresholdConfig, error)
	SaveConfig(ctx context.Context, cfg models.ThresholdConfig) error
	// DeleteUser removes the user and their config; the caller cascades to
	// series rows via SeriesStore.DeleteUserSeries.
	DeleteUser(ctx context.Context, userID int64) error
}

// SentSignalStore tracks delivered notifications for later cleanup.
type SentSignalStore interface {
	Track(ctx context.Context, sig models.SentSignal) error
	// FindOlderThan returns up to limit signals sent before the cutoff.
	FindOlderThan(ctx context.Context, cutoff time.Time, limit int64) ([]models.SentSignal, error)
	Delete(ctx context.Context, sig models.SentSignal) error
	Count(ctx context.Context) (int64, error)
}
