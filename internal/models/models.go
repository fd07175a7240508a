// Package models defines the core domain types for the signal engine.
package models

import (
	"fmt"
	"time"
)

// Exchange identifies a supported market-data source.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeBybit   Exchange = "bybit"
)

// MetricKind identifies the metric a tracked series evaluates.
type MetricKind string

const (
	MetricOpenInterest MetricKind = "oi"
	MetricPrice        MetricKind = "price"
	MetricLiquidation  MetricKind = "liquidation"
)

// SignalDirection is the direction of a threshold breach.
type SignalDirection string

const (
	DirectionGrowth    SignalDirection = "growth"
	DirectionRecession SignalDirection = "recession"
)

// TickerEvent is a normalized ticker update emitted by a feed adapter.
// OpenInterestValue is zero for exchanges that do not include OI in the
// ticker stream.
type TickerEvent struct {
	Exchange          Exchange
	Symbol            string
	LastPrice         float64
	OpenInterestValue float64
	ReceivedAt        time.Time
}

// LiquidationEvent is a normalized forced-liquidation event. Value is the
// liquidated notional in quote currency; Side is "long" or "short" for the
// position that was wiped out.
type LiquidationEvent struct {
	Exchange   Exchange
	Symbol     string
	Value      float64
	Side       string
	ReceivedAt time.Time
}

// TrackedSeries is one row per (exchange, metric, symbol, user). It carries
// the baselines percentage changes are measured against and the per-day
// signal counters. Baselines are seeded from an observed value when the row
// is created and are never null afterwards.
type TrackedSeries struct {
	Exchange Exchange   `bson:"exchange"`
	Metric   MetricKind `bson:"metric"`
	Symbol   string     `bson:"symbol"`
	UserID   int64      `bson:"user_id"`

	BaselineGrowth    float64 `bson:"baseline_growth"`
	BaselineRecession float64 `bson:"baseline_recession"`

	LastResetGrowthAt    time.Time `bson:"last_reset_growth_at"`
	LastResetRecessionAt time.Time `bson:"last_reset_recession_at"`

	DailySignalCountGrowth    int `bson:"daily_signal_count_growth"`
	DailySignalCountRecession int `bson:"daily_signal_count_recession"`
}

// ThresholdConfig holds a user's evaluation settings. Periods are minutes,
// percentages are percent. LiquidationFloor is in currency units and applies
// only to the liquidation metric.
type ThresholdConfig struct {
	UserID int64 `bson:"user_id"`

	GrowthPeriodMinutes    int     `bson:"growth_period_minutes"`
	RecessionPeriodMinutes int     `bson:"recession_period_minutes"`
	GrowthPercent          float64 `bson:"growth_percent"`
	RecessionPercent       float64 `bson:"recession_percent"`

	LiquidationFloor float64 `bson:"liquidation_floor"`

	Exchanges []Exchange `bson:"exchanges"`
}

// DefaultThresholdConfig returns the settings assigned to a new user.
func DefaultThresholdConfig(userID int64) ThresholdConfig {
	return ThresholdConfig{
		UserID:                 userID,
		GrowthPeriodMinutes:    15,
		RecessionPeriodMinutes: 15,
		GrowthPercent:          15,
		RecessionPercent:       15,
		LiquidationFloor:       10000,
		Exchanges:              []Exchange{ExchangeBinance, ExchangeBybit},
	}
}

// Validation bounds for threshold settings.
const (
	MinPeriodMinutes    = 1
	MaxPeriodMinutes    = 30
	MinThresholdPercent = 0.1
	MaxThresholdPercent = 100
	MinLiquidationFloor = 1000
)

// Validate checks the configured values against the allowed ranges.
func (c ThresholdConfig) Validate() error {
	if c.GrowthPeriodMinutes < MinPeriodMinutes || c.GrowthPeriodMinutes > MaxPeriodMinutes {
		return fmt.Errorf("growth_period %d out of range [%d, %d]", c.GrowthPeriodMinutes, MinPeriodMinutes, MaxPeriodMinutes)
	}
	if c.RecessionPeriodMinutes < MinPeriodMinutes || c.RecessionPeriodMinutes > MaxPeriodMinutes {
		return fmt.Errorf("recession_period %d out of range [%d, %d]", c.RecessionPeriodMinutes, MinPeriodMinutes, MaxPeriodMinutes)
	}
	if c.GrowthPercent < MinThresholdPercent || c.GrowthPercent > MaxThresholdPercent {
		return fmt.Errorf("growth_percent %.2f out of range [%.1f, %d]", c.GrowthPercent, MinThresholdPercent, MaxThresholdPercent)
	}
	if c.RecessionPercent < MinThresholdPercent || c.RecessionPercent > MaxThresholdPercent {
		return fmt.Errorf("recession_percent %.2f out of range [%.1f, %d]", c.RecessionPercent, MinThresholdPercent, MaxThresholdPercent)
	}
	if c.LiquidationFloor < MinLiquidationFloor {
		return fmt.Errorf("liquidation_floor %.2f below minimum %d", c.LiquidationFloor, MinLiquidationFloor)
	}
	return nil
}

// SubscribesTo reports whether the config includes the given exchange.
func (c ThresholdConfig) SubscribesTo(ex Exchange) bool {
	for _, e := range c.Exchanges {
		if e == ex {
			return true
		}
	}
	return false
}

// SettingsGroupKey clusters users whose threshold settings would evaluate
// identically, so the engine computes the change once per group and fans the
// result out. It is derived, never stored.
func (c ThresholdConfig) SettingsGroupKey() string {
	return fmt.Sprintf("%d_%d_%g_%g", c.GrowthPeriodMinutes, c.RecessionPeriodMinutes, c.GrowthPercent, c.RecessionPercent)
}

// LiquidationGroupKey is the settings-group key for the liquidation metric.
func (c ThresholdConfig) LiquidationGroupKey() string {
	return fmt.Sprintf("%g", c.LiquidationFloor)
}

// EvaluationPair joins a tracked series with its owner's settings. The
// engine receives one pair per subscribed user per symbol.
type EvaluationPair struct {
	Series TrackedSeries
	Config ThresholdConfig
}

// EntitlementSnapshot is the cached, TTL-bounded view of a user's access
// state. It goes stale after the cache TTL and is invalidated explicitly on
// subscription or trial mutation.
type EntitlementSnapshot struct {
	UserID                int64
	IsAdmin               bool
	IsBanned              bool
	SubscriptionActiveTil *time.Time
	TrialActiveTil        *time.Time
	PreferredLocale       string
	// InSettingsEdit suppresses deliveries while the user is mid-dialog.
	InSettingsEdit bool
	CachedAt       time.Time
}

// HasAccess resolves the snapshot at the given instant:
// banned -> false; admin -> true; active subscription or trial -> true.
func (s EntitlementSnapshot) HasAccess(now time.Time) bool {
	if s.IsBanned {
		return false
	}
	if s.IsAdmin {
		return true
	}
	if s.SubscriptionActiveTil != nil && s.SubscriptionActiveTil.After(now) {
		return true
	}
	if s.TrialActiveTil != nil && s.TrialActiveTil.After(now) {
		return true
	}
	return false
}

// Priority is a delivery lane.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// QueuedNotification is an in-flight message awaiting delivery. It lives
// only inside the delivery queue and is never persisted.
type QueuedNotification struct {
	RecipientID     int64
	RenderedMessage string
	Priority        Priority
	Attempt         int
	EnqueuedAt      time.Time
}

// SentSignal records a delivered notification so it can be auto-deleted
// once it is a day old.
type SentSignal struct {
	UserID    int64     `bson:"user_id"`
	ChatID    int64     `bson:"chat_id"`
	MessageID int       `bson:"message_id"`
	SentAt    time.Time `bson:"sent_at"`
}

// User is the persisted user record the entitlement snapshot derives from.
type User struct {
	UserID                int64      `bson:"user_id"`
	Username              string     `bson:"username,omitempty"`
	PreferredLocale       string     `bson:"preferred_locale"`
	IsAdmin               bool       `bson:"is_admin"`
	IsBanned              bool       `bson:"is_banned"`
	SubscriptionActiveTil *time.Time `bson:"subscription_active_til,omitempty"`
	TrialActiveTil        *time.Time `bson:"trial_active_til,omitempty"`
	InSettingsEdit        bool       `bson:"in_settings_edit"`
	CreatedAt             time.Time  `bson:"created_at"`
}

// Snapshot derives the entitlement view of the user.
func (u User) Snapshot(now time.Time) EntitlementSnapshot {
	return EntitlementSnapshot{
		UserID:                u.UserID,
		IsAdmin:               u.IsAdmin,
		IsBanned:              u.IsBanned,
		SubscriptionActiveTil: u.SubscriptionActiveTil,
		TrialActiveTil:        u.TrialActiveTil,
		PreferredLocale:       u.PreferredLocale,
		InSettingsEdit:        u.InSettingsEdit,
		CachedAt:              now,
	}
}
