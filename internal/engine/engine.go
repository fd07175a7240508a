// Package engine implements the threshold evaluation algorithm.
//
// For each symbol the engine partitions the subscribed users into
// settings-groups (users whose thresholds would evaluate identically),
// computes the percentage change once per group against a reference
// baseline, and fans the decision out to every member. Users with identical
// settings therefore always observe identical signal behaviour, regardless
// of which member's baseline happened to be queried.
package engine

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"marketpulse/internal/errors"
	"marketpulse/internal/models"
)

// SeriesUpdate is one batched write against the state store: the filter
// identifies a tracked series, Set holds the field overwrites.
type SeriesUpdate struct {
	Exchange models.Exchange
	Metric   models.MetricKind
	Symbol   string
	UserID   int64

	Set map[string]interface{}
}

// Signal is an evaluation decision destined for one recipient. The caller
// renders and enqueues it; the engine itself performs no I/O.
type Signal struct {
	Exchange  models.Exchange
	Metric    models.MetricKind
	Symbol    string
	UserID    int64
	Direction models.SignalDirection

	// ChangePercent is the absolute percentage change that crossed the
	// threshold. Zero for liquidation signals.
	ChangePercent float64
	Baseline      float64
	Current       float64
	// DayCount is the recipient's daily signal count including this signal.
	DayCount int

	// Liquidation details, set only for the liquidation metric.
	LiquidationValue float64
	LiquidationSide  string
}

// Evaluator computes signal decisions from normalized events and the
// series/config pairs of subscribed users.
type Evaluator struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(logger zerolog.Logger) *Evaluator {
	return &Evaluator{logger: logger, now: time.Now}
}

// Result aggregates the output of one evaluation pass.
type Result struct {
	Updates []SeriesUpdate
	Signals []Signal
}

// EvaluateTicker runs the baseline/threshold algorithm for one symbol's
// current observation. metric selects which observed value is compared
// (price or open interest). pairs must all belong to the event's symbol.
func (e *Evaluator) EvaluateTicker(ev models.TickerEvent, metric models.MetricKind, pairs []models.EvaluationPair) Result {
	current := ev.LastPrice
	if metric == models.MetricOpenInterest {
		current = ev.OpenInterestValue
	}
	if current == 0 {
		// No observation for this metric in the event; nothing to evaluate.
		return Result{}
	}

	var res Result
	now := e.now()

	for _, group := range groupBySettings(pairs) {
		e.evaluateGroup(&res, ev, metric, current, now, group)
	}
	return res
}

// evaluateGroup applies window rotation or threshold evaluation for one
// settings-group. The first pair is the reference; its baseline and reset
// timestamps drive the decision applied to every member.
func (e *Evaluator) evaluateGroup(res *Result, ev models.TickerEvent, metric models.MetricKind, current float64, now time.Time, group []models.EvaluationPair) {
	ref := group[0]
	cfg := ref.Config

	resetGrowthDue := !now.Before(ref.Series.LastResetGrowthAt.Add(time.Duration(cfg.GrowthPeriodMinutes) * time.Minute))
	resetRecessionDue := !now.Before(ref.Series.LastResetRecessionAt.Add(time.Duration(cfg.RecessionPeriodMinutes) * time.Minute))

	// Window rotation: the period elapsed without a breach, so every member
	// re-anchors its baseline at the current value. No signal is emitted and
	// the daily counters are untouched.
	if resetGrowthDue || resetRecessionDue {
		for _, p := range group {
			set := map[string]interface{}{}
			if resetGrowthDue {
				set["baseline_growth"] = current
				set["last_reset_growth_at"] = now
			}
			if resetRecessionDue {
				set["baseline_recession"] = current
				set["last_reset_recession_at"] = now
			}
			res.Updates = append(res.Updates, SeriesUpdate{
				Exchange: ev.Exchange,
				Metric:   metric,
				Symbol:   ev.Symbol,
				UserID:   p.Series.UserID,
				Set:      set,
			})
		}
		return
	}

	changeGrowth, err := percentageChange(ref.Series.BaselineGrowth, current)
	if err != nil {
		e.rejectSeries(ref, metric, ev.Symbol, err)
		return
	}
	changeRecession, err := percentageChange(ref.Series.BaselineRecession, current)
	if err != nil {
		e.rejectSeries(ref, metric, ev.Symbol, err)
		return
	}

	// Growth is checked first; growth and recession are mutually exclusive
	// within one pass.
	switch {
	case changeGrowth >= cfg.GrowthPercent:
		for _, p := range group {
			count := p.Series.DailySignalCountGrowth + 1
			res.Updates = append(res.Updates, SeriesUpdate{
				Exchange: ev.Exchange,
				Metric:   metric,
				Symbol:   ev.Symbol,
				UserID:   p.Series.UserID,
				Set: map[string]interface{}{
					"baseline_growth":           current,
					"last_reset_growth_at":      now,
					"daily_signal_count_growth": count,
				},
			})
			res.Signals = append(res.Signals, Signal{
				Exchange:      ev.Exchange,
				Metric:        metric,
				Symbol:        ev.Symbol,
				UserID:        p.Series.UserID,
				Direction:     models.DirectionGrowth,
				ChangePercent: changeGrowth,
				Baseline:      ref.Series.BaselineGrowth,
				Current:       current,
				DayCount:      count,
			})
		}
	case changeRecession < 0 && math.Abs(changeRecession) >= cfg.RecessionPercent:
		for _, p := range group {
			count := p.Series.DailySignalCountRecession + 1
			res.Updates = append(res.Updates, SeriesUpdate{
				Exchange: ev.Exchange,
				Metric:   metric,
				Symbol:   ev.Symbol,
				UserID:   p.Series.UserID,
				Set: map[string]interface{}{
					"baseline_recession":           current,
					"last_reset_recession_at":      now,
					"daily_signal_count_recession": count,
				},
			})
			res.Signals = append(res.Signals, Signal{
				Exchange:      ev.Exchange,
				Metric:        metric,
				Symbol:        ev.Symbol,
				UserID:        p.Series.UserID,
				Direction:     models.DirectionRecession,
				ChangePercent: math.Abs(changeRecession),
				Baseline:      ref.Series.BaselineRecession,
				Current:       current,
				DayCount:      count,
			})
		}
	}
}

// EvaluateLiquidation compares a liquidation's notional value against the
// subscribers' floors. Pairs are partitioned by floor and the comparison is
// made once per group against the reference, mirroring the ticker path. No
// baseline or window is involved.
func (e *Evaluator) EvaluateLiquidation(ev models.LiquidationEvent, pairs []models.EvaluationPair) Result {
	var res Result
	for _, group := range groupByFloor(pairs) {
		if ev.Value < group[0].Config.LiquidationFloor {
			continue
		}
		for _, p := range group {
			count := p.Series.DailySignalCountGrowth + 1
			res.Updates = append(res.Updates, SeriesUpdate{
				Exchange: ev.Exchange,
				Metric:   models.MetricLiquidation,
				Symbol:   ev.Symbol,
				UserID:   p.Series.UserID,
				Set: map[string]interface{}{
					"daily_signal_count_growth": count,
				},
			})
			res.Signals = append(res.Signals, Signal{
				Exchange:         ev.Exchange,
				Metric:           models.MetricLiquidation,
				Symbol:           ev.Symbol,
				UserID:           p.Series.UserID,
				Direction:        models.DirectionGrowth,
				DayCount:         count,
				LiquidationValue: ev.Value,
				LiquidationSide:  ev.Side,
			})
		}
	}
	return res
}

// rejectSeries logs a series that cannot be evaluated (zero baseline). The
// rest of the batch continues; the row self-heals on the next rotation.
func (e *Evaluator) rejectSeries(ref models.EvaluationPair, metric models.MetricKind, symbol string, err error) {
	e.logger.Warn().
		Str("symbol", symbol).
		Str("metric", string(metric)).
		Int64("user_id", ref.Series.UserID).
		Err(err).
		Msg("Rejecting series group")
}

// percentageChange returns the change from baseline to current in percent.
// A zero baseline is an error condition, never an infinite change.
func percentageChange(baseline, current float64) (float64, error) {
	if baseline == 0 {
		return 0, errors.ErrZeroBaseline
	}
	return (current - baseline) / baseline * 100, nil
}

// groupBySettings partitions evaluation pairs by their settings-group key.
// Iteration order of the result is not significant; no cross-group ordering
// is guaranteed.
func groupBySettings(pairs []models.EvaluationPair) map[string][]models.EvaluationPair {
	groups := make(map[string][]models.EvaluationPair)
	for _, p := range pairs {
		key := p.Config.SettingsGroupKey()
		groups[key] = append(groups[key], p)
	}
	return groups
}

// groupByFloor partitions evaluation pairs by their liquidation floor.
func groupByFloor(pairs []models.EvaluationPair) map[string][]models.EvaluationPair {
	groups := make(map[string][]models.EvaluationPair)
	for _, p := range pairs {
		key := p.Config.LiquidationGroupKey()
		groups[key] = append(groups[key], p)
	}
	return groups
}
