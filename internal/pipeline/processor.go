// Package pipeline connects the feeds to the engine, the store and the
// delivery queue. One Processor serves every adapter.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketpulse/internal/dedup"
	"marketpulse/internal/delivery"
	"marketpulse/internal/engine"
	"marketpulse/internal/logging"
	"marketpulse/internal/models"
	"marketpulse/internal/render"
	"marketpulse/internal/store"
)

// Processor implements feed.Handler: it keeps series rows in existence,
// evaluates drained ticker batches per metric, persists the resulting
// baseline updates in bulk, and enqueues rendered signals.
type Processor struct {
	series store.SeriesStore
	eval   *engine.Evaluator
	gate   *dedup.Gate
	queue  *delivery.Queue
	logger zerolog.Logger

	// existenceEvery throttles the create-if-absent sweep; the full sweep
	// per flush would dominate store traffic for nothing.
	existenceEvery time.Duration
	now            func() time.Time

	mu            sync.Mutex
	lastExistence map[models.Exchange]time.Time
}

// NewProcessor creates a processor.
func NewProcessor(
	series store.SeriesStore,
	eval *engine.Evaluator,
	gate *dedup.Gate,
	queue *delivery.Queue,
	existenceEvery time.Duration,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		series:         series,
		eval:           eval,
		gate:           gate,
		queue:          queue,
		existenceEvery: existenceEvery,
		now:            time.Now,
		logger:         logger,
		lastExistence:  make(map[models.Exchange]time.Time),
	}
}

// HandleTickerBatch runs one evaluation pass over a drained buffer. The
// pass is exclusive per exchange: a concurrent trigger for the same
// exchange joins the in-flight pass instead of running a second one.
func (p *Processor) HandleTickerBatch(ctx context.Context, ex models.Exchange, events []models.TickerEvent) {
	key := fmt.Sprintf("tickers_%s", ex)
	err := p.gate.RunExclusive(key, func() error {
		p.maybeEnsureSeries(ctx, ex, events)

		p.evaluateMetric(ctx, ex, models.MetricPrice, events)
		if hasOpenInterest(events) {
			p.evaluateMetric(ctx, ex, models.MetricOpenInterest, events)
		}
		return nil
	})
	if err != nil {
		p.logger.Error().Err(err).Str("exchange", string(ex)).Msg("Ticker pass failed")
	}
}

// HandleLiquidation evaluates one liquidation against every subscriber's
// floor and enqueues the hits on the high-priority lane.
func (p *Processor) HandleLiquidation(ctx context.Context, ev models.LiquidationEvent) {
	key := fmt.Sprintf("liquidation_%s_%s", ev.Exchange, ev.Symbol)
	err := p.gate.RunExclusive(key, func() error {
		pairs, err := p.series.FindEvaluationPairs(ctx, ev.Exchange, models.MetricLiquidation, []string{ev.Symbol})
		if err != nil {
			return err
		}
		res := p.eval.EvaluateLiquidation(ev, pairs[ev.Symbol])
		return p.commit(ctx, res, models.PriorityHigh)
	})
	if err != nil {
		logger := logging.WithSymbol(p.logger, ev.Symbol)
		logger.Error().Err(err).Msg("Liquidation pass failed")
	}
}

func (p *Processor) evaluateMetric(ctx context.Context, ex models.Exchange, metric models.MetricKind, events []models.TickerEvent) {
	symbols := make([]string, 0, len(events))
	for _, ev := range events {
		symbols = append(symbols, ev.Symbol)
	}

	pairs, err := p.series.FindEvaluationPairs(ctx, ex, metric, symbols)
	if err != nil {
		p.logger.Error().Err(err).Str("metric", string(metric)).Msg("Loading evaluation pairs failed")
		return
	}
	if len(pairs) == 0 {
		return
	}

	var total engine.Result
	for _, ev := range events {
		res := p.eval.EvaluateTicker(ev, metric, pairs[ev.Symbol])
		total.Updates = append(total.Updates, res.Updates...)
		total.Signals = append(total.Signals, res.Signals...)
	}

	if err := p.commit(ctx, total, models.PriorityNormal); err != nil {
		p.logger.Error().Err(err).Str("metric", string(metric)).Msg("Committing evaluation pass failed")
	}
}

// commit persists the pass's updates in one bulk write, then enqueues the
// signals. Updates go first: a signal delivered against an unpersisted
// baseline would repeat on the next tick.
func (p *Processor) commit(ctx context.Context, res engine.Result, priority models.Priority) error {
	if err := p.series.ApplyUpdates(ctx, res.Updates); err != nil {
		return err
	}
	for _, sig := range res.Signals {
		err := p.queue.Enqueue(models.QueuedNotification{
			RecipientID:     sig.UserID,
			RenderedMessage: render.Signal(sig),
			Priority:        priority,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// maybeEnsureSeries creates series rows for subscribed users who do not
// have one yet for an observed symbol, seeding baselines from the current
// observation. Throttled per exchange.
func (p *Processor) maybeEnsureSeries(ctx context.Context, ex models.Exchange, events []models.TickerEvent) {
	now := p.now()
	p.mu.Lock()
	if now.Sub(p.lastExistence[ex]) < p.existenceEvery {
		p.mu.Unlock()
		return
	}
	p.lastExistence[ex] = now
	p.mu.Unlock()

	var seeds []store.SeriesSeed
	for _, ev := range events {
		if ev.LastPrice == 0 {
			continue
		}
		metrics := []models.MetricKind{models.MetricPrice, models.MetricLiquidation}
		if ev.OpenInterestValue != 0 {
			metrics = append(metrics, models.MetricOpenInterest)
		}
		for _, metric := range metrics {
			baseline := ev.LastPrice
			if metric == models.MetricOpenInterest {
				baseline = ev.OpenInterestValue
			}
			missing, err := p.series.MissingUserIDs(ctx, ex, metric, ev.Symbol)
			if err != nil {
				p.logger.Warn().Err(err).Str("symbol", ev.Symbol).Msg("Existence check failed")
				continue
			}
			for _, userID := range missing {
				seeds = append(seeds, store.SeriesSeed{
					Exchange: ex,
					Metric:   metric,
					Symbol:   ev.Symbol,
					UserID:   userID,
					Baseline: baseline,
				})
			}
		}
	}

	if len(seeds) == 0 {
		return
	}
	if err := p.series.EnsureSeries(ctx, seeds); err != nil {
		p.logger.Warn().Err(err).Int("seeds", len(seeds)).Msg("Seeding series rows failed")
		return
	}
	p.logger.Debug().Int("seeds", len(seeds)).Str("exchange", string(ex)).Msg("Series rows seeded")
}

func hasOpenInterest(events []models.TickerEvent) bool {
	for _, ev := range events {
		if ev.OpenInterestValue != 0 {
			return true
		}
	}
	return false
}
