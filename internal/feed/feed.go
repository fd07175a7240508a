// Package feed streams market data from exchanges and turns it into
// normalized batches for evaluation.
//
// Each adapter owns a websocket session, parses the exchange's wire format,
// and accumulates ticker observations into a per-symbol buffer. The buffer
// is drained on a fixed cadence so evaluation cost tracks the symbol count,
// not the raw message rate. Liquidations skip the buffer and are handed off
// immediately.
package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketpulse/internal/models"
)

// Handler consumes normalized feed output.
type Handler interface {
	// HandleTickerBatch receives one drained buffer: at most one merged
	// observation per symbol.
	HandleTickerBatch(ctx context.Context, ex models.Exchange, events []models.TickerEvent)
	// HandleLiquidation receives a single liquidation as it happens.
	HandleLiquidation(ctx context.Context, ev models.LiquidationEvent)
}

// Adapter is one exchange's feed.
type Adapter interface {
	Exchange() models.Exchange
	// Run blocks until ctx is cancelled, maintaining the stream connection.
	Run(ctx context.Context) error
}

// tickerBuffer accumulates the latest observation per symbol between
// flushes. Observations merge field-wise: an update carrying only open
// interest must not erase a previously buffered price.
type tickerBuffer struct {
	mu     sync.Mutex
	events map[string]models.TickerEvent
}

func newTickerBuffer() *tickerBuffer {
	return &tickerBuffer{events: make(map[string]models.TickerEvent)}
}

func (b *tickerBuffer) add(ev models.TickerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.events[ev.Symbol]
	if !ok {
		b.events[ev.Symbol] = ev
		return
	}
	if ev.LastPrice != 0 {
		cur.LastPrice = ev.LastPrice
	}
	if ev.OpenInterestValue != 0 {
		cur.OpenInterestValue = ev.OpenInterestValue
	}
	cur.ReceivedAt = ev.ReceivedAt
	b.events[ev.Symbol] = cur
}

func (b *tickerBuffer) drain() []models.TickerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) == 0 {
		return nil
	}
	out := make([]models.TickerEvent, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev)
	}
	b.events = make(map[string]models.TickerEvent)
	return out
}

// flushLoop drains the buffer into the handler on the given cadence. It runs
// in the adapter's goroutine set; the handler call is synchronous, so a slow
// evaluation pass delays the next flush instead of stacking passes.
func flushLoop(ctx context.Context, ex models.Exchange, buf *tickerBuffer, interval time.Duration, handler Handler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if events := buf.drain(); len(events) != 0 {
				handler.HandleTickerBatch(ctx, ex, events)
			}
		case <-ctx.Done():
			return
		}
	}
}

// hasQuote reports whether the pair symbol is quoted in the given currency.
func hasQuote(symbol, quote string) bool {
	return len(symbol) > len(quote) && strings.HasSuffix(symbol, quote)
}

// parseDecimal converts an exchange's string-encoded number. Empty strings
// (delta updates omit unchanged fields) and malformed values both come back
// as zero, which downstream treats as "no observation".
func parseDecimal(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}
