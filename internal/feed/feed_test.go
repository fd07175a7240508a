package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marketpulse/internal/config"
	"marketpulse/internal/models"
)

type captureHandler struct {
	mu           sync.Mutex
	batches      [][]models.TickerEvent
	liquidations []models.LiquidationEvent
}

func (h *captureHandler) HandleTickerBatch(_ context.Context, _ models.Exchange, events []models.TickerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, events)
}

func (h *captureHandler) HandleLiquidation(_ context.Context, ev models.LiquidationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liquidations = append(h.liquidations, ev)
}

func testFeedsConfig() config.FeedsConfig {
	return config.FeedsConfig{
		QuoteCurrency:       "USDT",
		TickerFlushInterval: time.Second,
	}
}

func TestTickerBufferKeepsLatestPerSymbol(t *testing.T) {
	buf := newTickerBuffer()
	buf.add(models.TickerEvent{Symbol: "BTCUSDT", LastPrice: 100})
	buf.add(models.TickerEvent{Symbol: "BTCUSDT", LastPrice: 101})
	buf.add(models.TickerEvent{Symbol: "ETHUSDT", LastPrice: 10})

	events := buf.drain()
	if len(events) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Symbol == "BTCUSDT" && ev.LastPrice != 101 {
			t.Errorf("expected latest price 101, got %g", ev.LastPrice)
		}
	}

	if got := buf.drain(); got != nil {
		t.Errorf("drained buffer must be empty, got %d events", len(got))
	}
}

func TestTickerBufferMergesPartialDeltas(t *testing.T) {
	buf := newTickerBuffer()
	buf.add(models.TickerEvent{Symbol: "BTCUSDT", LastPrice: 100})
	buf.add(models.TickerEvent{Symbol: "BTCUSDT", OpenInterestValue: 5e8})

	events := buf.drain()
	if len(events) != 1 {
		t.Fatalf("expected 1 merged event, got %d", len(events))
	}
	if events[0].LastPrice != 100 || events[0].OpenInterestValue != 5e8 {
		t.Errorf("delta must merge field-wise, got %+v", events[0])
	}
}

func TestBinanceTickerParsing(t *testing.T) {
	handler := &captureHandler{}
	a := NewBinanceAdapter(testFeedsConfig(), handler, zerolog.Nop())

	frame := `{"stream":"!ticker@arr","data":[` +
		`{"s":"BTCUSDT","c":"65000.50"},` +
		`{"s":"ETHBTC","c":"0.05"},` +
		`{"s":"DOGEUSDT","c":"0"}` +
		`]}`
	a.handleMessage(context.Background(), []byte(frame))

	events := a.buf.drain()
	if len(events) != 1 {
		t.Fatalf("expected 1 buffered event (non-USDT and zero-price skipped), got %d", len(events))
	}
	if events[0].Symbol != "BTCUSDT" || events[0].LastPrice != 65000.50 {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestBinanceLiquidationParsing(t *testing.T) {
	handler := &captureHandler{}
	a := NewBinanceAdapter(testFeedsConfig(), handler, zerolog.Nop())

	frame := `{"stream":"!forceOrder@arr","data":{"o":{"s":"BTCUSDT","S":"SELL","q":"0.5","ap":"60000"}}}`
	a.handleMessage(context.Background(), []byte(frame))

	if len(handler.liquidations) != 1 {
		t.Fatalf("expected 1 liquidation, got %d", len(handler.liquidations))
	}
	liq := handler.liquidations[0]
	if liq.Value != 30000 {
		t.Errorf("expected notional 30000, got %g", liq.Value)
	}
	if liq.Side != "long" {
		t.Errorf("forced SELL closes a long, got %q", liq.Side)
	}
}

func TestBybitTickerParsing(t *testing.T) {
	handler := &captureHandler{}
	cfg := testFeedsConfig()
	a := NewBybitAdapter(cfg, handler, zerolog.Nop())

	frame := `{"topic":"tickers.BTCUSDT","type":"delta","data":{"symbol":"BTCUSDT","lastPrice":"65000.5","openInterestValue":"123456789.12"}}`
	a.handleMessage(context.Background(), []byte(frame))

	events := a.buf.drain()
	if len(events) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(events))
	}
	if events[0].LastPrice != 65000.5 {
		t.Errorf("expected price 65000.5, got %g", events[0].LastPrice)
	}
	if events[0].OpenInterestValue != 123456789.12 {
		t.Errorf("expected OI 123456789.12, got %g", events[0].OpenInterestValue)
	}
}

func TestBybitEmptyDeltaIsSkipped(t *testing.T) {
	handler := &captureHandler{}
	a := NewBybitAdapter(testFeedsConfig(), handler, zerolog.Nop())

	frame := `{"topic":"tickers.BTCUSDT","type":"delta","data":{"symbol":"BTCUSDT"}}`
	a.handleMessage(context.Background(), []byte(frame))

	if events := a.buf.drain(); events != nil {
		t.Fatalf("delta without observations must not buffer, got %d events", len(events))
	}
}

func TestBybitLiquidationParsing(t *testing.T) {
	handler := &captureHandler{}
	a := NewBybitAdapter(testFeedsConfig(), handler, zerolog.Nop())

	frame := `{"topic":"liquidation.BTCUSDT","data":{"symbol":"BTCUSDT","side":"Buy","size":"2","price":"1000"}}`
	a.handleMessage(context.Background(), []byte(frame))

	if len(handler.liquidations) != 1 {
		t.Fatalf("expected 1 liquidation, got %d", len(handler.liquidations))
	}
	liq := handler.liquidations[0]
	if liq.Value != 2000 {
		t.Errorf("expected notional 2000, got %g", liq.Value)
	}
	if liq.Side != "short" {
		t.Errorf("Buy liquidation closes a short, got %q", liq.Side)
	}
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	handler := &captureHandler{}
	a := NewBinanceAdapter(testFeedsConfig(), handler, zerolog.Nop())

	a.handleMessage(context.Background(), []byte(`not json`))
	a.handleMessage(context.Background(), []byte(`{"stream":"!ticker@arr","data":"not an array"}`))

	if events := a.buf.drain(); events != nil {
		t.Errorf("malformed frames must not buffer, got %d events", len(events))
	}
	if len(handler.liquidations) != 0 {
		t.Errorf("malformed frames must not emit liquidations")
	}
}

func TestParseDecimal(t *testing.T) {
	if got := parseDecimal("65000.50"); got != 65000.50 {
		t.Errorf("expected 65000.50, got %g", got)
	}
	if got := parseDecimal(""); got != 0 {
		t.Errorf("empty string must parse to 0, got %g", got)
	}
	if got := parseDecimal("garbage"); got != 0 {
		t.Errorf("malformed value must parse to 0, got %g", got)
	}
}

func TestHasQuote(t *testing.T) {
	if !hasQuote("BTCUSDT", "USDT") {
		t.Error("BTCUSDT is quoted in USDT")
	}
	if hasQuote("ETHBTC", "USDT") {
		t.Error("ETHBTC is not quoted in USDT")
	}
	if hasQuote("USDT", "USDT") {
		t.Error("a bare quote symbol is not a pair")
	}
}
