package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marketpulse/internal/config"
	"marketpulse/internal/errors"
	"marketpulse/internal/logging"
	"marketpulse/internal/models"
)

const (
	binanceTickerStream      = "!ticker@arr"
	binanceLiquidationStream = "!forceOrder@arr"
)

// BinanceAdapter streams the futures all-market ticker and liquidation
// feeds. Binance does not publish open interest on the ticker stream, so
// its events carry price only.
type BinanceAdapter struct {
	cfg     config.ExchangeFeedConfig
	quote   string
	flush   time.Duration
	handler Handler
	buf     *tickerBuffer
	logger  zerolog.Logger
}

// NewBinanceAdapter creates the Binance feed adapter.
func NewBinanceAdapter(feeds config.FeedsConfig, handler Handler, logger zerolog.Logger) *BinanceAdapter {
	return &BinanceAdapter{
		cfg:     feeds.Binance,
		quote:   feeds.QuoteCurrency,
		flush:   feeds.TickerFlushInterval,
		handler: handler,
		buf:     newTickerBuffer(),
		logger:  logging.WithExchange(logger, string(models.ExchangeBinance)),
	}
}

func (a *BinanceAdapter) Exchange() models.Exchange {
	return models.ExchangeBinance
}

// Run maintains the stream session and the flush loop until ctx ends.
func (a *BinanceAdapter) Run(ctx context.Context) error {
	go flushLoop(ctx, models.ExchangeBinance, a.buf, a.flush, a.handler)

	client := &wsClient{
		url:    a.cfg.StreamURL,
		onOpen: a.subscribe,
		onMessage: func(data []byte) {
			a.handleMessage(ctx, data)
		},
		logger: a.logger,
	}
	return client.Run(ctx)
}

// subscribe replays the stream subscriptions; called on every (re)connect.
func (a *BinanceAdapter) subscribe(conn *websocket.Conn) error {
	req := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{binanceTickerStream, binanceLiquidationStream},
		"id":     1,
	}
	return conn.WriteJSON(req)
}

type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceTicker struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
}

type binanceForceOrder struct {
	Order struct {
		Symbol   string `json:"s"`
		Side     string `json:"S"`
		Quantity string `json:"q"`
		AvgPrice string `json:"ap"`
	} `json:"o"`
}

func (a *BinanceAdapter) handleMessage(ctx context.Context, data []byte) {
	var env binanceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.logger.Debug().Err(errors.NewFeedError("binance", string(data), err)).Msg("Skipping unparseable frame")
		return
	}

	switch env.Stream {
	case binanceTickerStream:
		a.handleTickers(env.Data)
	case binanceLiquidationStream:
		a.handleLiquidation(ctx, env.Data)
	}
}

func (a *BinanceAdapter) handleTickers(data json.RawMessage) {
	var tickers []binanceTicker
	if err := json.Unmarshal(data, &tickers); err != nil {
		a.logger.Debug().Err(err).Msg("Skipping malformed ticker batch")
		return
	}
	now := time.Now()
	for _, t := range tickers {
		if !hasQuote(t.Symbol, a.quote) {
			continue
		}
		price := parseDecimal(t.LastPrice)
		if price == 0 {
			continue
		}
		a.buf.add(models.TickerEvent{
			Exchange:   models.ExchangeBinance,
			Symbol:     t.Symbol,
			LastPrice:  price,
			ReceivedAt: now,
		})
	}
}

func (a *BinanceAdapter) handleLiquidation(ctx context.Context, data json.RawMessage) {
	var fo binanceForceOrder
	if err := json.Unmarshal(data, &fo); err != nil {
		a.logger.Debug().Err(err).Msg("Skipping malformed liquidation")
		return
	}
	if !hasQuote(fo.Order.Symbol, a.quote) {
		return
	}

	value := parseDecimal(fo.Order.AvgPrice) * parseDecimal(fo.Order.Quantity)
	if value == 0 {
		return
	}
	// A forced SELL closes a long position.
	side := "short"
	if fo.Order.Side == "SELL" {
		side = "long"
	}
	a.handler.HandleLiquidation(ctx, models.LiquidationEvent{
		Exchange:   models.ExchangeBinance,
		Symbol:     fo.Order.Symbol,
		Value:      value,
		Side:       side,
		ReceivedAt: time.Now(),
	})
}
