package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marketpulse/internal/config"
	"marketpulse/internal/errors"
	"marketpulse/internal/logging"
	"marketpulse/internal/models"
	"marketpulse/pkg/utils"
)

// Bybit caps the number of topics per subscribe frame.
const bybitSubscribeChunk = 10

// BybitAdapter streams v5 linear-perpetual tickers and liquidations. The
// public stream has no all-market topic, so instruments are discovered over
// REST at session start and subscribed individually. Bybit tickers include
// open interest value, so both price and OI series are fed from one topic.
type BybitAdapter struct {
	cfg     config.ExchangeFeedConfig
	quote   string
	flush   time.Duration
	handler Handler
	buf     *tickerBuffer
	http    *http.Client
	logger  zerolog.Logger
}

// NewBybitAdapter creates the Bybit feed adapter.
func NewBybitAdapter(feeds config.FeedsConfig, handler Handler, logger zerolog.Logger) *BybitAdapter {
	return &BybitAdapter{
		cfg:     feeds.Bybit,
		quote:   feeds.QuoteCurrency,
		flush:   feeds.TickerFlushInterval,
		handler: handler,
		buf:     newTickerBuffer(),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logging.WithExchange(logger, string(models.ExchangeBybit)),
	}
}

func (a *BybitAdapter) Exchange() models.Exchange {
	return models.ExchangeBybit
}

// Run maintains the stream session and the flush loop until ctx ends.
func (a *BybitAdapter) Run(ctx context.Context) error {
	go flushLoop(ctx, models.ExchangeBybit, a.buf, a.flush, a.handler)

	client := &wsClient{
		url:          a.cfg.StreamURL,
		pingInterval: a.cfg.PingInterval,
		pingPayload:  []byte(`{"op":"ping"}`),
		onOpen: func(conn *websocket.Conn) error {
			return a.subscribe(ctx, conn)
		},
		onMessage: func(data []byte) {
			a.handleMessage(ctx, data)
		},
		logger: a.logger,
	}
	return client.Run(ctx)
}

// subscribe discovers tradable instruments and subscribes to their ticker
// and liquidation topics in chunks. Runs on every (re)connect, so a symbol
// listed while disconnected is picked up on reconnect.
func (a *BybitAdapter) subscribe(ctx context.Context, conn *websocket.Conn) error {
	// Instrument discovery is the one REST call in the session; a blip here
	// would otherwise tear down a freshly dialed socket.
	var symbols []string
	err := utils.Retry(ctx, utils.DefaultRetryConfig(), func() error {
		var ferr error
		symbols, ferr = a.fetchInstruments(ctx)
		return ferr
	})
	if err != nil {
		return errors.Wrap(err, "discovering instruments")
	}
	a.logger.Info().Int("symbols", len(symbols)).Msg("Subscribing to instrument topics")

	topics := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		topics = append(topics, "tickers."+s, "liquidation."+s)
	}
	for start := 0; start < len(topics); start += bybitSubscribeChunk {
		end := start + bybitSubscribeChunk
		if end > len(topics) {
			end = len(topics)
		}
		req := map[string]interface{}{"op": "subscribe", "args": topics[start:end]}
		if err := conn.WriteJSON(req); err != nil {
			return err
		}
	}
	return nil
}

type bybitInstrumentsResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol    string `json:"symbol"`
			QuoteCoin string `json:"quoteCoin"`
			Status    string `json:"status"`
		} `json:"list"`
	} `json:"result"`
}

func (a *BybitAdapter) fetchInstruments(ctx context.Context) ([]string, error) {
	url := fmt.Sprintf("%s/v5/market/instruments-info?category=linear&limit=1000", a.cfg.RestURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("instruments request returned %d", resp.StatusCode)
	}

	var body bybitInstrumentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.RetCode != 0 {
		return nil, fmt.Errorf("instruments request failed: %s", body.RetMsg)
	}

	var symbols []string
	for _, inst := range body.Result.List {
		if inst.Status != "Trading" || inst.QuoteCoin != a.quote {
			continue
		}
		symbols = append(symbols, inst.Symbol)
	}
	return symbols, nil
}

type bybitEnvelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

type bybitTicker struct {
	Symbol            string `json:"symbol"`
	LastPrice         string `json:"lastPrice"`
	OpenInterestValue string `json:"openInterestValue"`
}

type bybitLiquidation struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Size   string `json:"size"`
	Price  string `json:"price"`
}

func (a *BybitAdapter) handleMessage(ctx context.Context, data []byte) {
	var env bybitEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		a.logger.Debug().Err(errors.NewFeedError("bybit", string(data), err)).Msg("Skipping unparseable frame")
		return
	}

	switch {
	case strings.HasPrefix(env.Topic, "tickers."):
		a.handleTicker(env.Data)
	case strings.HasPrefix(env.Topic, "liquidation."):
		a.handleLiquidation(ctx, env.Data)
	}
}

// handleTicker buffers one delta. Deltas omit unchanged fields, so zero
// values here mean "unchanged" and the buffer merges field-wise.
func (a *BybitAdapter) handleTicker(data json.RawMessage) {
	var t bybitTicker
	if err := json.Unmarshal(data, &t); err != nil {
		a.logger.Debug().Err(err).Msg("Skipping malformed ticker")
		return
	}
	if t.Symbol == "" {
		return
	}
	ev := models.TickerEvent{
		Exchange:          models.ExchangeBybit,
		Symbol:            t.Symbol,
		LastPrice:         parseDecimal(t.LastPrice),
		OpenInterestValue: parseDecimal(t.OpenInterestValue),
		ReceivedAt:        time.Now(),
	}
	if ev.LastPrice == 0 && ev.OpenInterestValue == 0 {
		return
	}
	a.buf.add(ev)
}

func (a *BybitAdapter) handleLiquidation(ctx context.Context, data json.RawMessage) {
	var liq bybitLiquidation
	if err := json.Unmarshal(data, &liq); err != nil {
		a.logger.Debug().Err(err).Msg("Skipping malformed liquidation")
		return
	}

	value := parseDecimal(liq.Price) * parseDecimal(liq.Size)
	if value == 0 {
		return
	}
	// A Buy liquidation order closes a short position.
	side := "long"
	if strings.EqualFold(liq.Side, "Buy") {
		side = "short"
	}
	a.handler.HandleLiquidation(ctx, models.LiquidationEvent{
		Exchange:   models.ExchangeBybit,
		Symbol:     liq.Symbol,
		Value:      value,
		Side:       side,
		ReceivedAt: time.Now(),
	})
}
