package feed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marketpulse/pkg/utils"
)

// wsClient owns one websocket connection and its reconnect loop. onOpen runs
// after every (re)connect so subscriptions are replayed; onMessage receives
// every text frame.
type wsClient struct {
	url          string
	pingInterval time.Duration
	// pingPayload, when set, is sent as an application-level ping frame.
	// When nil the protocol-level pong reply (gorilla's default handler)
	// is sufficient.
	pingPayload []byte
	onOpen      func(conn *websocket.Conn) error
	onMessage   func(data []byte)
	logger      zerolog.Logger
}

// Run dials and reads until ctx is cancelled, reconnecting with backoff
// after any session failure. A session that stayed up for a while resets
// the backoff.
func (c *wsClient) Run(ctx context.Context) error {
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > time.Minute {
			attempt = 0
		}

		delay := utils.CalculateBackoff(attempt, time.Second, time.Minute, 2.0)
		attempt++
		c.logger.Warn().Err(err).Dur("reconnect_in", delay).Msg("Stream session ended")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *wsClient) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.logger.Info().Str("url", c.url).Msg("Stream connected")

	if c.onOpen != nil {
		if err := c.onOpen(conn); err != nil {
			return err
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Close the connection when ctx ends so ReadMessage unblocks.
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	if c.pingPayload != nil && c.pingInterval > 0 {
		go c.pingLoop(sessionCtx, conn)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.onMessage(data)
	}
}

func (c *wsClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, c.pingPayload); err != nil {
				c.logger.Warn().Err(err).Msg("Stream ping failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
