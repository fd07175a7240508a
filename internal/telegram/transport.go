// Package telegram adapts the Bot API client to the delivery and cleanup
// contracts, translating API failures into the transport error taxonomy.
package telegram

import (
	"context"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"marketpulse/internal/config"
	"marketpulse/internal/errors"
)

// Client wraps the Bot API connection.
type Client struct {
	bot    *tgbotapi.BotAPI
	logger zerolog.Logger
}

// NewClient authenticates against the Bot API.
func NewClient(cfg config.TelegramConfig, logger zerolog.Logger) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, errors.Wrap(err, "creating bot client")
	}
	bot.Debug = cfg.Debug
	logger.Info().Str("bot", bot.Self.UserName).Msg("Telegram bot authorized")
	return &Client{bot: bot, logger: logger}, nil
}

// Send delivers an HTML-formatted message and returns its message ID.
// Failures come back classified as *errors.TransportError.
func (c *Client) Send(ctx context.Context, chatID int64, text string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	sent, err := c.bot.Send(msg)
	if err != nil {
		return 0, classify(err)
	}
	return sent.MessageID, nil
}

// Delete removes a previously sent message. A message already gone (deleted
// by the user, or the chat no longer reachable) is not an error for the
// caller's purposes, so 400 and 403 map to nil.
func (c *Client) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	if err == nil {
		return nil
	}
	terr := classify(err)
	var te *errors.TransportError
	if errors.As(terr, &te) && (te.Kind == errors.TransportBadRequest || te.Kind == errors.TransportPermanent) {
		return nil
	}
	return terr
}

// classify maps a Bot API error onto the transport taxonomy:
// 403 -> permanent, 429 -> rate-limited with the server's retry-after,
// 400 -> bad request, everything else -> transient.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return errors.NewTransportError(errors.TransportTransient, err)
	}
	switch apiErr.Code {
	case 403:
		return errors.NewTransportError(errors.TransportPermanent, err)
	case 429:
		retryAfter := time.Duration(apiErr.RetryAfter) * time.Second
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return errors.NewRateLimitedError(retryAfter, err)
	case 400:
		return errors.NewTransportError(errors.TransportBadRequest, err)
	default:
		// Some deactivated-account responses arrive without a usable code.
		if strings.Contains(apiErr.Message, "deactivated") || strings.Contains(apiErr.Message, "blocked") {
			return errors.NewTransportError(errors.TransportPermanent, err)
		}
		return errors.NewTransportError(errors.TransportTransient, err)
	}
}
