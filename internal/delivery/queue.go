// Package delivery implements the rate-limited notification queue.
//
// Notifications enter one of two lanes (high for liquidations, normal for
// threshold signals) and a single dispatcher drains them under a global
// token-bucket rate limit. Failures are handled by transport error kind:
// permanent failures deregister the recipient, rate limits pause the whole
// dispatcher, bad requests are dropped, and transient failures are retried
// with exponential backoff up to an attempt cap.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"marketpulse/internal/config"
	"marketpulse/internal/entitlement"
	"marketpulse/internal/errors"
	"marketpulse/internal/logging"
	"marketpulse/internal/models"
	"marketpulse/pkg/utils"
)

// Transport sends rendered messages to recipients. Errors must be classified
// as *errors.TransportError.
type Transport interface {
	Send(ctx context.Context, chatID int64, text string) (messageID int, err error)
}

// UserDeregistrar removes the user record and settings of an unreachable
// recipient.
type UserDeregistrar interface {
	DeleteUser(ctx context.Context, userID int64) error
}

// SeriesDeregistrar cascades deregistration to the user's tracked series.
type SeriesDeregistrar interface {
	DeleteUserSeries(ctx context.Context, userID int64) error
}

// SignalTracker records delivered messages for later cleanup.
type SignalTracker interface {
	Track(ctx context.Context, sig models.SentSignal) error
}

// Stats is a point-in-time view of queue activity.
type Stats struct {
	Enqueued     int64
	Delivered    int64
	Retried      int64
	Dropped      int64
	Deregistered int64
	HighDepth    int
	NormalDepth  int
}

// Queue is the two-lane delivery queue. Construct with NewQueue and run the
// dispatcher with Run.
type Queue struct {
	transport    Transport
	entitlements *entitlement.Cache
	users        UserDeregistrar
	series       SeriesDeregistrar
	sent         SignalTracker
	limiter      *rate.Limiter
	cfg          config.DeliveryConfig
	logger       zerolog.Logger
	now          func() time.Time

	high   chan models.QueuedNotification
	normal chan models.QueuedNotification

	mu     sync.Mutex
	closed bool
	stats  Stats
}

// NewQueue creates a delivery queue. The limiter's burst is one token, so
// sends are spaced evenly instead of clustering at the window edge.
func NewQueue(
	transport Transport,
	entitlements *entitlement.Cache,
	users UserDeregistrar,
	series SeriesDeregistrar,
	sent SignalTracker,
	cfg config.DeliveryConfig,
	logger zerolog.Logger,
) *Queue {
	return &Queue{
		transport:    transport,
		entitlements: entitlements,
		users:        users,
		series:       series,
		sent:         sent,
		limiter:      rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), 1),
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		high:         make(chan models.QueuedNotification, cfg.QueueCapacity),
		normal:       make(chan models.QueuedNotification, cfg.QueueCapacity),
	}
}

// Enqueue adds a notification to its lane. A full lane drops the
// notification rather than blocking the evaluation path.
func (q *Queue) Enqueue(n models.QueuedNotification) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.ErrQueueClosed
	}
	q.mu.Unlock()

	if n.EnqueuedAt.IsZero() {
		n.EnqueuedAt = q.now()
	}

	lane := q.normal
	if n.Priority == models.PriorityHigh {
		lane = q.high
	}
	select {
	case lane <- n:
		q.mu.Lock()
		q.stats.Enqueued++
		q.mu.Unlock()
		return nil
	default:
		q.countDrop()
		q.logger.Warn().
			Int64("user_id", n.RecipientID).
			Str("priority", string(n.Priority)).
			Msg("Delivery lane full, dropping notification")
		return nil
	}
}

// Run drains the lanes until ctx is cancelled. High-priority notifications
// always dispatch before normal ones.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info().
		Float64("rate", q.cfg.MessagesPerSecond).
		Int("capacity", q.cfg.QueueCapacity).
		Msg("Delivery dispatcher started")

	for {
		n, ok := q.next(ctx)
		if !ok {
			q.close()
			q.logger.Info().Msg("Delivery dispatcher stopped")
			return
		}
		q.dispatch(ctx, n)
	}
}

// next returns the next notification, preferring the high lane. False means
// ctx was cancelled.
func (q *Queue) next(ctx context.Context) (models.QueuedNotification, bool) {
	select {
	case n := <-q.high:
		return n, true
	default:
	}
	select {
	case n := <-q.high:
		return n, true
	case n := <-q.normal:
		return n, true
	case <-ctx.Done():
		return models.QueuedNotification{}, false
	}
}

// dispatch sends one notification, looping in place on rate-limit pauses so
// the paused item keeps its place at the front.
func (q *Queue) dispatch(ctx context.Context, n models.QueuedNotification) {
	deliverable, err := q.deliverable(ctx, n.RecipientID)
	if err != nil {
		q.logger.Warn().Err(err).Int64("user_id", n.RecipientID).Msg("Entitlement check failed, dropping")
		q.countDrop()
		return
	}
	if !deliverable {
		q.countDrop()
		return
	}

	for {
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}

		msgID, err := q.transport.Send(ctx, n.RecipientID, n.RenderedMessage)
		if err == nil {
			q.recordDelivery(ctx, n, msgID)
			return
		}

		var terr *errors.TransportError
		if !errors.As(err, &terr) {
			terr = errors.NewTransportError(errors.TransportTransient, err)
		}

		switch terr.Kind {
		case errors.TransportPermanent:
			q.deregister(ctx, n.RecipientID)
			return

		case errors.TransportRateLimited:
			// Pause the whole dispatcher; the notification is not at fault
			// and does not consume a retry attempt.
			q.logger.Warn().Dur("retry_after", terr.RetryAfter).Msg("Transport rate limited, pausing dispatcher")
			select {
			case <-time.After(terr.RetryAfter):
			case <-ctx.Done():
				return
			}

		case errors.TransportBadRequest:
			q.countDrop()
			q.logger.Warn().Err(terr).Int64("user_id", n.RecipientID).Msg("Bad request, dropping notification")
			return

		default:
			q.retryLater(ctx, n, terr)
			return
		}
	}
}

// retryLater re-enqueues a transiently failed notification after backoff, or
// drops it once the attempt cap is reached.
func (q *Queue) retryLater(ctx context.Context, n models.QueuedNotification, terr *errors.TransportError) {
	n.Attempt++
	if n.Attempt >= q.cfg.MaxRetries {
		q.countDrop()
		q.logger.Warn().
			Err(terr).
			Int64("user_id", n.RecipientID).
			Int("attempts", n.Attempt).
			Msg("Retries exhausted, dropping notification")
		return
	}

	q.mu.Lock()
	q.stats.Retried++
	q.mu.Unlock()

	delay := utils.CalculateBackoff(n.Attempt, q.cfg.BaseRetryDelay, 30*time.Second, 2.0)
	q.logger.Debug().
		Int64("user_id", n.RecipientID).
		Int("attempt", n.Attempt).
		Dur("delay", delay).
		Msg("Scheduling delivery retry")

	go func() {
		select {
		case <-time.After(delay):
			_ = q.Enqueue(n)
		case <-ctx.Done():
		}
	}()
}

// deliverable gates delivery on the recipient's entitlement snapshot.
// Recipients mid settings-dialog are skipped so signal bursts do not clobber
// the dialog. An unknown user is simply not deliverable.
func (q *Queue) deliverable(ctx context.Context, userID int64) (bool, error) {
	snap, err := q.entitlements.Get(ctx, userID)
	if errors.Is(err, errors.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return snap.HasAccess(q.now()) && !snap.InSettingsEdit, nil
}

func (q *Queue) recordDelivery(ctx context.Context, n models.QueuedNotification, msgID int) {
	q.mu.Lock()
	q.stats.Delivered++
	q.mu.Unlock()

	err := q.sent.Track(ctx, models.SentSignal{
		UserID:    n.RecipientID,
		ChatID:    n.RecipientID,
		MessageID: msgID,
		SentAt:    q.now(),
	})
	if err != nil {
		// Delivery succeeded; a lost tracking row only delays cleanup.
		q.logger.Warn().Err(err).Int64("user_id", n.RecipientID).Msg("Tracking sent signal failed")
	}
}

// deregister removes an unreachable recipient entirely: user record, config
// and every tracked series, then drops the cached entitlement.
func (q *Queue) deregister(ctx context.Context, userID int64) {
	q.mu.Lock()
	q.stats.Deregistered++
	q.mu.Unlock()

	logger := logging.WithUser(q.logger, userID)
	if err := q.users.DeleteUser(ctx, userID); err != nil {
		logger.Error().Err(err).Msg("Deregistering user failed")
	}
	if err := q.series.DeleteUserSeries(ctx, userID); err != nil {
		logger.Error().Err(err).Msg("Deleting user series failed")
	}
	q.entitlements.Invalidate(userID)
	logger.Info().Msg("Unreachable recipient deregistered")
}

func (q *Queue) countDrop() {
	q.mu.Lock()
	q.stats.Dropped++
	q.mu.Unlock()
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Stats returns a snapshot of queue counters and lane depths.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	s := q.stats
	q.mu.Unlock()
	s.HighDepth = len(q.high)
	s.NormalDepth = len(q.normal)
	return s
}
