package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marketpulse/internal/config"
	"marketpulse/internal/entitlement"
	"marketpulse/internal/errors"
	"marketpulse/internal/models"
)

type fakeTransport struct {
	mu    sync.Mutex
	sends []int64
	// fail returns the error for one send attempt, keyed by attempt index.
	fail func(attempt int) error
}

func (f *fakeTransport) Send(_ context.Context, chatID int64, _ string) (int, error) {
	f.mu.Lock()
	attempt := len(f.sends)
	f.sends = append(f.sends, chatID)
	f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(attempt); err != nil {
			return 0, err
		}
	}
	return attempt + 1, nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeTransport) sentTo() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.sends...)
}

type fakeStores struct {
	mu            sync.Mutex
	users         map[int64]models.User
	deletedUsers  []int64
	deletedSeries []int64
	tracked       []models.SentSignal
}

func newFakeStores(users ...models.User) *fakeStores {
	f := &fakeStores{users: make(map[int64]models.User)}
	for _, u := range users {
		f.users[u.UserID] = u
	}
	return f
}

func (f *fakeStores) FindUser(_ context.Context, userID int64) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, errors.ErrUserNotFound
	}
	return &u, nil
}

func (f *fakeStores) FindUsers(_ context.Context, userIDs []int64) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.User
	for _, id := range userIDs {
		if u, ok := f.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStores) DeleteUser(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, userID)
	f.deletedUsers = append(f.deletedUsers, userID)
	return nil
}

func (f *fakeStores) DeleteUserSeries(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedSeries = append(f.deletedSeries, userID)
	return nil
}

func (f *fakeStores) Track(_ context.Context, sig models.SentSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = append(f.tracked, sig)
	return nil
}

func activeUser(id int64) models.User {
	future := time.Now().Add(time.Hour)
	return models.User{UserID: id, SubscriptionActiveTil: &future}
}

func testQueue(transport Transport, stores *fakeStores) *Queue {
	cfg := config.DeliveryConfig{
		MessagesPerSecond: 1000,
		MaxRetries:        3,
		BaseRetryDelay:    time.Millisecond,
		QueueCapacity:     100,
	}
	cache := entitlement.NewCache(stores, time.Minute, zerolog.Nop())
	return NewQueue(transport, cache, stores, stores, stores, cfg, zerolog.Nop())
}

func runQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	return cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestQueueDeliversAndTracks(t *testing.T) {
	stores := newFakeStores(activeUser(1))
	transport := &fakeTransport{}
	q := testQueue(transport, stores)
	cancel := runQueue(t, q)
	defer cancel()

	err := q.Enqueue(models.QueuedNotification{RecipientID: 1, RenderedMessage: "hi", Priority: models.PriorityNormal})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool { return q.Stats().Delivered == 1 })

	stores.mu.Lock()
	defer stores.mu.Unlock()
	if len(stores.tracked) != 1 {
		t.Fatalf("expected 1 tracked signal, got %d", len(stores.tracked))
	}
	if stores.tracked[0].ChatID != 1 {
		t.Errorf("expected chat 1, got %d", stores.tracked[0].ChatID)
	}
}

func TestQueuePermanentFailureDeregistersWithoutRetry(t *testing.T) {
	stores := newFakeStores(activeUser(1))
	transport := &fakeTransport{
		fail: func(int) error {
			return errors.NewTransportError(errors.TransportPermanent, nil)
		},
	}
	q := testQueue(transport, stores)
	cancel := runQueue(t, q)
	defer cancel()

	_ = q.Enqueue(models.QueuedNotification{RecipientID: 1, RenderedMessage: "hi"})

	waitFor(t, func() bool { return q.Stats().Deregistered == 1 })
	// Allow any erroneous retry to surface before asserting.
	time.Sleep(50 * time.Millisecond)

	if n := transport.sendCount(); n != 1 {
		t.Fatalf("permanent failure must not be retried, got %d attempts", n)
	}
	stores.mu.Lock()
	defer stores.mu.Unlock()
	if len(stores.deletedUsers) != 1 || stores.deletedUsers[0] != 1 {
		t.Errorf("expected user 1 deleted, got %v", stores.deletedUsers)
	}
	if len(stores.deletedSeries) != 1 || stores.deletedSeries[0] != 1 {
		t.Errorf("expected series cascade for user 1, got %v", stores.deletedSeries)
	}
}

func TestQueueSkipsUnentitledRecipient(t *testing.T) {
	stores := newFakeStores(models.User{UserID: 1}) // no grants
	transport := &fakeTransport{}
	q := testQueue(transport, stores)
	cancel := runQueue(t, q)
	defer cancel()

	_ = q.Enqueue(models.QueuedNotification{RecipientID: 1, RenderedMessage: "hi"})

	waitFor(t, func() bool { return q.Stats().Dropped == 1 })
	if n := transport.sendCount(); n != 0 {
		t.Fatalf("unentitled recipient must not be contacted, got %d sends", n)
	}
}

func TestQueueSkipsRecipientInSettingsEdit(t *testing.T) {
	u := activeUser(1)
	u.InSettingsEdit = true
	stores := newFakeStores(u)
	transport := &fakeTransport{}
	q := testQueue(transport, stores)
	cancel := runQueue(t, q)
	defer cancel()

	_ = q.Enqueue(models.QueuedNotification{RecipientID: 1, RenderedMessage: "hi"})

	waitFor(t, func() bool { return q.Stats().Dropped == 1 })
	if n := transport.sendCount(); n != 0 {
		t.Fatalf("recipient mid-dialog must not be contacted, got %d sends", n)
	}
}

func TestQueueBadRequestDropped(t *testing.T) {
	stores := newFakeStores(activeUser(1))
	transport := &fakeTransport{
		fail: func(int) error {
			return errors.NewTransportError(errors.TransportBadRequest, nil)
		},
	}
	q := testQueue(transport, stores)
	cancel := runQueue(t, q)
	defer cancel()

	_ = q.Enqueue(models.QueuedNotification{RecipientID: 1, RenderedMessage: "hi"})

	waitFor(t, func() bool { return q.Stats().Dropped == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := transport.sendCount(); n != 1 {
		t.Fatalf("bad request must not be retried, got %d attempts", n)
	}
}

func TestQueueTransientFailureRetriesThenDelivers(t *testing.T) {
	stores := newFakeStores(activeUser(1))
	transport := &fakeTransport{
		fail: func(attempt int) error {
			if attempt == 0 {
				return errors.NewTransportError(errors.TransportTransient, nil)
			}
			return nil
		},
	}
	q := testQueue(transport, stores)
	cancel := runQueue(t, q)
	defer cancel()

	_ = q.Enqueue(models.QueuedNotification{RecipientID: 1, RenderedMessage: "hi"})

	waitFor(t, func() bool { return q.Stats().Delivered == 1 })
	if n := transport.sendCount(); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
	if q.Stats().Retried != 1 {
		t.Errorf("expected 1 retry counted, got %d", q.Stats().Retried)
	}
}

func TestQueueHighLaneDrainsFirst(t *testing.T) {
	stores := newFakeStores(activeUser(1), activeUser(2))
	transport := &fakeTransport{}
	q := testQueue(transport, stores)

	_ = q.Enqueue(models.QueuedNotification{RecipientID: 1, RenderedMessage: "normal", Priority: models.PriorityNormal})
	_ = q.Enqueue(models.QueuedNotification{RecipientID: 2, RenderedMessage: "urgent", Priority: models.PriorityHigh})

	cancel := runQueue(t, q)
	defer cancel()

	waitFor(t, func() bool { return q.Stats().Delivered == 2 })
	sent := transport.sentTo()
	if sent[0] != 2 {
		t.Fatalf("high-priority recipient must be served first, got order %v", sent)
	}
}

func TestQueueFullLaneCountsDropNotEnqueue(t *testing.T) {
	stores := newFakeStores(activeUser(1))
	cfg := config.DeliveryConfig{
		MessagesPerSecond: 1000,
		MaxRetries:        3,
		BaseRetryDelay:    time.Millisecond,
		QueueCapacity:     1,
	}
	cache := entitlement.NewCache(stores, time.Minute, zerolog.Nop())
	q := NewQueue(&fakeTransport{}, cache, stores, stores, stores, cfg, zerolog.Nop())

	// Dispatcher not running: the second enqueue finds the lane full.
	_ = q.Enqueue(models.QueuedNotification{RecipientID: 1, RenderedMessage: "a"})
	_ = q.Enqueue(models.QueuedNotification{RecipientID: 1, RenderedMessage: "b"})

	stats := q.Stats()
	if stats.Enqueued != 1 {
		t.Errorf("only accepted notifications count as enqueued, got %d", stats.Enqueued)
	}
	if stats.Dropped != 1 {
		t.Errorf("expected 1 drop, got %d", stats.Dropped)
	}
	if stats.Enqueued != int64(stats.NormalDepth)+stats.Delivered+stats.Retried {
		t.Errorf("counter drift: %+v", stats)
	}
}

func TestQueueRateLimitPausesAndRedelivers(t *testing.T) {
	stores := newFakeStores(activeUser(1))
	transport := &fakeTransport{
		fail: func(attempt int) error {
			if attempt == 0 {
				return errors.NewRateLimitedError(10*time.Millisecond, nil)
			}
			return nil
		},
	}
	q := testQueue(transport, stores)
	cancel := runQueue(t, q)
	defer cancel()

	_ = q.Enqueue(models.QueuedNotification{RecipientID: 1, RenderedMessage: "hi"})

	waitFor(t, func() bool { return q.Stats().Delivered == 1 })
	if n := transport.sendCount(); n != 2 {
		t.Fatalf("expected pause then redelivery, got %d attempts", n)
	}
	if q.Stats().Retried != 0 {
		t.Errorf("rate-limit pause must not consume a retry attempt, got %d", q.Stats().Retried)
	}
}
