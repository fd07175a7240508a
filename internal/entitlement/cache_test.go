package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marketpulse/internal/errors"
	"marketpulse/internal/models"
)

type fakeUserReader struct {
	users map[int64]models.User
	calls int
}

func (f *fakeUserReader) FindUser(_ context.Context, userID int64) (*models.User, error) {
	f.calls++
	u, ok := f.users[userID]
	if !ok {
		return nil, errors.ErrUserNotFound
	}
	return &u, nil
}

func (f *fakeUserReader) FindUsers(_ context.Context, userIDs []int64) ([]models.User, error) {
	f.calls++
	var out []models.User
	for _, id := range userIDs {
		if u, ok := f.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func testCache(users map[int64]models.User, ttl time.Duration) (*Cache, *fakeUserReader) {
	reader := &fakeUserReader{users: users}
	return NewCache(reader, ttl, zerolog.Nop()), reader
}

func TestGetCachesWithinTTL(t *testing.T) {
	future := time.Now().Add(time.Hour)
	cache, reader := testCache(map[int64]models.User{
		1: {UserID: 1, SubscriptionActiveTil: &future},
	}, time.Minute)

	ctx := context.Background()
	if _, err := cache.Get(ctx, 1); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, err := cache.Get(ctx, 1); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if reader.calls != 1 {
		t.Errorf("expected 1 store hit, got %d", reader.calls)
	}
}

func TestGetRefetchesAfterExpiry(t *testing.T) {
	cache, reader := testCache(map[int64]models.User{1: {UserID: 1}}, time.Minute)

	base := time.Now()
	current := base
	cache.now = func() time.Time { return current }

	ctx := context.Background()
	if _, err := cache.Get(ctx, 1); err != nil {
		t.Fatalf("first get: %v", err)
	}
	current = base.Add(2 * time.Minute)
	if _, err := cache.Get(ctx, 1); err != nil {
		t.Fatalf("expired get: %v", err)
	}
	if reader.calls != 2 {
		t.Errorf("expected refetch after TTL, got %d store hits", reader.calls)
	}
}

func TestTrialExpiryObservedAfterInvalidation(t *testing.T) {
	trialEnd := time.Now().Add(30 * time.Minute)
	users := map[int64]models.User{1: {UserID: 1, TrialActiveTil: &trialEnd}}
	cache, _ := testCache(users, time.Minute)

	ctx := context.Background()
	ok, err := cache.HasAccess(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("expected access during trial, got %v %v", ok, err)
	}

	// Trial is revoked at the source and the cache invalidated.
	delete(users, 1)
	cache.Invalidate(1)

	if _, err := cache.Get(ctx, 1); !errors.Is(err, errors.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound after invalidation, got %v", err)
	}
}

func TestGetManyFetchesOnlyStaleEntries(t *testing.T) {
	future := time.Now().Add(time.Hour)
	cache, reader := testCache(map[int64]models.User{
		1: {UserID: 1, SubscriptionActiveTil: &future},
		2: {UserID: 2},
		3: {UserID: 3, IsAdmin: true},
	}, time.Minute)

	ctx := context.Background()
	if _, err := cache.Get(ctx, 1); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	reader.calls = 0

	snaps, err := cache.GetMany(ctx, []int64{1, 2, 3, 99})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if reader.calls != 1 {
		t.Errorf("expected one batched store hit, got %d", reader.calls)
	}
	if len(snaps) != 3 {
		t.Errorf("expected 3 snapshots (99 unknown), got %d", len(snaps))
	}
	if _, ok := snaps[99]; ok {
		t.Error("unknown user must be omitted")
	}
}
