// Package entitlement resolves whether a user may receive signals, with a
// TTL cache in front of the user store so delivery-time checks do not hit
// the database per message.
package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketpulse/internal/errors"
	"marketpulse/internal/models"
)

// UserReader is the store subset the cache needs.
type UserReader interface {
	FindUser(ctx context.Context, userID int64) (*models.User, error)
	FindUsers(ctx context.Context, userIDs []int64) ([]models.User, error)
}

// Cache is a TTL-bounded entitlement snapshot cache. Snapshots expire after
// the configured TTL and are dropped explicitly when a subscription, trial,
// ban or admin flag changes.
type Cache struct {
	users  UserReader
	ttl    time.Duration
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	snapshots map[int64]models.EntitlementSnapshot
}

// NewCache creates a cache over the given user reader.
func NewCache(users UserReader, ttl time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{
		users:     users,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
		snapshots: make(map[int64]models.EntitlementSnapshot),
	}
}

// Get returns the user's entitlement snapshot, loading it from the store on
// a miss or expiry. Unknown users return ErrUserNotFound.
func (c *Cache) Get(ctx context.Context, userID int64) (models.EntitlementSnapshot, error) {
	now := c.now()

	c.mu.RLock()
	snap, ok := c.snapshots[userID]
	c.mu.RUnlock()
	if ok && now.Sub(snap.CachedAt) < c.ttl {
		return snap, nil
	}

	user, err := c.users.FindUser(ctx, userID)
	if err != nil {
		return models.EntitlementSnapshot{}, err
	}
	snap = user.Snapshot(now)

	c.mu.Lock()
	c.snapshots[userID] = snap
	c.mu.Unlock()
	return snap, nil
}

// GetMany resolves snapshots for a batch of users, fetching only the missing
// or expired ones from the store in a single query. Users absent from the
// store are omitted from the result.
func (c *Cache) GetMany(ctx context.Context, userIDs []int64) (map[int64]models.EntitlementSnapshot, error) {
	now := c.now()
	out := make(map[int64]models.EntitlementSnapshot, len(userIDs))
	var stale []int64

	c.mu.RLock()
	for _, id := range userIDs {
		if snap, ok := c.snapshots[id]; ok && now.Sub(snap.CachedAt) < c.ttl {
			out[id] = snap
		} else {
			stale = append(stale, id)
		}
	}
	c.mu.RUnlock()

	if len(stale) == 0 {
		return out, nil
	}

	users, err := c.users.FindUsers(ctx, stale)
	if err != nil {
		return nil, errors.Wrap(err, "refreshing entitlement batch")
	}

	c.mu.Lock()
	for _, u := range users {
		snap := u.Snapshot(now)
		c.snapshots[u.UserID] = snap
		out[u.UserID] = snap
	}
	c.mu.Unlock()
	return out, nil
}

// HasAccess reports whether the user may receive signals right now.
func (c *Cache) HasAccess(ctx context.Context, userID int64) (bool, error) {
	snap, err := c.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return snap.HasAccess(c.now()), nil
}

// Invalidate drops the cached snapshot for a user. Called after any
// subscription, trial, ban or admin mutation so the change takes effect
// before the TTL elapses.
func (c *Cache) Invalidate(userID int64) {
	c.mu.Lock()
	delete(c.snapshots, userID)
	c.mu.Unlock()
	c.logger.Debug().Int64("user_id", userID).Msg("Entitlement snapshot invalidated")
}

// Len returns the number of cached snapshots, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}
