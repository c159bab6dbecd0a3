// Package presence keeps the per-user status and custom activity records in
// the coordination store, so every server process reads the same view.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Nerimity/nerimity-server-sub001/internal/store"
)

type Cache struct {
	store  *store.Store
	logger *slog.Logger
}

func NewCache(st *store.Store, logger *slog.Logger) *Cache {
	return &Cache{
		store:  st,
		logger: logger.With(slog.String("component", "presence_cache")),
	}
}

// Get returns the stored presence for a user, or found=false when the user
// has no live connections.
func (c *Cache) Get(ctx context.Context, userID string) (*Presence, bool, error) {
	raw, err := c.store.Client().Get(ctx, store.PresenceKey(userID)).Result()
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read presence for user '%s': %w", userID, err)
	}
	var p Presence
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false, fmt.Errorf("corrupt presence record for user '%s': %w", userID, err)
	}
	return &p, true, nil
}

// Set writes a full presence record. Called by the connection registry on
// first connect; feature handlers go through Update instead.
func (c *Cache) Set(ctx context.Context, userID string, p Presence) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	return c.store.Client().Set(ctx, store.PresenceKey(userID), raw, 0).Err()
}

// Update merges a partial change into the stored presence, last writer wins
// per field. It returns emitted=false when the user has no presence record
// (no live connections) or the update carried nothing, in which case nothing
// should be broadcast. Update never deletes the record; only the registry's
// last-disconnect path does, so a status change can never mark a user
// offline by accident.
func (c *Cache) Update(ctx context.Context, userID string, u Update) (bool, error) {
	if u.Empty() {
		return false, nil
	}

	p, found, err := c.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if !found {
		// expected race with disconnect; silent no-op
		c.logger.Debug("Presence update for user with no record", slog.String("userID", userID))
		return false, nil
	}

	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.ClearActivity {
		p.Activity = nil
	} else if u.Activity != nil {
		p.Activity = u.Activity
	}

	if err := c.Set(ctx, userID, *p); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the presence record. Reserved for the connection registry's
// last-disconnect transition.
func (c *Cache) Delete(ctx context.Context, userID string) error {
	return c.store.Client().Del(ctx, store.PresenceKey(userID)).Err()
}
