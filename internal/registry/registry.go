// Package registry tracks which connections belong to which users across all
// server processes. The coordination store is the sole owner of this state;
// any process can answer "is user X online" or "who owns connection Y"
// without holding the connection itself.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Nerimity/nerimity-server-sub001/internal/presence"
	"github.com/Nerimity/nerimity-server-sub001/internal/store"
)

type Registry struct {
	store     *store.Store
	presences *presence.Cache
	logger    *slog.Logger
}

func New(st *store.Store, presences *presence.Cache, logger *slog.Logger) *Registry {
	return &Registry{
		store:     st,
		presences: presences,
		logger:    logger.With(slog.String("component", "connection_registry")),
	}
}

// Register records a new connection for a user and writes the initial
// presence. Returns first=true iff the user had zero live connections before
// this call; the caller uses that to broadcast the online transition.
func (r *Registry) Register(ctx context.Context, userID, connID string, initial presence.Presence) (bool, error) {
	first, err := r.registerTxn(ctx, userID, connID, initial)
	if err != nil {
		return false, err
	}
	r.logger.Debug("Connection registered",
		slog.String("userID", userID),
		slog.String("connID", connID),
		slog.Bool("first", first),
	)
	return first, nil
}

// registerTxn is the logical transaction behind Register. The store
// serializes each single-key command, but the sequence as a whole is not
// atomic: a crash mid-way can leave a connection id in the set without a
// presence record or vice versa. Accepted; the state self-heals on the
// user's next connect or disconnect cycle.
func (r *Registry) registerTxn(ctx context.Context, userID, connID string, initial presence.Presence) (bool, error) {
	client := r.store.Client()
	setKey := store.UserConnectionsKey(userID)

	count, err := client.SCard(ctx, setKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count connections for user '%s': %w", userID, err)
	}
	if err := client.SAdd(ctx, setKey, connID).Err(); err != nil {
		return false, fmt.Errorf("failed to add connection '%s' to set: %w", connID, err)
	}
	if err := client.Set(ctx, store.ConnectionUserKey(connID), userID, 0).Err(); err != nil {
		return false, fmt.Errorf("failed to write reverse mapping for connection '%s': %w", connID, err)
	}
	if err := r.presences.Set(ctx, userID, initial); err != nil {
		return false, err
	}
	return count == 0, nil
}

// Unregister removes a connection. Returns last=true iff this was the user's
// sole remaining connection, in which case the presence record is deleted as
// well. Unknown or already-removed connection ids are a no-op returning
// false; disconnect is idempotent by design because duplicate close events
// are expected.
func (r *Registry) Unregister(ctx context.Context, connID, userID string) (bool, error) {
	last, err := r.unregisterTxn(ctx, connID, userID)
	if err != nil {
		return false, err
	}
	r.logger.Debug("Connection unregistered",
		slog.String("userID", userID),
		slog.String("connID", connID),
		slog.Bool("last", last),
	)
	return last, nil
}

// unregisterTxn is the logical transaction behind Unregister. Same
// non-atomicity caveat as registerTxn; see also the concurrent last-
// disconnect race documented in DESIGN.md.
func (r *Registry) unregisterTxn(ctx context.Context, connID, userID string) (bool, error) {
	client := r.store.Client()
	setKey := store.UserConnectionsKey(userID)

	removed, err := client.SRem(ctx, setKey, connID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove connection '%s' from set: %w", connID, err)
	}
	if removed == 0 {
		// duplicate disconnect event, or a connection that never registered
		return false, nil
	}
	if err := client.Del(ctx, store.ConnectionUserKey(connID)).Err(); err != nil {
		return false, fmt.Errorf("failed to delete reverse mapping for connection '%s': %w", connID, err)
	}

	remaining, err := client.SCard(ctx, setKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count connections for user '%s': %w", userID, err)
	}
	if remaining == 0 {
		if err := r.presences.Delete(ctx, userID); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// ResolveUserID recovers the owning user id from a bare connection id. Every
// event handler uses this instead of re-authenticating. found=false means the
// connection is no longer registered.
func (r *Registry) ResolveUserID(ctx context.Context, connID string) (string, bool, error) {
	userID, err := r.store.Client().Get(ctx, store.ConnectionUserKey(connID)).Result()
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve user for connection '%s': %w", connID, err)
	}
	return userID, true, nil
}

// ConnectionCount returns the number of live connections for a user. Zero for
// unknown users.
func (r *Registry) ConnectionCount(ctx context.Context, userID string) (int, error) {
	count, err := r.store.Client().SCard(ctx, store.UserConnectionsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count connections for user '%s': %w", userID, err)
	}
	return int(count), nil
}
