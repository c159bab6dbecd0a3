// Package store owns the Coordination Store connection and the logical key
// space shared by every server process. All cross-process state lives behind
// these keys; processes keep no authoritative copies in local memory.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/Nerimity/nerimity-server-sub001/pkg/config"
)

// ErrNotFound is returned by point lookups when the key does not exist.
var ErrNotFound = redis.Nil

type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// Open connects to the store and verifies it is reachable.
func Open(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach coordination store at %s: %w", cfg.Address, err)
	}
	logger.Info("Connected to coordination store", slog.String("address", cfg.Address))
	return &Store{
		client: client,
		logger: logger.With(slog.String("component", "store")),
	}, nil
}

// NewWithClient wraps an existing client. Used by tests running against an
// in-process store.
func NewWithClient(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger.With(slog.String("component", "store"))}
}

// Client exposes the raw driver for the components built on top.
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) Close() error {
	return s.client.Close()
}
