package registry_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Nerimity/nerimity-server-sub001/internal/presence"
	"github.com/Nerimity/nerimity-server-sub001/internal/registry"
	"github.com/Nerimity/nerimity-server-sub001/internal/store"
)

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestRegistry(t *testing.T) (*registry.Registry, *presence.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), newTestLogger())
	presences := presence.NewCache(st, newTestLogger())
	return registry.New(st, presences, newTestLogger()), presences
}

func TestFirstAndLastConnectionTransitions(t *testing.T) {
	r, presences := newTestRegistry(t)
	ctx := context.Background()
	online := presence.Presence{Status: presence.StatusOnline}

	// ws1: first connection for the user
	first, err := r.Register(ctx, "user-1", "ws1", online)
	if err != nil {
		t.Fatalf("Register ws1 failed: %v", err)
	}
	if !first {
		t.Error("expected first=true for the user's first connection")
	}
	if _, found, _ := presences.Get(ctx, "user-1"); !found {
		t.Fatal("presence should exist after first registration")
	}

	// ws2: second connection, no transition
	first, err = r.Register(ctx, "user-1", "ws2", online)
	if err != nil {
		t.Fatalf("Register ws2 failed: %v", err)
	}
	if first {
		t.Error("expected first=false for the user's second connection")
	}

	// closing ws1 leaves ws2 live; presence unchanged
	last, err := r.Unregister(ctx, "ws1", "user-1")
	if err != nil {
		t.Fatalf("Unregister ws1 failed: %v", err)
	}
	if last {
		t.Error("expected last=false while ws2 remains")
	}
	if _, found, _ := presences.Get(ctx, "user-1"); !found {
		t.Error("presence should survive while a connection remains")
	}

	// closing ws2 drains the set; presence deleted
	last, err = r.Unregister(ctx, "ws2", "user-1")
	if err != nil {
		t.Fatalf("Unregister ws2 failed: %v", err)
	}
	if !last {
		t.Error("expected last=true when the final connection closes")
	}
	if _, found, _ := presences.Get(ctx, "user-1"); found {
		t.Error("presence should be deleted after the last disconnect")
	}
}

func TestUnregisterUnknownConnectionIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	last, err := r.Unregister(ctx, "never-registered", "user-1")
	if err != nil {
		t.Fatalf("Unregister of unknown connection returned error: %v", err)
	}
	if last {
		t.Error("expected last=false for an unknown connection")
	}
}

func TestDuplicateDisconnect(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "user-1", "ws1", presence.Presence{Status: presence.StatusOnline}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	last, err := r.Unregister(ctx, "ws1", "user-1")
	if err != nil || !last {
		t.Fatalf("first Unregister: last=%v err=%v, want true,nil", last, err)
	}
	// a duplicate disconnect event must be a silent no-op
	last, err = r.Unregister(ctx, "ws1", "user-1")
	if err != nil {
		t.Fatalf("duplicate Unregister returned error: %v", err)
	}
	if last {
		t.Error("duplicate Unregister should report last=false")
	}
}

func TestDuplicateDisconnectWithSiblingConnection(t *testing.T) {
	r, presences := newTestRegistry(t)
	ctx := context.Background()
	online := presence.Presence{Status: presence.StatusOnline}

	r.Register(ctx, "user-1", "ws1", online)
	r.Register(ctx, "user-1", "ws2", online)

	if last, err := r.Unregister(ctx, "ws1", "user-1"); err != nil || last {
		t.Fatalf("Unregister ws1: last=%v err=%v, want false,nil", last, err)
	}
	// ws1's duplicate close must not count against ws2
	last, err := r.Unregister(ctx, "ws1", "user-1")
	if err != nil {
		t.Fatalf("duplicate Unregister returned error: %v", err)
	}
	if last {
		t.Error("duplicate Unregister must not report last=true while ws2 remains")
	}
	if _, found, _ := presences.Get(ctx, "user-1"); !found {
		t.Error("presence should survive while ws2 remains")
	}
}

func TestResolveUserID(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, "user-1", "ws1", presence.Presence{Status: presence.StatusOnline}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	userID, found, err := r.ResolveUserID(ctx, "ws1")
	if err != nil {
		t.Fatalf("ResolveUserID failed: %v", err)
	}
	if !found || userID != "user-1" {
		t.Errorf("ResolveUserID = (%q, %v), want (user-1, true)", userID, found)
	}

	if _, err := r.Unregister(ctx, "ws1", "user-1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	_, found, err = r.ResolveUserID(ctx, "ws1")
	if err != nil {
		t.Fatalf("ResolveUserID after unregister failed: %v", err)
	}
	if found {
		t.Error("ResolveUserID should not find an unregistered connection")
	}
}

func TestConnectionCount(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	count, err := r.ConnectionCount(ctx, "user-1")
	if err != nil || count != 0 {
		t.Fatalf("ConnectionCount for unknown user = (%d, %v), want (0, nil)", count, err)
	}

	r.Register(ctx, "user-1", "ws1", presence.Presence{Status: presence.StatusOnline})
	r.Register(ctx, "user-1", "ws2", presence.Presence{Status: presence.StatusOnline})

	count, err = r.ConnectionCount(ctx, "user-1")
	if err != nil {
		t.Fatalf("ConnectionCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("ConnectionCount = %d, want 2", count)
	}
}
