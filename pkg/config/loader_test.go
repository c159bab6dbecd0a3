package config_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Nerimity/nerimity-server-sub001/pkg/config"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(newTestLogger(), "nonexistent-config")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("server address = %q, want :8080", cfg.Server.Address)
	}
	if cfg.Redis.Address != "localhost:6379" {
		t.Errorf("redis address = %q, want localhost:6379", cfg.Redis.Address)
	}
	if cfg.Transport.ReadTimeout != 60*time.Second {
		t.Errorf("read timeout = %v, want 60s", cfg.Transport.ReadTimeout)
	}
	if cfg.RateLimit.EventRequests != 30 {
		t.Errorf("event requests = %d, want 30", cfg.RateLimit.EventRequests)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Log.Level)
	}
	if cfg.Server.NodeName == "" {
		t.Error("node name should fall back to the hostname")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NERIMITY_LOG_LEVEL", "debug")
	t.Setenv("NERIMITY_SERVER_ADDRESS", ":9090")

	cfg, err := config.Load(newTestLogger(), "nonexistent-config")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug from env", cfg.Log.Level)
	}
	if cfg.Server.Address != ":9090" {
		t.Errorf("server address = %q, want :9090 from env", cfg.Server.Address)
	}
}
