package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Nerimity/nerimity-server-sub001/internal/relational"
	"github.com/Nerimity/nerimity-server-sub001/internal/server"
	"github.com/Nerimity/nerimity-server-sub001/internal/store"
	"github.com/Nerimity/nerimity-server-sub001/pkg/config"
	"github.com/Nerimity/nerimity-server-sub001/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("Failed to connect to coordination store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	// The relational-data collaborator is injected by the surrounding
	// system; the static client keeps a standalone process runnable.
	rel := relational.NewStatic()

	app := server.NewApp(logger, ctx, cfg, st, rel)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
