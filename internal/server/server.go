package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Nerimity/nerimity-server-sub001/internal/broadcast"
	"github.com/Nerimity/nerimity-server-sub001/internal/presence"
	"github.com/Nerimity/nerimity-server-sub001/internal/ratelimit"
	"github.com/Nerimity/nerimity-server-sub001/internal/registry"
	"github.com/Nerimity/nerimity-server-sub001/internal/relational"
	"github.com/Nerimity/nerimity-server-sub001/internal/server/middleware"
	"github.com/Nerimity/nerimity-server-sub001/internal/store"
	"github.com/Nerimity/nerimity-server-sub001/internal/voice"
	"github.com/Nerimity/nerimity-server-sub001/pkg/config"
	"github.com/Nerimity/nerimity-server-sub001/pkg/transport"
)

type App struct {
	logger      *slog.Logger
	store       *store.Store
	registry    *registry.Registry
	presences   *presence.Cache
	limiter     *ratelimit.Limiter
	broadcaster *broadcast.Broadcaster
	voiceRelay  *voice.Relay
	relational  relational.Client
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, st *store.Store, rel relational.Client) *App {
	presences := presence.NewCache(st, logger)
	connRegistry := registry.New(st, presences, logger)
	limiter := ratelimit.New(st, logger)
	broadcaster := broadcast.New(st, rel, cfg.Server.NodeName, logger)
	voiceRelay := voice.NewRelay(st, broadcaster, logger)

	app := &App{
		logger:      logger,
		store:       st,
		registry:    connRegistry,
		presences:   presences,
		limiter:     limiter,
		broadcaster: broadcaster,
		voiceRelay:  voiceRelay,
		relational:  rel,
		config:      cfg,
		ctx:         rootCtx,
	}

	mux := http.NewServeMux()
	upgradeHandler := http.HandlerFunc(app.upgradeHandler)
	mux.Handle("/ws",
		middleware.Chain(upgradeHandler,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(app.logger),
			middleware.NewConnectLimiter(logger, limiter, cfg.RateLimit),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret),
		),
	)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

// Run starts the broadcaster subscription, then the accept loop, and blocks
// until the root context is cancelled. The subscription comes up first so
// no process window exists where a local connection could miss fan-outs; a
// failed subscription aborts startup instead of accepting undeliverable
// connections.
func (a *App) Run() error {
	select {
	case err := <-a.broadcaster.Run(a.ctx):
		if err != nil {
			return err
		}
	case <-a.ctx.Done():
		return a.ctx.Err()
	}

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	userID := reqMeta.UserID
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", userID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		a.logger,
	)
	connID := conn.ID()

	// The auth middleware already resolved the user id; register the
	// connection and make presence visible to every process.
	first, err := a.registry.Register(r.Context(), userID, connID, presence.Presence{Status: presence.StatusOnline})
	if err != nil {
		connLogger.Error("Failed to register connection state", slog.Any("error", err))
		conn.Close(err)
		return
	}

	a.broadcaster.AddLocal(userID, conn)
	conn.SetOnMessageHandler(a.handleMessage)
	conn.SetOnCloseHandler(func(id string, cause error) {
		a.handleDisconnect(id, userID, cause)
	})

	if first {
		a.broadcastPresence(r.Context(), userID, connID)
	}

	connLogger.Info("User connection fully established", slog.String("connID", connID))
	conn.Run()
	<-conn.Done()
}

// handleDisconnect is the single teardown path for a connection: voice leave
// (only when this connection holds the voice session), local table removal,
// registry unregister, and the offline broadcast when this was the user's
// last connection. It is idempotent against duplicate close events because
// Unregister is.
func (a *App) handleDisconnect(connID, userID string, cause error) {
	// the connection's own context is gone by now
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.logger.Info("Deregistering connection due to closure",
		slog.String("connID", connID),
		slog.Any("reason", cause),
	)

	if channelID, left, err := a.voiceRelay.LeaveConnection(ctx, userID, connID); err != nil {
		a.logger.Error("Failed to leave voice channel on disconnect", slog.Any("error", err))
	} else if left {
		a.broadcastVoiceLeft(ctx, channelID, userID)
		a.broadcaster.LeaveLocalRoom(connID, channelID)
	}

	a.broadcaster.RemoveLocal(connID)

	last, err := a.registry.Unregister(ctx, connID, userID)
	if err != nil {
		a.logger.Error("Failed to unregister connection from state", slog.Any("error", err))
		return
	}
	if last {
		a.broadcastOffline(ctx, userID)
	}
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.broadcaster.LocalConns() {
		conn.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
