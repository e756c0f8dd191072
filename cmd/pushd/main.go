// Command pushd runs the realtime push hub: a websocket endpoint that fans
// server-generated events out to room and principal subscribers.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mthorsen/stellar-push/internal/auth"
	"github.com/mthorsen/stellar-push/internal/broadcast"
	"github.com/mthorsen/stellar-push/internal/config"
	"github.com/mthorsen/stellar-push/internal/database"
	"github.com/mthorsen/stellar-push/internal/feed"
	"github.com/mthorsen/stellar-push/internal/ratelimit"
	"github.com/mthorsen/stellar-push/internal/room"
	"github.com/mthorsen/stellar-push/internal/session"
	"github.com/mthorsen/stellar-push/internal/transport"
	"github.com/mthorsen/stellar-push/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/pushd.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting pushd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Credential validator
	validator, err := auth.NewHMACValidator(cfg.Auth.Secret)
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		os.Exit(1)
	}

	// Core components: limiter -> sessions -> rooms -> broadcaster
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxRequests:   cfg.RateLimit.MaxRequests,
		Window:        cfg.RateLimit.Window,
		BlockDuration: cfg.RateLimit.BlockDuration,
	})

	registry := room.NewRegistry(nil, cfg.Rooms.CleanupInterval, logger)

	sessions := session.NewManager(session.Config{
		ConnectionTimeout:          cfg.Session.ConnectionTimeout,
		HeartbeatInterval:          cfg.Session.HeartbeatInterval,
		MaxConnectionsPerPrincipal: cfg.Session.MaxConnectionsPerPrincipal,
	}, validator, limiter, registry, logger)

	sessions.AutoJoin = func(c *session.Conn) error {
		return registry.Join(c, "user:"+c.Principal())
	}

	broadcaster := broadcast.NewBroadcaster(broadcast.Config{
		Source:          cfg.Instance.ID,
		MaxQueueSize:    cfg.Broadcast.MaxQueueSize,
		ProcessInterval: cfg.Broadcast.ProcessInterval,
	}, registry, sessions, logger)

	// Seed public/system rooms so they exist before any subscriber shows up
	for _, name := range cfg.Rooms.Seed {
		if err := registry.Create(name, nil); err != nil {
			logger.Error("failed to seed room", "room", name, "error", err)
			os.Exit(1)
		}
	}

	if err := registry.Start(ctx); err != nil {
		logger.Error("failed to start room registry", "error", err)
		os.Exit(1)
	}
	if err := sessions.Start(ctx); err != nil {
		logger.Error("failed to start session manager", "error", err)
		os.Exit(1)
	}
	if err := broadcaster.Start(ctx); err != nil {
		logger.Error("failed to start broadcaster", "error", err)
		os.Exit(1)
	}

	// Optional change feed
	var feedListener *feed.Listener
	if cfg.Database.Host != "" {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)

		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		feedListener = feed.NewListener(feed.Config{
			Channel:        cfg.Feed.Channel,
			ReconnectDelay: cfg.Feed.ReconnectDelay,
		}, pool, broadcaster, logger)

		if err := feedListener.Start(ctx); err != nil {
			logger.Error("failed to start change feed", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("no database configured, change feed disabled")
	}

	// HTTP server: websocket endpoint + health/stats
	wsHandler := transport.NewHandler(transport.Config{
		ReadLimit: cfg.Server.ReadLimit,
	}, sessions, registry, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.WSPath, wsHandler)
	mux.HandleFunc("/healthz", healthHandler(sessions, registry, broadcaster))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		logger.Info("pushd listening",
			"addr", server.Addr,
			"ws_path", cfg.Server.WSPath,
		)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop order: feed first (no new events), then the listener socket,
	// then the components in reverse construction order.
	if feedListener != nil {
		feedListener.Stop(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}
	broadcaster.Stop(shutdownCtx)
	sessions.Stop(shutdownCtx)
	registry.Stop(shutdownCtx)

	logger.Info("pushd stopped")
}

// healthHandler reports component stats as JSON.
func healthHandler(sessions *session.Manager, registry *room.Registry, broadcaster *broadcast.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connStats := sessions.Stats()
		queueStats := broadcaster.QueueStats()

		resp := map[string]any{
			"status":  "ok",
			"version": version.String(),
			"connections": map[string]int{
				"total":         connStats.Total,
				"authenticated": connStats.Authenticated,
				"active_timers": connStats.ActiveTimers,
			},
			"rooms": len(registry.AllStats()),
			"queue": map[string]any{
				"size":     queueStats.Size,
				"max_size": queueStats.MaxSize,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
