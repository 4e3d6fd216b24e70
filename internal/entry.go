// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/weave/internal/api"
	"github.com/starford/weave/internal/auth"
	"github.com/starford/weave/internal/gateway"
	"github.com/starford/weave/internal/mcpserver"
	"github.com/starford/weave/internal/relay"
	"github.com/starford/weave/internal/session"
	"github.com/starford/weave/internal/sse"
	"github.com/starford/weave/internal/storage"
	"github.com/starford/weave/internal/workspace"
	pkgconfig "github.com/starford/weave/pkg/config"
)

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// Run starts the collaboration server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize structured JSON logger. The level is adjustable at runtime.
	level := new(slog.LevelVar)
	level.Set(cfg.App.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("storage_driver", cfg.Storage.Driver),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	authn, err := auth.New(cfg.Auth.Mode, cfg.Auth.Credential())
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	regOpts := []session.Option{
		session.WithIdleEviction(cfg.Sessions.IdleEviction),
		session.WithFlushInterval(cfg.Sessions.FlushInterval),
		session.WithCompactThreshold(cfg.Sessions.CompactThreshold),
		session.WithQueueSize(cfg.Sessions.QueueSize),
		session.WithEvents(broker),
	}

	var rl *relay.Relay
	if cfg.Redis.Enabled {
		client, err := relay.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		defer client.Close()
		rl = relay.New(relay.NewRedisBus(client), cfg.Redis.Prefix, logger)
		regOpts = append(regOpts, session.WithObserver(rl))
	}

	reg := session.NewRegistry(store, logger, regOpts...)
	svc := workspace.NewService(reg, store, logger,
		workspace.WithEvents(broker),
		workspace.WithOrphanPolicy(cfg.Tree.OrphanPolicy()))

	gw := gateway.NewHandler(reg, authn, gateway.Config{
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		WriteTimeout:     cfg.Gateway.WriteTimeout,
		PingInterval:     cfg.Gateway.PingInterval,
		MaxMessageBytes:  cfg.Gateway.MaxMessageBytes,
	}, logger)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","documents":%d,"connections":%d}`, len(reg.Resident()), gw.Active())
	})

	// Sync endpoint.
	r.Handle("/ws/*", gw)

	// Mount API routes under /api, SSE at /api/events.
	r.Mount("/api", api.NewRouter(svc, authn, broker))

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Periodic flush and compaction.
	g.Go(func() error {
		reg.Run(gCtx)
		return nil
	})

	if rl != nil {
		g.Go(func() error {
			return rl.Run(gCtx, reg)
		})
	}

	if app.configFile != "" {
		g.Go(func() error {
			return pkgconfig.Watch(gCtx, app.configFile, 200*time.Millisecond, logger, func() {
				next := NewDefaultConfig()
				if err := pkgconfig.Load(app.configFile, next); err != nil {
					logger.Warn("config reload rejected", slog.String("error", err.Error()))
					return
				}
				if next.App.LogLevel != level.Level() {
					level.Set(next.App.LogLevel)
					logger.Info("log level changed", slog.String("log_level", next.App.LogLevel.String()))
				}
			})
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Shut down once a signal arrives or any goroutine fails.
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down server...")

		timeout := cfg.App.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		if err := reg.Close(shutdownCtx); err != nil {
			logger.Error("final flush failed", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the read-only inspection tools over stdio. Logs go to stderr
// because stdout carries the protocol.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.App.LogLevel}))
	slog.SetDefault(logger)

	store, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	// Nothing is ever acquired here, so the registry only answers lookups.
	reg := session.NewRegistry(store, logger)
	defer func() { _ = reg.Close(context.Background()) }()

	svc := workspace.NewService(reg, store, logger, workspace.WithOrphanPolicy(cfg.Tree.OrphanPolicy()))
	srv := mcpserver.New(svc, app.version)

	logger.Info("MCP server starting", slog.String("storage_driver", cfg.Storage.Driver))
	if err := srv.ServeStdio(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
