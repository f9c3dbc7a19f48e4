// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/charsheet/internal/api"
	"github.com/starford/charsheet/internal/charcache"
	"github.com/starford/charsheet/internal/docsync"
	"github.com/starford/charsheet/internal/formula"
	"github.com/starford/charsheet/internal/guild"
	"github.com/starford/charsheet/internal/mcpserver"
	"github.com/starford/charsheet/internal/models"
	"github.com/starford/charsheet/internal/moderation"
	"github.com/starford/charsheet/internal/records"
	"github.com/starford/charsheet/internal/sheetservice"
	"github.com/starford/charsheet/internal/sse"
	"github.com/starford/charsheet/internal/storage"
	"github.com/starford/charsheet/internal/tickets"
	"github.com/starford/charsheet/internal/wizard"
)

// components is the wired service graph shared by the HTTP and MCP entry points.
type components struct {
	cfg     *Config
	logger  *slog.Logger
	store   *storage.FS
	db      *records.DB
	tickets tickets.Store
	cache   *charcache.Cache
	broker  *sse.Broker
	svc     *sheetservice.Service
}

func (c *components) Close() {
	c.broker.Close()
	if err := c.tickets.Close(); err != nil {
		c.logger.Warn("ticket store close failed", slog.String("error", err.Error()))
	}
	if err := c.db.Close(); err != nil {
		c.logger.Warn("record store close failed", slog.String("error", err.Error()))
	}
}

func setup(ctx context.Context, opts ...Option) (*components, error) {
	app := &application{logOut: os.Stdout}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOut, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("ticket_backend", cfg.Tickets.Backend),
		slog.Int("stats_per_page", cfg.Wizard.StatsPerPage),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure vault directory exists.
	if err := os.MkdirAll(cfg.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}

	// Initialize storage.
	store, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Initialize SQLite record store.
	db, err := records.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("init records: %w", err)
	}
	guilds := guild.New(db)

	if cfg.Templates.Path != "" {
		n, err := guilds.ImportTemplates(ctx, cfg.Templates.Path, logger)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("import templates: %w", err)
		}
		logger.Info("templates imported", slog.Int("count", n))
	}

	var ts tickets.Store
	switch cfg.Tickets.Backend {
	case TicketBackendRedis:
		ts, err = tickets.NewRedis(ctx, cfg.Tickets.Redis.Addr, cfg.Tickets.Redis.Password, cfg.Tickets.Redis.DB, cfg.Tickets.TTL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init ticket store: %w", err)
		}
	default:
		ts = tickets.NewMemory(cfg.Tickets.TTL)
	}

	// Rebuild the character cache from the rendered documents.
	cache := charcache.New()
	if err := charcache.Sync(ctx, cache, store, logger); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	// SSE broker; it also delivers notifications.
	broker := sse.NewBroker(cfg.App.RosterThrottle)

	f := formula.New()
	syncer := docsync.New(store, guilds, cache, broker, logger)
	gate := moderation.New(ts, store, guilds, syncer, broker, logger)
	svc := sheetservice.NewService(sheetservice.Deps{
		Guilds:         guilds,
		Wizard:         wizard.New(store, guilds, f, cfg.Wizard.StatsPerPage),
		Gate:           gate,
		Sync:           syncer,
		Cache:          cache,
		Formula:        f,
		Notifier:       broker,
		OperatorTarget: cfg.App.OperatorTarget,
		Logger:         logger,
	})

	return &components{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		db:      db,
		tickets: ts,
		cache:   cache,
		broker:  broker,
		svc:     svc,
	}, nil
}

// Run starts the HTTP application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	c, err := setup(ctx, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	cfg := c.cfg
	logger := c.logger

	apiRouter := api.NewRouter(c.svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, c.broker)

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
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Start file watcher with SSE callback.
	g.Go(func() error {
		err := charcache.Watch(gCtx, c.cache, c.store, cfg.Vault.Path, logger, func(kind string, loc models.Location) {
			c.broker.PublishCacheEvent(kind, loc.Key())
		})
		if err != nil {
			logger.Error("watcher stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
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

// RunMCP serves the MCP tools on stdin/stdout.
func RunMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	c, err := setup(ctx, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	c.logger.Info("MCP server starting on stdio")
	return mcpserver.New(c.svc).ServeStdio()
}
