package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/gridsync/internal/broadcast"
	"github.com/JonMunkholm/gridsync/internal/config"
	"github.com/JonMunkholm/gridsync/internal/core"
	"github.com/JonMunkholm/gridsync/internal/logging"
	"github.com/JonMunkholm/gridsync/internal/store"
	"github.com/JonMunkholm/gridsync/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Debug("configuration loaded", "config", cfg.String())

	ctx := context.Background()

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		slog.Error("failed to open storage", "error", err)
		os.Exit(1)
	}
	defer closeBackend()

	broadcaster, err := openBroadcaster(ctx, cfg)
	if err != nil {
		slog.Error("failed to open broadcaster", "error", err)
		os.Exit(1)
	}
	defer broadcaster.Close()

	service := core.NewService(backend, broadcaster, cfg)
	server := web.NewServer(service, cfg)

	slog.Info("configuration summary",
		"addr", cfg.Server.Addr(),
		"database", cfg.Database.Enabled(),
		"redis", cfg.Redis.Enabled(),
		"session_max_concurrent", cfg.Session.MaxConcurrent,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go service.StartEviction(jobCtx)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Wait for running imports to commit (with timeout)
		if status := service.ImportStatus(); status.Active > 0 {
			slog.Info("waiting for imports to complete", "active", status.Active)
			if err := service.WaitForImports(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		cancelJobs()
		return
	}
	slog.Info("server stopped")
}

// openBackend connects to PostgreSQL when configured, otherwise documents
// live in memory.
func openBackend(ctx context.Context, cfg *config.Config) (core.Backend, func(), error) {
	if !cfg.Database.Enabled() {
		slog.Warn("DATABASE_URL not set, documents are kept in memory only")
		return core.NewMemoryBackend(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}

	st := store.New(pool)
	if err := st.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return core.StoreBackend{Store: st}, pool.Close, nil
}

// openBroadcaster fans out through Redis when configured so sessions on
// other processes see each other's edits.
func openBroadcaster(ctx context.Context, cfg *config.Config) (broadcast.Broadcaster, error) {
	if !cfg.Redis.Enabled() {
		return broadcast.NewLocal(cfg.Session.SendBuffer), nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	b, err := broadcast.NewRedis(ctx, client, cfg.Session.SendBuffer)
	if err != nil {
		client.Close()
		return nil, err
	}
	slog.Info("connected to redis", "addr", opts.Addr)
	return b, nil
}
