// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/starford/perthro/internal/api"
	"github.com/starford/perthro/internal/clock"
	"github.com/starford/perthro/internal/mcpserver"
	"github.com/starford/perthro/internal/notestore"
	"github.com/starford/perthro/internal/snapshot"
	"github.com/starford/perthro/internal/vclock"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_path", cfg.Store.Path),
		slog.String("log_level", cfg.App.LogLevel.String()))

	store, file, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Build API handler and router.
	h := api.NewHandler(store, clock.Real{})
	sse := api.NewSSEHandler(store.Events(), 0)
	apiRouter := api.NewRouter(h, cfg.Auth.AuthEnabled(), cfg.Auth.Token, sse)

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

	// Periodic flush of dirty state to the snapshot.
	if cfg.Store.AutosaveInterval > 0 {
		g.Go(func() error {
			return store.Autosave(gCtx, cfg.Store.AutosaveInterval)
		})
	}

	// Watch the snapshot file for writes by other processes (sync clients,
	// other devices' files landing via file sync) and merge them in.
	g.Go(func() error {
		return file.Watch(gCtx, cfg.Store.WatchDebounce, logger, func() {
			if err := store.HandleExternalChange(gCtx); err != nil {
				logger.Error("external change merge failed", slog.String("error", err.Error()))
			}
		})
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
		if err := store.Close(shutdownCtx); err != nil {
			logger.Error("Store close error", slog.String("error", err.Error()))
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

// RunMCP serves the note store over MCP stdio instead of HTTP. Logs go to
// stderr because stdout carries the protocol.
func RunMCP(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	store, _, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Error("Store close error", slog.String("error", err.Error()))
		}
	}()

	srv := mcpserver.New(store, clock.Real{})
	logger.Info("MCP server starting on stdio")
	return srv.ServeStdio()
}

// openStore prepares the snapshot file, resolves this device's identity,
// and opens the store.
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (*notestore.Store, *snapshot.File, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create store dir: %w", err)
	}

	device, err := deviceIdentity(cfg.Store.Path, cfg.Store.DeviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("device identity: %w", err)
	}

	file, err := snapshot.NewFile(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot file: %w", err)
	}

	store := notestore.New(file, device, notestore.WithLogger(logger))
	if err := store.Open(ctx); err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	logger.Info("Store opened",
		slog.String("device_uuid", device.UUID),
		slog.String("device_name", device.Name))
	return store, file, nil
}

// deviceIdentity loads this device's stable UUID from a sidecar file next to
// the snapshot, minting one on first run. The sidecar stays local: it is not
// part of the snapshot, so synced copies of the snapshot land on devices
// with their own identities.
func deviceIdentity(storePath, name string) (vclock.DeviceIdentity, error) {
	if name == "" {
		if host, err := os.Hostname(); err == nil {
			name = host
		} else {
			name = "unknown"
		}
	}

	sidecar := storePath + ".device"
	var id vclock.DeviceIdentity
	data, err := os.ReadFile(sidecar)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &id); err != nil {
			return id, fmt.Errorf("parse %s: %w", sidecar, err)
		}
		if id.UUID == "" {
			return id, fmt.Errorf("parse %s: empty uuid", sidecar)
		}
		id.Name = name
		return id, nil
	case errors.Is(err, os.ErrNotExist):
		id = vclock.DeviceIdentity{UUID: uuid.NewString(), Name: name}
		out, err := json.Marshal(id)
		if err != nil {
			return id, err
		}
		if err := os.WriteFile(sidecar, out, 0o644); err != nil {
			return id, fmt.Errorf("write %s: %w", sidecar, err)
		}
		return id, nil
	default:
		return id, fmt.Errorf("read %s: %w", sidecar, err)
	}
}
