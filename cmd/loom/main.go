package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	loomhttp "github.com/loomworks/loom/internal/adapter/http"
	"github.com/loomworks/loom/internal/adapter/natsengine"
	"github.com/loomworks/loom/internal/adapter/natskv"
	"github.com/loomworks/loom/internal/adapter/otel"
	"github.com/loomworks/loom/internal/adapter/postgres"
	"github.com/loomworks/loom/internal/adapter/ristretto"
	"github.com/loomworks/loom/internal/adapter/rolloutfs"
	"github.com/loomworks/loom/internal/adapter/tiered"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/port/cache"
	"github.com/loomworks/loom/internal/port/rolloutstore"
	"github.com/loomworks/loom/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLogger := logger.New(cfg.Logging)
	defer closeLogger.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"rollout_backend", cfg.Rollout.Backend,
		"log_level", cfg.Logging.Level,
	)

	ctx := context.Background()

	// --- Observability ---
	otelShutdown, err := otel.Init(ctx, cfg.Logging.Service, cfg.Otel.Endpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(shutdownCtx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Rollout store ---
	var store rolloutstore.Store
	switch cfg.Rollout.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("postgres rollout store ready")
		store = postgres.NewRolloutStore(pool)
	default:
		fsStore := rolloutfs.New(cfg.Rollout.Home)
		defer func() { _ = fsStore.Close() }()
		slog.Info("file rollout store ready", "home", cfg.Rollout.Home)
		store = fsStore
	}

	// --- Engine transport ---
	eng, err := natsengine.Connect(ctx, cfg.NATS.URL, cfg.Engine.SubjectPrefix, cfg.Engine.EventQueueSize)
	if err != nil {
		return fmt.Errorf("nats engine: %w", err)
	}
	defer func() { _ = eng.Close() }()

	// --- Services ---
	local, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer local.Close()

	// Thread metadata reads go through L1 (in-process) into L2 (NATS KV),
	// so archived-thread lookups survive restarts.
	var metaCache cache.Cache = local
	if kv, err := eng.KeyValue(ctx, "loom_thread_meta", cfg.Cache.MetadataTTL); err != nil {
		slog.Warn("nats kv unavailable, metadata cache is local only", "error", err)
	} else {
		metaCache = tiered.New(local, natskv.New(kv), cfg.Cache.MetadataTTL)
	}

	broker := service.NewApprovalBroker(0, metrics)
	threads := service.NewThreadService(store, eng, broker, metaCache, metrics, service.ThreadOptions{
		DefaultModel:     cfg.Engine.DefaultModel,
		DefaultCwd:       cfg.Engine.DefaultCwd,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		MetadataTTL:      cfg.Cache.MetadataTTL,
		StartTimeout:     cfg.Engine.StartTimeout,
	})
	defer threads.Close(ctx)

	// --- HTTP ---
	handlers := loomhttp.NewHandlers(threads, cfg.Stream.KeepaliveInterval)

	r := chi.NewRouter()
	r.Use(loomhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(loomhttp.SecurityHeaders)
	r.Use(loomhttp.Logger)
	r.Use(otel.HTTPMiddleware("loom-http"))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", healthHandler(cfg))
	loomhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: SSE streams stay open indefinitely.
		IdleTimeout: 120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// healthHandler reports service health and the configured backends.
func healthHandler(cfg *config.Config) http.HandlerFunc {
	type healthStatus struct {
		Status  string `json:"status"`
		Rollout string `json:"rollout_backend"`
		NATS    string `json:"nats"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:  "ok",
			Rollout: cfg.Rollout.Backend,
			NATS:    cfg.NATS.URL,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
