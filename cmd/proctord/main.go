// Command proctord serves the proctoring core over HTTP.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/proctor/internal/config"
	"github.com/ocx/proctor/internal/handlers"
	"github.com/ocx/proctor/internal/metrics"
	"github.com/ocx/proctor/internal/middleware"
	"github.com/ocx/proctor/internal/security"
	"github.com/ocx/proctor/internal/session"
	"github.com/ocx/proctor/internal/websocket"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	cfgManager, err := config.NewManagerFromFiles(
		envOr("PROCTOR_CONFIG", "config.yaml"),
		envOr("PROCTOR_PROFILES", "profiles.yaml"),
	)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgManager.Global()

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	deps, err := buildDeps(ctx, cfgManager, m, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	coord := session.NewCoordinator(session.Options{
		Config:        cfgManager,
		Similarity:    deps.similarity,
		FrameAnalyzer: deps.frameAnalyzer,
		Snapshots:     deps.snapshots,
		Archive:       deps.archive,
		Events:        deps.emitter,
		Webhooks:      deps.webhooks,
		Metrics:       m,
		Pool:          deps.pool,
		Logger:        logger,
	})

	sweeper := session.NewSweeper(coord, session.SweeperConfig{
		IdleInterval:      seconds(cfg.Browser.IdleSweepSeconds),
		RetentionInterval: seconds(cfg.Retention.SweepSeconds),
		CompletedTTL:      time.Duration(cfg.Retention.CompletedTTLMinutes) * time.Minute,
	})
	defer sweeper.Stop()

	eventsLimiter := middleware.NewRateLimiter(middleware.RateLimitOptions{
		Name:            "events",
		Limit:           cfg.RateLimit.Events,
		MaxKeysPerShard: cfg.RateLimit.MaxKeysPerShard,
		Metrics:         m,
	})
	framesLimiter := middleware.NewRateLimiter(middleware.RateLimitOptions{
		Name:            "frames",
		Limit:           cfg.RateLimit.Frames,
		MaxKeysPerShard: cfg.RateLimit.MaxKeysPerShard,
		Metrics:         m,
	})
	for _, rl := range []*middleware.RateLimiter{eventsLimiter, framesLimiter} {
		rl.StartSweeper(seconds(cfg.RateLimit.SweepSeconds))
		defer rl.Stop()
	}

	adminAuth, err := middleware.NewAdminAuth(cfg.Admin.APIKeyHashes)
	if err != nil {
		logger.Error("invalid admin api keys", "error", err)
		os.Exit(1)
	}

	proxies, err := security.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Error("invalid trusted proxies", "error", err)
		os.Exit(1)
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", handlers.HandleHealth(deps.healthChecks())).Methods(http.MethodGet)
	handlers.Register(router, handlers.Deps{
		Coordinator:    coord,
		Config:         cfg,
		Bus:            deps.bus,
		Streamer:       websocket.NewRiskStreamer(deps.bus, cfg.Server.CORSAllowOrigins),
		EventsLimiter:  eventsLimiter,
		FramesLimiter:  framesLimiter,
		AdminAuth:      adminAuth,
		TrustedProxies: proxies,
		Version:        version,
	})

	var handler http.Handler = router
	handler = middleware.Recoverer(logger)(handler)
	handler = middleware.RequestLogger(logger)(handler)
	handler = handlers.MakeCORSMiddleware(cfg)(handler)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  seconds(cfg.Server.ReadTimeoutSeconds),
		WriteTimeout: seconds(cfg.Server.WriteTimeoutSeconds),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("proctord listening", "port", cfg.Server.Port, "env", cfg.Server.Env, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal, shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if deps.pool != nil {
		deps.pool.Shutdown(shutdownCtx)
	}
	logger.Info("Server stopped")
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}

	var h slog.Handler
	switch strings.ToLower(lc.Format) {
	case "text", "console":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h).With("service", "proctord")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
