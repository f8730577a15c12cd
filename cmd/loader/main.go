package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/backup"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/handler"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/loader"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/queue"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/telemetry"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/wiremock"
)

const (
	serviceName = "wiremock-loader"

	backupCleanupInterval = 24 * time.Hour
	drainTimeout          = 10 * time.Second
)

func main() {
	logger, _ := zap.NewProduction()

	cfg, err := config.Load(os.Getenv(config.EnvPrefix + "CONFIG"))
	if err != nil {
		logger.Fatal("configuration load failed", zap.Error(err))
	}
	if cl, err := cfg.NewLogger(); err != nil {
		logger.Fatal("logger initialization failed", zap.Error(err))
	} else {
		logger = cl
	}
	defer logger.Sync()

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), serviceName, otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
	}

	// ── Vault secrets ──────────────────────────────────────────────────────
	if err := config.ApplyVaultOverrides(cfg); err != nil {
		logger.Fatal("Vault secret load failed", zap.Error(err))
	}

	// ── Redis ──────────────────────────────────────────────────────────────
	// Unlike the collector, the loader cannot run without its queue.
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("invalid redis_url", zap.Error(err))
	}
	if cfg.RedisDB != 0 {
		opts.DB = cfg.RedisDB
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.String("addr", opts.Addr), zap.Error(err))
	}
	pingCancel()
	logger.Info("connected to redis", zap.String("addr", opts.Addr))

	q := queue.New(rdb, cfg.QueueName, cfg.QueueGroup, logger)

	// ── WireMock client ────────────────────────────────────────────────────
	wmClient := wiremock.NewClient(cfg, logger)
	healthCtx, healthCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := wmClient.Health(healthCtx); err != nil {
		logger.Warn("wiremock not reachable at startup, continuing",
			zap.String("url", cfg.WireMockURL),
			zap.Error(err),
		)
	} else {
		logger.Info("wiremock reachable", zap.String("url", cfg.WireMockURL))
	}
	healthCancel()

	// ── Backup store ───────────────────────────────────────────────────────
	var store *backup.Store
	if cfg.BackupPath != "" {
		store, err = backup.NewStore(cfg.BackupPath, cfg.CompressBackups, cfg.BackupRetentionDays, logger)
		if err != nil {
			logger.Fatal("backup store initialization failed", zap.Error(err))
		}
		logger.Info("backup store ready",
			zap.String("path", cfg.BackupPath),
			zap.Int("retention_days", cfg.BackupRetentionDays),
			zap.Bool("compress", cfg.CompressBackups),
		)
	}

	// ── Consumer ───────────────────────────────────────────────────────────
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	consumer := loader.New(cfg, q, wmClient, store, logger)
	if err := consumer.Start(consumerCtx); err != nil {
		logger.Fatal("consumer start failed", zap.Error(err))
	}

	if store != nil {
		go func() {
			ticker := time.NewTicker(backupCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-consumerCtx.Done():
					return
				case <-ticker.C:
					if removed, err := store.Cleanup(); err != nil {
						logger.Error("backup cleanup failed", zap.Error(err))
					} else if removed > 0 {
						logger.Info("backup cleanup removed files", zap.Int("removed", removed))
					}
				}
			}
		}()
	}

	// ── HTTP control plane ─────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	handler.RegisterLoader(e, handler.LoaderDeps{
		Cfg:      cfg,
		Consumer: consumer,
		Client:   wmClient,
		Backups:  store,
		Queue:    q,
		Logger:   logger,
	})

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		logger.Info("control plane listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	stopMetrics := startMetricsListener(cfg, logger)

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	consumerCancel()
	if err := consumer.Drain(drainTimeout); err != nil {
		logger.Warn("consumer drain incomplete", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	stopMetrics(shutdownCtx)

	logger.Info("wiremock-loader shut down cleanly")
}

// startMetricsListener serves Prometheus on a dedicated port when one is
// configured; otherwise /metrics on the control plane is the only exposure.
// The returned func stops the listener.
func startMetricsListener(cfg *config.Config, logger *zap.Logger) func(context.Context) {
	if !cfg.EnableMetrics || cfg.MetricsPort == 0 || cfg.MetricsPort == cfg.Port {
		return func(context.Context) {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
		Handler: mux,
	}
	go func() {
		logger.Info("metrics listening", zap.Int("port", cfg.MetricsPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failure", zap.Error(err))
		}
	}()
	return func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("metrics shutdown error", zap.Error(err))
		}
	}
}
