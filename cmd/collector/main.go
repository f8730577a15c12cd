package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tapv3 "github.com/envoyproxy/go-control-plane/envoy/service/tap/v3"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/capture"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/dedup"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/handler"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/ingest"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/pipeline"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/queue"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/sanitize"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/telemetry"
)

const (
	serviceName = "traffic-collector"

	// captureBufferSize is the ingest-to-pipeline channel capacity. A full
	// buffer pushes back on the Envoy tap stream.
	captureBufferSize = 1000

	dedupJanitorInterval = 5 * time.Minute
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

	// The dedup index degrades to process-local memory when Redis is down;
	// queue appends keep retrying until it comes back.
	dedupTTL := time.Duration(cfg.DedupTTL) * time.Second
	var index dedup.Index
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, using in-memory dedup index", zap.Error(err))
		index = dedup.NewMemoryIndex(dedupTTL)
	} else {
		logger.Info("connected to redis", zap.String("addr", opts.Addr))
		index = dedup.NewRedisIndex(rdb, dedupTTL, logger)
	}
	pingCancel()

	// ── Pipeline ───────────────────────────────────────────────────────────
	sanitizer := sanitize.New(cfg.SensitiveHeaders, cfg.SensitiveFields)
	buffer := make(chan capture.TrafficEvent, captureBufferSize)
	q := queue.New(rdb, cfg.QueueName, cfg.QueueGroup, logger)
	proc := pipeline.New(cfg, sanitizer, index, q, buffer, logger)

	procCtx, procCancel := context.WithCancel(context.Background())
	defer procCancel()
	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		proc.Run(procCtx)
	}()

	go func() {
		ticker := time.NewTicker(dedupJanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-procCtx.Done():
				return
			case <-ticker.C:
				if removed, err := index.CleanupExpired(procCtx); err == nil && removed > 0 {
					logger.Info("dedup janitor removed entries", zap.Int("removed", removed))
				}
			}
		}
	}()

	// ── gRPC tap ingest ────────────────────────────────────────────────────
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.IngestPort))
	if err != nil {
		logger.Fatal("ingest listener failed", zap.Int("port", cfg.IngestPort), zap.Error(err))
	}
	grpcServer := grpc.NewServer()
	tapServer := ingest.NewServer(cfg, buffer, logger)
	tapv3.RegisterTapSinkServiceServer(grpcServer, tapServer)

	go func() {
		logger.Info("tap ingest listening", zap.Int("port", cfg.IngestPort))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatal("gRPC server failure", zap.Error(err))
		}
	}()

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

	handler.RegisterCollector(e, handler.CollectorDeps{
		Cfg:      cfg,
		Ingest:   tapServer,
		Pipeline: proc,
		Index:    index,
		Queue:    q,
		Inject: func(ev capture.TrafficEvent) bool {
			select {
			case buffer <- ev:
				return true
			default:
				return false
			}
		},
		Logger: logger,
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

	// Stop producers first, then the control plane, then drain the pipeline.
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	stopMetrics(shutdownCtx)

	close(buffer)
	select {
	case <-procDone:
	case <-time.After(15 * time.Second):
		logger.Warn("pipeline drain timed out, cancelling")
		procCancel()
		<-procDone
	}

	logger.Info("traffic-collector shut down cleanly")
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
