package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/capture"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/dedup"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/ingest"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/pipeline"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/queue"
)

// CollectorDeps carries everything the collector endpoints report on.
// Inject pushes a synthetic event into the processing buffer and reports
// whether there was room; it is only mounted in debug mode.
type CollectorDeps struct {
	Cfg      *config.Config
	Ingest   *ingest.Server
	Pipeline *pipeline.Processor
	Index    dedup.Index
	Queue    *queue.Queue
	Inject   func(capture.TrafficEvent) bool
	Logger   *zap.Logger
}

// RegisterCollector mounts the collector control endpoints.
func RegisterCollector(e *echo.Echo, deps CollectorDeps) {
	started := time.Now()

	e.GET("/health", healthHandler(serviceCollector))
	e.GET("/ready", collectorReadyHandler(deps))
	e.GET("/stats", collectorStatsHandler(deps, started))
	if deps.Cfg.EnableMetrics {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
	if deps.Cfg.Debug() {
		e.POST("/debug/inject", injectHandler(deps))
		e.DELETE("/debug/clear-cache", clearCacheHandler(deps))
	}
}

// ── handlers ──────────────────────────────────────────────────────────────

func collectorReadyHandler(deps CollectorDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
		defer cancel()

		if err := deps.Index.Ping(ctx); err != nil {
			return notReady(c, "dedup index unreachable")
		}
		if deps.Ingest.Saturated() {
			return notReady(c, "processing buffer saturated")
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
}

func collectorStatsHandler(deps CollectorDeps, started time.Time) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		stats := map[string]interface{}{
			"service":        serviceCollector,
			"version":        Version,
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"ingest":         deps.Ingest.Stats(),
			"pipeline":       deps.Pipeline.Stats(),
		}

		if ds, err := deps.Index.Stats(ctx); err != nil {
			deps.Logger.Warn("dedup stats unavailable", zap.Error(err))
		} else {
			stats["dedup"] = ds
		}

		queueStats := map[string]interface{}{"stream": deps.Queue.Stream()}
		if n, err := deps.Queue.Len(ctx); err == nil {
			queueStats["length"] = n
		}
		stats["queue"] = queueStats

		return c.JSON(http.StatusOK, stats)
	}
}

// injectRequest is the debug-only synthetic capture payload.
type injectRequest struct {
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	Query           string            `json:"query"`
	Authority       string            `json:"authority"`
	Scheme          string            `json:"scheme"`
	RequestHeaders  map[string]string `json:"request_headers"`
	RequestBody     string            `json:"request_body"`
	ResponseStatus  int               `json:"response_status"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    string            `json:"response_body"`
}

func injectHandler(deps CollectorDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req injectRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, errResp("invalid inject payload"))
		}
		if req.Path == "" {
			return c.JSON(http.StatusBadRequest, errResp("path is required"))
		}
		if req.Method == "" {
			req.Method = http.MethodGet
		}
		if req.Scheme == "" {
			req.Scheme = "http"
		}
		if req.ResponseStatus == 0 {
			req.ResponseStatus = http.StatusOK
		}

		ev := capture.TrafficEvent{
			CapturedAt: time.Now().UTC(),
			Source:     capture.Identity{TapID: "debug-inject"},
			Request: capture.Request{
				Method:    req.Method,
				Path:      req.Path,
				Query:     req.Query,
				Authority: req.Authority,
				Scheme:    req.Scheme,
				Headers:   capture.Headers(req.RequestHeaders),
				Body:      []byte(req.RequestBody),
			},
			Response: capture.Response{
				Status:  req.ResponseStatus,
				Headers: capture.Headers(req.ResponseHeaders),
				Body:    []byte(req.ResponseBody),
			},
		}

		if !deps.Inject(ev) {
			return c.JSON(http.StatusServiceUnavailable, errResp("processing buffer full"))
		}
		deps.Logger.Info("debug event injected",
			zap.String("method", req.Method),
			zap.String("path", req.Path),
		)
		return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func clearCacheHandler(deps CollectorDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		removed, err := deps.Index.CleanupExpired(c.Request().Context())
		if err != nil {
			deps.Logger.Error("cache cleanup failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("cache cleanup failed"))
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":          "ok",
			"entries_removed": removed,
		})
	}
}
