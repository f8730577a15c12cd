package handler

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/backup"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/loader"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/queue"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/stub"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/wiremock"
)

// LoaderDeps carries the loader endpoints' collaborators. Backups is nil
// when no backup path is configured; the backup routes answer 503 then.
type LoaderDeps struct {
	Cfg      *config.Config
	Consumer *loader.Consumer
	Client   wiremock.Client
	Backups  *backup.Store
	Queue    *queue.Queue
	Logger   *zap.Logger
}

// RegisterLoader mounts the loader control and admin endpoints.
func RegisterLoader(e *echo.Echo, deps LoaderDeps) {
	started := time.Now()

	e.GET("/health", healthHandler(serviceLoader))
	e.GET("/ready", loaderReadyHandler(deps))
	e.GET("/stats", loaderStatsHandler(deps, started))
	if deps.Cfg.EnableMetrics {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	e.POST("/mappings", createMappingHandler(deps))
	e.GET("/mappings", listMappingsHandler(deps))
	e.DELETE("/mappings", resetMappingsHandler(deps))
	e.GET("/mappings/:id", getMappingHandler(deps))
	e.DELETE("/mappings/:id", deleteMappingHandler(deps))

	e.GET("/backups", listBackupsHandler(deps))
	e.GET("/backups/summary", backupSummaryHandler(deps))
	// Backup files are addressed by date-partitioned relative paths, so the
	// restore route matches a wildcard: POST /backups/<path>/restore.
	e.POST("/backups/*", restoreBackupHandler(deps))
	e.DELETE("/backups/cleanup", cleanupBackupsHandler(deps))

	e.GET("/wiremock/requests", wiremockRequestsHandler(deps))
	e.GET("/wiremock/requests/unmatched", wiremockUnmatchedHandler(deps))
}

// ── health & stats ────────────────────────────────────────────────────────

func loaderReadyHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), readinessTimeout)
		defer cancel()

		if err := deps.Queue.Ping(ctx); err != nil {
			return notReady(c, "queue unreachable")
		}
		// Healthy reports the circuit breaker state, so a single slow probe
		// does not flap readiness; only sustained failure opens the breaker.
		if !deps.Client.Healthy() {
			return notReady(c, "wiremock unreachable")
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	}
}

func loaderStatsHandler(deps LoaderDeps, started time.Time) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		stats := map[string]interface{}{
			"service":        serviceLoader,
			"version":        Version,
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"consumer":       deps.Consumer.Stats(),
			"wiremock":       deps.Client.Stats(),
		}

		queueStats := map[string]interface{}{"stream": deps.Queue.Stream()}
		if n, err := deps.Queue.Len(ctx); err == nil {
			queueStats["length"] = n
		}
		if n, err := deps.Queue.DLQLen(ctx); err == nil {
			queueStats["dlq_length"] = n
		}
		stats["queue"] = queueStats

		if deps.Backups != nil {
			stats["backup"] = deps.Backups.Stats()
		}

		return c.JSON(http.StatusOK, stats)
	}
}

// ── mappings ──────────────────────────────────────────────────────────────

// createMappingHandler registers a mapping directly, bypassing the queue.
// Used for seeding mocks by hand.
func createMappingHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		payload, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errResp("unreadable body"))
		}
		mapping, err := stub.Parse(payload)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errResp(err.Error()))
		}

		if err := deps.Client.CreateStub(c.Request().Context(), mapping); err != nil {
			if wiremock.IsPermanent(err) {
				return c.JSON(http.StatusBadRequest, errResp(err.Error()))
			}
			deps.Logger.Error("manual mapping create failed", zap.Error(err))
			return c.JSON(http.StatusBadGateway, errResp("wiremock unavailable"))
		}

		if deps.Backups != nil {
			if _, err := deps.Backups.WriteStub(mapping); err != nil {
				deps.Logger.Warn("backup write failed", zap.String("mapping_id", mapping.ID), zap.Error(err))
			}
		}

		return c.JSON(http.StatusCreated, map[string]string{
			"status":     "created",
			"mapping_id": mapping.ID,
		})
	}
}

func listMappingsHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, offset := parsePagination(c)

		mappings, err := deps.Client.ListStubs(c.Request().Context(), limit, offset)
		if err != nil {
			deps.Logger.Error("list mappings failed", zap.Error(err))
			return c.JSON(http.StatusBadGateway, errResp("wiremock unavailable"))
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"mappings": mappings,
			"limit":    limit,
			"offset":   offset,
			"count":    len(mappings),
		})
	}
}

func getMappingHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		mapping, err := deps.Client.GetStub(c.Request().Context(), id)
		if err != nil {
			if errors.Is(err, wiremock.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("mapping not found"))
			}
			deps.Logger.Error("get mapping failed", zap.String("mapping_id", id), zap.Error(err))
			return c.JSON(http.StatusBadGateway, errResp("wiremock unavailable"))
		}
		return c.JSON(http.StatusOK, mapping)
	}
}

func deleteMappingHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if err := deps.Client.DeleteStub(c.Request().Context(), id); err != nil {
			if errors.Is(err, wiremock.ErrNotFound) {
				return c.JSON(http.StatusNotFound, errResp("mapping not found"))
			}
			deps.Logger.Error("delete mapping failed", zap.String("mapping_id", id), zap.Error(err))
			return c.JSON(http.StatusBadGateway, errResp("wiremock unavailable"))
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status":     "deleted",
			"mapping_id": id,
		})
	}
}

// resetMappingsHandler wipes every mapping from WireMock. Meant for
// resetting a mock environment between test runs.
func resetMappingsHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := deps.Client.ResetAll(c.Request().Context()); err != nil {
			deps.Logger.Error("mapping reset failed", zap.Error(err))
			return c.JSON(http.StatusBadGateway, errResp("wiremock unavailable"))
		}
		deps.Logger.Info("all mappings reset")
		return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
	}
}

// ── backups ───────────────────────────────────────────────────────────────

func listBackupsHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if deps.Backups == nil {
			return c.JSON(http.StatusServiceUnavailable, errResp("backup store not configured"))
		}

		days := 7
		if v := c.QueryParam("days"); v != "" {
			if n, err := parseDays(v); err == nil {
				days = n
			}
		}

		backups, err := deps.Backups.List(c.QueryParam("mapping_id"), days)
		if err != nil {
			deps.Logger.Error("backup list failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("backup list failed"))
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"backups": backups,
			"days":    days,
			"count":   len(backups),
		})
	}
}

func backupSummaryHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if deps.Backups == nil {
			return c.JSON(http.StatusServiceUnavailable, errResp("backup store not configured"))
		}
		summary, err := deps.Backups.Summary()
		if err != nil {
			deps.Logger.Error("backup summary failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("backup summary failed"))
		}
		return c.JSON(http.StatusOK, summary)
	}
}

// restoreBackupHandler re-applies a backup file to WireMock. The file is
// addressed by its store-relative path (YYYY/MM/DD/name), which the wildcard
// route delivers with a trailing /restore action segment.
func restoreBackupHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		file, ok := strings.CutSuffix(c.Param("*"), "/restore")
		if !ok || file == "" {
			return c.JSON(http.StatusNotFound, errResp("unknown backup operation"))
		}
		if deps.Backups == nil {
			return c.JSON(http.StatusServiceUnavailable, errResp("backup store not configured"))
		}

		mappings, err := deps.Backups.Restore(file)
		if err != nil {
			switch {
			case errors.Is(err, backup.ErrTraversal):
				return c.JSON(http.StatusBadRequest, errResp("invalid backup path"))
			case errors.Is(err, fs.ErrNotExist):
				return c.JSON(http.StatusNotFound, errResp("backup file not found"))
			default:
				deps.Logger.Error("backup restore failed", zap.String("file", file), zap.Error(err))
				return c.JSON(http.StatusInternalServerError, errResp("backup restore failed"))
			}
		}

		result := deps.Client.ApplyBatch(c.Request().Context(), mappings)

		failures := make([]map[string]string, 0, len(result.Failed))
		for _, f := range result.Failed {
			failures = append(failures, map[string]string{"mapping_id": f.ID, "error": f.Err.Error()})
		}

		deps.Logger.Info("backup restored",
			zap.String("file", file),
			zap.Int("total", len(mappings)),
			zap.Int("created", result.Succeeded),
			zap.Int("failed", len(result.Failed)),
		)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":         "restored",
			"file":           file,
			"total_mappings": len(mappings),
			"created_count":  result.Succeeded,
			"failed_count":   len(result.Failed),
			"failures":       failures,
		})
	}
}

func cleanupBackupsHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		if deps.Backups == nil {
			return c.JSON(http.StatusServiceUnavailable, errResp("backup store not configured"))
		}
		removed, err := deps.Backups.Cleanup()
		if err != nil {
			deps.Logger.Error("backup cleanup failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, errResp("backup cleanup failed"))
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":        "cleaned",
			"removed_count": removed,
		})
	}
}

// ── wiremock passthrough ──────────────────────────────────────────────────

func wiremockRequestsHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit, _ := parsePagination(c)
		journal, err := deps.Client.Requests(c.Request().Context(), limit)
		if err != nil {
			deps.Logger.Error("request journal fetch failed", zap.Error(err))
			return c.JSON(http.StatusBadGateway, errResp("wiremock unavailable"))
		}
		return c.JSONBlob(http.StatusOK, journal)
	}
}

func wiremockUnmatchedHandler(deps LoaderDeps) echo.HandlerFunc {
	return func(c echo.Context) error {
		unmatched, err := deps.Client.UnmatchedRequests(c.Request().Context())
		if err != nil {
			deps.Logger.Error("unmatched requests fetch failed", zap.Error(err))
			return c.JSON(http.StatusBadGateway, errResp("wiremock unavailable"))
		}
		return c.JSONBlob(http.StatusOK, unmatched)
	}
}

// parseDays parses a positive day count.
func parseDays(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("days must be a positive integer")
	}
	return n, nil
}
