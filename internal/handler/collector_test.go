package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/capture"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/dedup"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/handler"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/ingest"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/pipeline"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/queue"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/sanitize"
)

// ── helpers ───────────────────────────────────────────────────────────────

type collectorEnv struct {
	e     *echo.Echo
	in    chan capture.TrafficEvent
	index dedup.Index
}

func newCollectorEnv(t *testing.T, cfg *config.Config, index dedup.Index) *collectorEnv {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		require.NoError(t, cfg.Finish())
	}
	if index == nil {
		index = dedup.NewMemoryIndex(time.Hour)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	in := make(chan capture.TrafficEvent, 4)
	q := queue.New(client, cfg.QueueName, cfg.QueueGroup, logger)

	e := echo.New()
	handler.RegisterCollector(e, handler.CollectorDeps{
		Cfg:      cfg,
		Ingest:   ingest.NewServer(cfg, in, logger),
		Pipeline: pipeline.New(cfg, sanitize.New(nil, nil), index, q, in, logger),
		Index:    index,
		Queue:    q,
		Inject: func(ev capture.TrafficEvent) bool {
			select {
			case in <- ev:
				return true
			default:
				return false
			}
		},
		Logger: logger,
	})
	return &collectorEnv{e: e, in: in, index: index}
}

func doJSON(t *testing.T, e *echo.Echo, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get(echo.HeaderContentType), "json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

// downIndex fails its liveness probe while behaving normally otherwise.
type downIndex struct {
	dedup.Index
}

func (downIndex) Ping(context.Context) error { return errors.New("connection refused") }

// ── GET /health, /ready ───────────────────────────────────────────────────

func TestCollectorHealth(t *testing.T) {
	env := newCollectorEnv(t, nil, nil)

	rec, body := doJSON(t, env.e, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "traffic-collector", body["service"])
	assert.Equal(t, handler.Version, body["version"])
}

func TestCollectorReady(t *testing.T) {
	env := newCollectorEnv(t, nil, nil)

	rec, body := doJSON(t, env.e, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}

func TestCollectorReadySaturatedBuffer(t *testing.T) {
	env := newCollectorEnv(t, nil, nil)
	for i := 0; i < cap(env.in); i++ {
		env.in <- capture.TrafficEvent{}
	}

	rec, body := doJSON(t, env.e, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "processing buffer saturated", body["reason"])
}

func TestCollectorReadyIndexDown(t *testing.T) {
	env := newCollectorEnv(t, nil, downIndex{dedup.NewMemoryIndex(time.Hour)})

	rec, body := doJSON(t, env.e, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "dedup index unreachable", body["reason"])
}

// ── GET /stats, /metrics ──────────────────────────────────────────────────

func TestCollectorStats(t *testing.T) {
	env := newCollectorEnv(t, nil, nil)

	rec, body := doJSON(t, env.e, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "traffic-collector", body["service"])
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "ingest")
	assert.Contains(t, body, "pipeline")
	assert.Contains(t, body, "dedup")

	queueStats, ok := body["queue"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "wiremock_mappings", queueStats["stream"])
}

func TestCollectorMetricsExposed(t *testing.T) {
	env := newCollectorEnv(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "collector_requests_received_total")
}

// ── debug endpoints ───────────────────────────────────────────────────────

func TestDebugRoutesHiddenOutsideDebugMode(t *testing.T) {
	env := newCollectorEnv(t, nil, nil) // default level is INFO

	rec, _ := doJSON(t, env.e, http.MethodPost, "/debug/inject", `{"path":"/api/x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugInject(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "DEBUG"
	require.NoError(t, cfg.Finish())
	env := newCollectorEnv(t, cfg, nil)

	rec, body := doJSON(t, env.e, http.MethodPost, "/debug/inject",
		`{"method":"POST","path":"/api/users","response_status":201}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "accepted", body["status"])

	require.Len(t, env.in, 1)
	ev := <-env.in
	assert.Equal(t, "POST", ev.Request.Method)
	assert.Equal(t, "/api/users", ev.Request.Path)
	assert.Equal(t, 201, ev.Response.Status)
	assert.Equal(t, "debug-inject", ev.Source.TapID)
}

func TestDebugInjectValidation(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "DEBUG"
	require.NoError(t, cfg.Finish())
	env := newCollectorEnv(t, cfg, nil)

	rec, _ := doJSON(t, env.e, http.MethodPost, "/debug/inject", `{"method":"GET"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.in)
}

func TestDebugInjectFullBuffer(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "DEBUG"
	require.NoError(t, cfg.Finish())
	env := newCollectorEnv(t, cfg, nil)
	for i := 0; i < cap(env.in); i++ {
		env.in <- capture.TrafficEvent{}
	}

	rec, _ := doJSON(t, env.e, http.MethodPost, "/debug/inject", `{"path":"/api/x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDebugClearCache(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "DEBUG"
	require.NoError(t, cfg.Finish())

	index := dedup.NewMemoryIndex(time.Millisecond)
	require.NoError(t, index.Mark(context.Background(), "stale-fingerprint", nil))
	time.Sleep(5 * time.Millisecond)

	env := newCollectorEnv(t, cfg, index)

	rec, body := doJSON(t, env.e, http.MethodDelete, "/debug/clear-cache", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["entries_removed"])
}
