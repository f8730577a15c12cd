// Package handler mounts the HTTP control surface of both services. The
// endpoints exist for operators and probes; capture traffic itself never
// flows through here.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// Version is reported by the health and stats endpoints.
const Version = "1.0.0"

const (
	serviceCollector = "traffic-collector"
	serviceLoader    = "wiremock-loader"

	defaultLimit = 50
	maxLimit     = 500

	readinessTimeout = 2 * time.Second
)

func healthHandler(service string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": service,
			"version": Version,
		})
	}
}

func notReady(c echo.Context, reason string) error {
	return c.JSON(http.StatusServiceUnavailable, map[string]string{
		"status": "not_ready",
		"reason": reason,
	})
}

// parsePagination reads limit and offset query parameters, applying a
// max-limit cap and defaulting to sensible values.
func parsePagination(c echo.Context) (int, int) {
	limit := defaultLimit
	offset := 0

	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func errResp(msg string) map[string]string {
	return map[string]string{"error": msg}
}
