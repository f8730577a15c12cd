// Package wiremock is the admin-API client for the mock server. It bounds
// concurrency with a weighted semaphore, retries transient failures with
// exponential backoff, and trips a circuit breaker when the server stops
// answering so the loader can fail fast and report not-ready.
package wiremock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/stub"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/telemetry"
)

// ErrNotFound is returned by GetStub when no mapping has the given id.
var ErrNotFound = errors.New("stub not found")

// maxRetryDelay caps the exponential backoff between attempts.
const maxRetryDelay = 10 * time.Second

// StatusError is a non-2xx admin API response, preserved with its body so
// the failure reason survives into logs and the dead-letter stream.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("wiremock returned %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying cannot help: the server understood the
// request and rejected the document itself.
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err is a failure no retry can fix: a rejected
// document (4xx) or one that failed local validation before sending.
func IsPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Permanent()
	}
	return errors.Is(err, stub.ErrInvalid)
}

// StubFailure is one failed member of a batch application.
type StubFailure struct {
	ID  string
	Err error
}

// BatchResult summarizes a concurrent batch application.
type BatchResult struct {
	Succeeded int
	Failed    []StubFailure
}

// Stats describes the client's current view of the mock server.
type Stats struct {
	BaseURL      string `json:"base_url"`
	BreakerState string `json:"circuit_breaker"`
	Healthy      bool   `json:"healthy"`
}

// Client talks to the mock server's admin API.
type Client interface {
	Health(ctx context.Context) error
	CreateStub(ctx context.Context, m *stub.Mapping) error
	UpdateStub(ctx context.Context, id string, m *stub.Mapping) error
	DeleteStub(ctx context.Context, id string) error
	GetStub(ctx context.Context, id string) (*stub.Mapping, error)
	ListStubs(ctx context.Context, limit, offset int) ([]stub.Mapping, error)
	ResetAll(ctx context.Context) error
	Requests(ctx context.Context, limit int) (json.RawMessage, error)
	UnmatchedRequests(ctx context.Context) (json.RawMessage, error)
	ApplyBatch(ctx context.Context, mappings []*stub.Mapping) BatchResult
	Healthy() bool
	Stats() Stats
}

type httpClient struct {
	baseURL    string
	http       *http.Client
	attempts   int
	retryDelay time.Duration
	sem        *semaphore.Weighted
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewClient builds a client from the shared configuration. The circuit
// breaker opens after five consecutive transport failures and probes again
// after thirty seconds.
func NewClient(cfg *config.Config, logger *zap.Logger) Client {
	attempts := cfg.WireMockRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	c := &httpClient{
		baseURL:    cfg.WireMockURL,
		http:       &http.Client{Timeout: time.Duration(cfg.WireMockTimeout) * time.Second},
		attempts:   attempts,
		retryDelay: time.Duration(cfg.WireMockRetryDelay) * time.Second,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		logger:     logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "wiremock",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("wiremock circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

func (c *httpClient) Health(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodGet, "/__admin/health", nil, "health")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &StatusError{StatusCode: status, Body: truncateBody(body)}
	}
	return nil
}

func (c *httpClient) CreateStub(ctx context.Context, m *stub.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mapping %s: %w", m.ID, err)
	}

	status, body, err := c.do(ctx, http.MethodPost, "/__admin/mappings", payload, "create")
	if err != nil {
		return fmt.Errorf("create stub %s: %w", m.ID, err)
	}
	if status != http.StatusCreated {
		return &StatusError{StatusCode: status, Body: truncateBody(body)}
	}
	return nil
}

func (c *httpClient) UpdateStub(ctx context.Context, id string, m *stub.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mapping %s: %w", id, err)
	}

	status, body, err := c.do(ctx, http.MethodPut, "/__admin/mappings/"+id, payload, "update")
	if err != nil {
		return fmt.Errorf("update stub %s: %w", id, err)
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if status != http.StatusOK {
		return &StatusError{StatusCode: status, Body: truncateBody(body)}
	}
	return nil
}

func (c *httpClient) DeleteStub(ctx context.Context, id string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/__admin/mappings/"+id, nil, "delete")
	if err != nil {
		return fmt.Errorf("delete stub %s: %w", id, err)
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if status != http.StatusOK {
		return &StatusError{StatusCode: status, Body: truncateBody(body)}
	}
	return nil
}

func (c *httpClient) GetStub(ctx context.Context, id string) (*stub.Mapping, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/__admin/mappings/"+id, nil, "get")
	if err != nil {
		return nil, fmt.Errorf("get stub %s: %w", id, err)
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: truncateBody(body)}
	}

	var m stub.Mapping
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode stub %s: %w", id, err)
	}
	return &m, nil
}

func (c *httpClient) ListStubs(ctx context.Context, limit, offset int) ([]stub.Mapping, error) {
	path := "/__admin/mappings"
	if limit > 0 || offset > 0 {
		path += "?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	}

	status, body, err := c.do(ctx, http.MethodGet, path, nil, "list")
	if err != nil {
		return nil, fmt.Errorf("list stubs: %w", err)
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: truncateBody(body)}
	}

	var out struct {
		Mappings []stub.Mapping `json:"mappings"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode stub list: %w", err)
	}
	return out.Mappings, nil
}

func (c *httpClient) ResetAll(ctx context.Context) error {
	status, body, err := c.do(ctx, http.MethodPost, "/__admin/mappings/reset", nil, "reset")
	if err != nil {
		return fmt.Errorf("reset mappings: %w", err)
	}
	if status != http.StatusOK {
		return &StatusError{StatusCode: status, Body: truncateBody(body)}
	}
	return nil
}

func (c *httpClient) Requests(ctx context.Context, limit int) (json.RawMessage, error) {
	path := "/__admin/requests"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	status, body, err := c.do(ctx, http.MethodGet, path, nil, "requests")
	if err != nil {
		return nil, fmt.Errorf("fetch request journal: %w", err)
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: truncateBody(body)}
	}
	return json.RawMessage(body), nil
}

func (c *httpClient) UnmatchedRequests(ctx context.Context) (json.RawMessage, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/__admin/requests/unmatched", nil, "unmatched")
	if err != nil {
		return nil, fmt.Errorf("fetch unmatched requests: %w", err)
	}
	if status != http.StatusOK {
		return nil, &StatusError{StatusCode: status, Body: truncateBody(body)}
	}
	return json.RawMessage(body), nil
}

// ApplyBatch creates every mapping concurrently. The semaphore inside the
// client bounds actual HTTP concurrency, so a large batch cannot stampede
// the mock server.
func (c *httpClient) ApplyBatch(ctx context.Context, mappings []*stub.Mapping) BatchResult {
	var (
		mu  sync.Mutex
		res BatchResult
		wg  sync.WaitGroup
	)
	for _, m := range mappings {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.CreateStub(ctx, m)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, StubFailure{ID: m.ID, Err: err})
				return
			}
			res.Succeeded++
		}()
	}
	wg.Wait()
	return res
}

// Healthy reports whether the circuit breaker still admits calls.
func (c *httpClient) Healthy() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

func (c *httpClient) Stats() Stats {
	return Stats{
		BaseURL:      c.baseURL,
		BreakerState: c.breaker.State().String(),
		Healthy:      c.Healthy(),
	}
}

// do runs one admin call with retries. Connect errors and 5xx responses are
// retried with exponential backoff; 2xx and 4xx are final and returned as-is
// for the caller to interpret. An open breaker aborts immediately.
func (c *httpClient) do(ctx context.Context, method, path string, payload []byte, operation string) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay << (attempt - 1)
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(delay):
			}
			c.logger.Debug("retrying wiremock call",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
		}

		status, body, err := c.send(ctx, method, path, payload, operation)
		if err == nil {
			return status, body, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		lastErr = err
	}
	return 0, nil, fmt.Errorf("%s %s: giving up after %d attempts: %w", method, path, c.attempts, lastErr)
}

// send performs a single attempt through the semaphore and the breaker. The
// breaker counts connect errors and 5xx as failures; 4xx means the server is
// reachable and is a success from its point of view.
func (c *httpClient) send(ctx context.Context, method, path string, payload []byte, operation string) (int, []byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return 0, nil, err
	}
	defer c.sem.Release(1)

	telemetry.LoaderWireMockRequests.WithLabelValues(operation).Inc()

	type result struct {
		status int
		body   []byte
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("wiremock unreachable: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read wiremock response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncateBody(body)}
		}
		return result{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		return 0, nil, err
	}

	r := out.(result)
	return r.status, r.body, nil
}

// truncateBody keeps error payloads loggable.
func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
