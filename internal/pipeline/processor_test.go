package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/capture"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/dedup"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/queue"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/sanitize"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/stub"
)

type fixture struct {
	proc *Processor
	in   chan capture.TrafficEvent
	q    *queue.Queue
	done chan struct{}
}

func newFixture(t *testing.T, cfg *config.Config, index dedup.Index) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	if index == nil {
		index = dedup.NewMemoryIndex(time.Hour)
	}
	in := make(chan capture.TrafficEvent, 16)
	q := queue.New(client, "wiremock_mappings", "wiremock_loader", zaptest.NewLogger(t))

	return &fixture{
		proc: New(cfg, sanitize.New(nil, nil), index, q, in, zaptest.NewLogger(t)),
		in:   in,
		q:    q,
		done: make(chan struct{}),
	}
}

func (f *fixture) run(ctx context.Context) {
	go func() {
		defer close(f.done)
		f.proc.Run(ctx)
	}()
}

func (f *fixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func (f *fixture) queueLen(t *testing.T) int64 {
	t.Helper()
	n, err := f.q.Len(context.Background())
	if err != nil {
		return -1
	}
	return n
}

func event(method, path string) capture.TrafficEvent {
	return capture.TrafficEvent{
		CapturedAt: time.Now().UTC(),
		Request: capture.Request{
			Method:    method,
			Path:      path,
			Authority: "api.shop.com",
			Scheme:    "https",
			Headers:   capture.Headers{"content-type": "application/json"},
			Body:      []byte(`{"name":"ana"}`),
		},
		Response: capture.Response{
			Status:  200,
			Headers: capture.Headers{"content-type": "application/json"},
			Body:    []byte(`{"id":1}`),
		},
	}
}

func TestFlushAtBatchSize(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSize = 2
	cfg.BatchTimeout = 60

	f := newFixture(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(ctx)

	f.in <- event("GET", "/api/users")
	f.in <- event("GET", "/api/orders")

	require.Eventually(t, func() bool { return f.queueLen(t) == 2 }, 3*time.Second, 10*time.Millisecond)

	close(f.in)
	f.waitDone(t)
	assert.Equal(t, int64(2), f.proc.Stats().Processed)
}

func TestFlushAtBatchTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSize = 50
	cfg.BatchTimeout = 0.05

	f := newFixture(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(ctx)

	f.in <- event("GET", "/api/users")

	require.Eventually(t, func() bool { return f.queueLen(t) == 1 }, 3*time.Second, 10*time.Millisecond)

	close(f.in)
	f.waitDone(t)
}

func TestShutdownFlushesRemainder(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSize = 50
	cfg.BatchTimeout = 300

	f := newFixture(t, cfg, nil)
	f.run(context.Background())

	f.in <- event("GET", "/api/a")
	f.in <- event("GET", "/api/b")
	f.in <- event("GET", "/api/c")
	close(f.in)

	f.waitDone(t)
	assert.Equal(t, int64(3), f.queueLen(t))
	assert.Equal(t, int64(3), f.proc.Stats().Processed)
}

func TestDuplicatesAreSuppressed(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSize = 1
	cfg.BatchTimeout = 60

	f := newFixture(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(ctx)

	f.in <- event("GET", "/api/users")
	require.Eventually(t, func() bool { return f.proc.Stats().Processed == 1 }, 3*time.Second, 10*time.Millisecond)

	f.in <- event("GET", "/api/users")
	require.Eventually(t, func() bool { return f.proc.Stats().Duplicates == 1 }, 3*time.Second, 10*time.Millisecond)

	close(f.in)
	f.waitDone(t)
	assert.Equal(t, int64(1), f.queueLen(t), "duplicate must not reach the queue")
}

// failingIndex errors on every lookup while still recording marks.
type failingIndex struct {
	*dedup.MemoryIndex
}

func (f *failingIndex) Seen(context.Context, string) (bool, error) {
	return false, errors.New("index unavailable")
}

func TestDedupLookupFailureIsFailOpen(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSize = 1
	cfg.BatchTimeout = 60

	f := newFixture(t, cfg, &failingIndex{dedup.NewMemoryIndex(time.Hour)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(ctx)

	f.in <- event("GET", "/api/users")
	require.Eventually(t, func() bool { return f.proc.Stats().Processed == 1 }, 3*time.Second, 10*time.Millisecond)

	close(f.in)
	f.waitDone(t)
	assert.Equal(t, int64(1), f.proc.Stats().DedupErrors)
	assert.Equal(t, int64(1), f.queueLen(t), "event is processed despite the lookup error")
}

func TestOversizedBodiesAreTruncated(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSize = 1
	cfg.BatchTimeout = 60
	cfg.BodySizeLimit = 1024

	f := newFixture(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(ctx)

	ev := event("POST", "/api/bulk")
	ev.Request.Body = []byte(strings.Repeat("a", 4096))
	ev.Request.Headers = capture.Headers{"content-type": "text/plain"}
	ev.Response.Body = []byte(strings.Repeat("b", 4096))
	ev.Response.Headers = capture.Headers{"content-type": "text/plain"}
	f.in <- ev

	require.Eventually(t, func() bool { return f.proc.Stats().Processed == 1 }, 3*time.Second, 10*time.Millisecond)

	close(f.in)
	f.waitDone(t)
	assert.Equal(t, int64(2), f.proc.Stats().Truncated)
}

func TestTruncationBoundary(t *testing.T) {
	cfg := config.Default()
	cfg.BodySizeLimit = 1024

	f := newFixture(t, cfg, nil)

	ev := event("POST", "/api/bulk")
	ev.Request.Body = []byte(strings.Repeat("a", cfg.BodySizeLimit))
	ev.Response.Body = []byte(strings.Repeat("b", cfg.BodySizeLimit+1))
	f.proc.truncateBodies(&ev)

	assert.False(t, ev.Request.BodyTruncated, "body at exactly the limit is kept whole")
	assert.Len(t, ev.Request.Body, cfg.BodySizeLimit)
	assert.True(t, ev.Response.BodyTruncated)
	assert.Len(t, ev.Response.Body, cfg.BodySizeLimit)
	assert.Equal(t, int64(1), f.proc.Stats().Truncated)
}

func TestEnqueuedMessageCarriesMappingAndHash(t *testing.T) {
	cfg := config.Default()
	cfg.BatchSize = 1
	cfg.BatchTimeout = 60

	f := newFixture(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(ctx)
	require.NoError(t, f.q.EnsureGroup(ctx))

	f.in <- event("POST", "/api/users")
	require.Eventually(t, func() bool { return f.queueLen(t) == 1 }, 3*time.Second, 10*time.Millisecond)

	msgs, err := f.q.ReadGroup(ctx, "test-consumer", 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.NotEmpty(t, msgs[0].RequestHash)
	assert.False(t, msgs[0].EnqueuedAt.IsZero())

	mapping, err := stub.Parse(msgs[0].Mapping)
	require.NoError(t, err)
	assert.Equal(t, "POST", mapping.Request.Method)
	assert.Equal(t, "/api/users", mapping.Request.URLPath)
	assert.Equal(t, msgs[0].RequestHash, mapping.Metadata.RequestHash)

	close(f.in)
	f.waitDone(t)
}
