package loader

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/backup"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/queue"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/stub"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/wiremock"
	wmmock "github.com/gabriellacanna/Backend-Moockado-Automatico/internal/wiremock/mock"
)

type harness struct {
	consumer *Consumer
	client   *wmmock.MockClient
	q        *queue.Queue
	mr       *miniredis.Miniredis
	slept    []time.Duration
}

func newHarness(t *testing.T, backups *backup.Store) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Default()
	q := queue.New(client, cfg.QueueName, cfg.QueueGroup, zaptest.NewLogger(t))
	require.NoError(t, q.EnsureGroup(context.Background()))

	ctrl := gomock.NewController(t)
	wm := wmmock.NewMockClient(ctrl)

	h := &harness{
		consumer: New(cfg, q, wm, backups, zaptest.NewLogger(t)),
		client:   wm,
		q:        q,
		mr:       mr,
	}
	// Retries sleep for real seconds; record instead.
	h.consumer.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	return h
}

func mappingPayload(t *testing.T, id string) []byte {
	t.Helper()
	payload, err := json.Marshal(&stub.Mapping{
		ID:       id,
		Request:  stub.RequestSpec{Method: "GET", URLPath: "/api/users"},
		Response: stub.ResponseSpec{Status: 200},
	})
	require.NoError(t, err)
	return payload
}

func (h *harness) append(t *testing.T, msg queue.Message) {
	t.Helper()
	_, err := h.q.Append(context.Background(), msg)
	require.NoError(t, err)
}

func (h *harness) pendingCount(t *testing.T) int {
	t.Helper()
	pending, err := h.q.Pending(context.Background(), 100)
	require.NoError(t, err)
	return len(pending)
}

func (h *harness) dlqLen(t *testing.T) int64 {
	t.Helper()
	n, err := h.q.DLQLen(context.Background())
	require.NoError(t, err)
	return n
}

func TestSuccessfulMappingIsAcked(t *testing.T) {
	h := newHarness(t, nil)
	h.append(t, queue.Message{Mapping: mappingPayload(t, "m-1"), RequestHash: "h-1"})

	h.client.EXPECT().CreateStub(gomock.Any(), gomock.Any()).Return(nil)

	require.NoError(t, h.consumer.consumeOnce(context.Background()))

	assert.Equal(t, 0, h.pendingCount(t))
	assert.Equal(t, int64(0), h.dlqLen(t))
	stats := h.consumer.Stats()
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestTransientFailureReappendsWithBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.append(t, queue.Message{Mapping: mappingPayload(t, "m-1"), RequestHash: "h-1"})

	h.client.EXPECT().CreateStub(gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))

	require.NoError(t, h.consumer.consumeOnce(context.Background()))

	// Original acked, replacement appended with the retry bookkeeping.
	assert.Equal(t, 0, h.pendingCount(t))
	require.Equal(t, []time.Duration{time.Second}, h.slept)

	msgs, err := h.q.ReadGroup(context.Background(), "inspector", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].RetryCount)
	assert.Equal(t, "connection refused", msgs[0].LastError)
	assert.False(t, msgs[0].RetryAt.IsZero())

	assert.Equal(t, int64(1), h.consumer.Stats().Retried)
}

func TestPermanentFailureDeadLettersWithoutRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.append(t, queue.Message{Mapping: mappingPayload(t, "m-1"), RequestHash: "h-1"})

	h.client.EXPECT().
		CreateStub(gomock.Any(), gomock.Any()).
		Return(&wiremock.StatusError{StatusCode: 400, Body: "malformed mapping"}).
		Times(1)

	require.NoError(t, h.consumer.consumeOnce(context.Background()))

	assert.Equal(t, int64(1), h.dlqLen(t))
	assert.Equal(t, 0, h.pendingCount(t))
	assert.Empty(t, h.slept, "permanent failures must not wait")
	stats := h.consumer.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Retried)
}

func TestExhaustedRetryBudgetDeadLetters(t *testing.T) {
	h := newHarness(t, nil)
	h.append(t, queue.Message{
		Mapping:     mappingPayload(t, "m-1"),
		RequestHash: "h-1",
		RetryCount:  3, // at the default budget
	})

	h.client.EXPECT().CreateStub(gomock.Any(), gomock.Any()).Return(errors.New("timeout"))

	require.NoError(t, h.consumer.consumeOnce(context.Background()))

	assert.Equal(t, int64(1), h.dlqLen(t))
	assert.Empty(t, h.slept)
	assert.Equal(t, int64(1), h.consumer.Stats().Failed)
}

func TestUnparsablePayloadDeadLetters(t *testing.T) {
	h := newHarness(t, nil)
	h.append(t, queue.Message{Mapping: []byte("not a mapping"), RequestHash: "h-1"})

	// No CreateStub expectation: WireMock must never see the payload.
	require.NoError(t, h.consumer.consumeOnce(context.Background()))

	assert.Equal(t, int64(1), h.dlqLen(t))
	assert.Equal(t, 0, h.pendingCount(t))
	assert.Equal(t, int64(1), h.consumer.Stats().Failed)
}

func TestAbortedRetrySleepLeavesMessagePending(t *testing.T) {
	h := newHarness(t, nil)
	h.append(t, queue.Message{Mapping: mappingPayload(t, "m-1"), RequestHash: "h-1"})

	h.client.EXPECT().CreateStub(gomock.Any(), gomock.Any()).Return(errors.New("connection refused"))
	h.consumer.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	require.NoError(t, h.consumer.consumeOnce(context.Background()))

	assert.Equal(t, 1, h.pendingCount(t), "message stays pending for the reclaimer")
	assert.Equal(t, int64(0), h.dlqLen(t))
	assert.Equal(t, int64(0), h.consumer.Stats().Retried)
}

func TestReclaimTakesOverStalledPending(t *testing.T) {
	h := newHarness(t, nil)
	h.append(t, queue.Message{Mapping: mappingPayload(t, "m-1"), RequestHash: "h-1"})

	// A consumer that read the message and died without acking.
	_, err := h.q.ReadGroup(context.Background(), "dead-consumer", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, h.pendingCount(t))

	// miniredis ages stream pending entries via SetTime; FastForward only
	// moves key TTLs.
	h.mr.SetTime(time.Now().Add(6 * time.Minute))

	h.client.EXPECT().CreateStub(gomock.Any(), gomock.Any()).Return(nil)

	n, err := h.consumer.reclaimOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, h.pendingCount(t))
	stats := h.consumer.Stats()
	assert.Equal(t, int64(1), stats.Reclaimed)
	assert.Equal(t, int64(1), stats.Processed)
}

func TestReclaimIgnoresFreshPending(t *testing.T) {
	h := newHarness(t, nil)
	h.append(t, queue.Message{Mapping: mappingPayload(t, "m-1"), RequestHash: "h-1"})

	_, err := h.q.ReadGroup(context.Background(), "dead-consumer", 10, 10*time.Millisecond)
	require.NoError(t, err)

	n, err := h.consumer.reclaimOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, h.pendingCount(t))
}

func TestBackupWrittenBeforeRegistration(t *testing.T) {
	store, err := backup.NewStore(t.TempDir(), false, 30, zaptest.NewLogger(t))
	require.NoError(t, err)

	h := newHarness(t, store)
	h.append(t, queue.Message{Mapping: mappingPayload(t, "m-1"), RequestHash: "h-1"})

	h.client.EXPECT().CreateStub(gomock.Any(), gomock.Any()).Return(nil)

	require.NoError(t, h.consumer.consumeOnce(context.Background()))

	summary, err := store.Summary()
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalFiles)
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(0))
	assert.Equal(t, 2*time.Second, retryDelay(1))
	assert.Equal(t, 32*time.Second, retryDelay(5))
	assert.Equal(t, 60*time.Second, retryDelay(6))
	assert.Equal(t, 60*time.Second, retryDelay(40))
}

func TestStartAndDrainLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	h.client.EXPECT().Health(gomock.Any()).Return(nil).AnyTimes()
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, h.consumer.Start(ctx))
	assert.True(t, h.consumer.Running())
	assert.Contains(t, h.consumer.Name(), "loader-")

	cancel()
	require.NoError(t, h.consumer.Drain(5*time.Second))
	assert.False(t, h.consumer.Running())
}
