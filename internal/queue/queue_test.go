package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "wiremock_mappings", "wiremock_loader", zaptest.NewLogger(t)), mr
}

func TestEnsureGroupIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnsureGroup(ctx))
	// Second call hits BUSYGROUP and must be tolerated.
	require.NoError(t, q.EnsureGroup(ctx))
}

func TestAppendAndReadGroupRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx))

	enqueued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	id, err := q.Append(ctx, Message{
		Mapping:     []byte(`{"id":"abc"}`),
		RequestHash: "abc",
		EnqueuedAt:  enqueued,
		TraceID:     "0af7651916cd43dd8448eb211c80319c",
		SpanID:      "b7ad6b7169203331",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := q.ReadGroup(ctx, "loader-test-1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got := msgs[0]
	assert.Equal(t, id, got.StreamID)
	assert.Equal(t, []byte(`{"id":"abc"}`), got.Mapping)
	assert.Equal(t, "abc", got.RequestHash)
	assert.True(t, got.EnqueuedAt.Equal(enqueued))
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", got.TraceID)
	assert.Equal(t, "b7ad6b7169203331", got.SpanID)
}

func TestReadGroupEmptyStreamReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx))

	msgs, err := q.ReadGroup(ctx, "loader-test-1", 10, time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestAckRemovesFromPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx))

	id, err := q.Append(ctx, Message{Mapping: []byte(`{}`), RequestHash: "h"})
	require.NoError(t, err)

	msgs, err := q.ReadGroup(ctx, "loader-test-1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	pending, err := q.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].StreamID)
	assert.Equal(t, "loader-test-1", pending[0].Consumer)

	require.NoError(t, q.Ack(ctx, id))

	pending, err = q.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClaimTransfersStalledEntry(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx))

	_, err := q.Append(ctx, Message{Mapping: []byte(`{"id":"x"}`), RequestHash: "x"})
	require.NoError(t, err)

	// Deliver to a consumer that then disappears without acking.
	msgs, err := q.ReadGroup(ctx, "loader-dead", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// miniredis ages stream pending entries via SetTime; FastForward only
	// moves key TTLs.
	mr.SetTime(time.Now().Add(6 * time.Minute))

	pending, err := q.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.GreaterOrEqual(t, pending[0].Idle, 5*time.Minute)

	claimed, err := q.Claim(ctx, "loader-live", 5*time.Minute, []string{pending[0].StreamID})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, []byte(`{"id":"x"}`), claimed[0].Mapping)

	pending, err = q.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "loader-live", pending[0].Consumer)
}

func TestClaimBelowMinIdleReturnsNothing(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx))

	_, err := q.Append(ctx, Message{Mapping: []byte(`{}`), RequestHash: "y"})
	require.NoError(t, err)

	msgs, err := q.ReadGroup(ctx, "loader-a", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	claimed, err := q.Claim(ctx, "loader-b", 5*time.Minute, []string{msgs[0].StreamID})
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestRetryFieldsSurviveReAppend(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx))

	retryAt := time.Date(2025, 6, 1, 12, 0, 5, 0, time.UTC)
	_, err := q.Append(ctx, Message{
		Mapping:     []byte(`{"id":"r"}`),
		RequestHash: "r",
		RetryCount:  2,
		LastError:   "wiremock returned 503",
		RetryAt:     retryAt,
	})
	require.NoError(t, err)

	msgs, err := q.ReadGroup(ctx, "loader-test-1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].RetryCount)
	assert.Equal(t, "wiremock returned 503", msgs[0].LastError)
	assert.True(t, msgs[0].RetryAt.Equal(retryAt))
}

func TestAppendDLQ(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.AppendDLQ(ctx, DLQRecord{
		OriginalStreamID: "1718000000000-0",
		FinalError:       "wiremock returned 400",
		Payload:          []byte(`{"id":"dead"}`),
		RequestHash:      "dead",
		RetryCount:       3,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := q.DLQLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// The main stream is untouched.
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDecodeToleratesForeignEntries(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.EnsureGroup(ctx))

	// An entry written by some other producer, missing most fields.
	_, err := mr.XAdd("wiremock_mappings", "*", []string{"mapping", `{"id":"m"}`, "retry_count", "not-a-number"})
	require.NoError(t, err)

	msgs, err := q.ReadGroup(ctx, "loader-test-1", 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte(`{"id":"m"}`), msgs[0].Mapping)
	assert.Equal(t, 0, msgs[0].RetryCount)
	assert.True(t, msgs[0].EnqueuedAt.IsZero())
}
