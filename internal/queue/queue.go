// Package queue wraps one Redis stream, its consumer group, and the sibling
// dead-letter stream. The collector appends mapping documents; the loader
// reads them through the group so delivery is at-least-once and survives
// consumer restarts.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Entry field names on the mapping stream.
const (
	fieldMapping     = "mapping"
	fieldRequestHash = "request_hash"
	fieldEnqueuedAt  = "enqueued_at"
	fieldRetryCount  = "retry_count"
	fieldLastError   = "last_error"
	fieldRetryAt     = "retry_at"
	fieldTraceID     = "trace_id"
	fieldSpanID      = "span_id"
)

// Entry field names on the dead-letter stream.
const (
	fieldOriginalStreamID = "original_stream_id"
	fieldOriginalPayload  = "original_payload"
	fieldFinalError       = "final_error"
	fieldDLQTimestamp     = "dlq_timestamp"
)

// Message is one mapping in flight on the stream. Mapping holds the stub
// document as JSON; RetryCount, LastError and RetryAt accumulate across
// re-deliveries.
type Message struct {
	StreamID    string
	Mapping     []byte
	RequestHash string
	EnqueuedAt  time.Time
	RetryCount  int
	LastError   string
	RetryAt     time.Time
	TraceID     string
	SpanID      string
}

// DLQRecord preserves a message that exhausted its retry budget, or failed
// permanently, for forensic review.
type DLQRecord struct {
	OriginalStreamID string
	FinalError       string
	Timestamp        time.Time
	Payload          []byte
	RequestHash      string
	RetryCount       int
}

// PendingEntry describes a delivered-but-unacknowledged stream entry, as
// reported by XPENDING.
type PendingEntry struct {
	StreamID   string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Queue is the producer/consumer handle over one stream and group.
type Queue struct {
	rdb    redis.Cmdable
	stream string
	group  string
	logger *zap.Logger
}

// New wires a queue over an established Redis client. It performs no I/O;
// call EnsureGroup before consuming.
func New(rdb redis.Cmdable, stream, group string, logger *zap.Logger) *Queue {
	return &Queue{rdb: rdb, stream: stream, group: group, logger: logger}
}

func (q *Queue) Stream() string { return q.stream }
func (q *Queue) Group() string  { return q.group }

// DLQ returns the dead-letter stream name.
func (q *Queue) DLQ() string { return q.stream + ":dlq" }

// EnsureGroup creates the consumer group, and the stream itself when absent.
// An already-existing group is not an error.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on stream %s: %w", q.group, q.stream, err)
	}
	return nil
}

// Append adds a message to the stream and returns its stream ID. EnqueuedAt
// defaults to now when unset.
func (q *Queue) Append(ctx context.Context, msg Message) (string, error) {
	enqueuedAt := msg.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now().UTC()
	}

	values := map[string]interface{}{
		fieldMapping:     msg.Mapping,
		fieldRequestHash: msg.RequestHash,
		fieldEnqueuedAt:  enqueuedAt.UTC().Format(time.RFC3339Nano),
		fieldRetryCount:  strconv.Itoa(msg.RetryCount),
	}
	if msg.LastError != "" {
		values[fieldLastError] = msg.LastError
	}
	if !msg.RetryAt.IsZero() {
		values[fieldRetryAt] = msg.RetryAt.UTC().Format(time.RFC3339Nano)
	}
	if msg.TraceID != "" {
		values[fieldTraceID] = msg.TraceID
	}
	if msg.SpanID != "" {
		values[fieldSpanID] = msg.SpanID
	}

	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("append to stream %s: %w", q.stream, err)
	}
	return id, nil
}

// ReadGroup fetches up to count new messages for the named consumer, blocking
// up to block. A wait that expires with nothing to read returns (nil, nil).
func (q *Queue) ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s on stream %s: %w", q.group, q.stream, err)
	}

	var out []Message
	for _, stream := range res {
		for _, xm := range stream.Messages {
			out = append(out, decode(xm))
		}
	}
	return out, nil
}

// Ack removes delivered entries from the group's pending list.
func (q *Queue) Ack(ctx context.Context, streamIDs ...string) error {
	if len(streamIDs) == 0 {
		return nil
	}
	if err := q.rdb.XAck(ctx, q.stream, q.group, streamIDs...).Err(); err != nil {
		return fmt.Errorf("ack %v on stream %s: %w", streamIDs, q.stream, err)
	}
	return nil
}

// Pending lists up to count unacknowledged entries across all consumers in
// the group, oldest first.
func (q *Queue) Pending(ctx context.Context, count int64) ([]PendingEntry, error) {
	res, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("pending on stream %s: %w", q.stream, err)
	}

	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			StreamID:   p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

// Claim transfers ownership of the given entries to consumer, provided they
// have been idle at least minIdle, and returns their payloads for
// reprocessing. Entries trimmed in the meantime are skipped.
func (q *Queue) Claim(ctx context.Context, consumer string, minIdle time.Duration, streamIDs []string) ([]Message, error) {
	if len(streamIDs) == 0 {
		return nil, nil
	}
	res, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: streamIDs,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim on stream %s: %w", q.stream, err)
	}

	out := make([]Message, 0, len(res))
	for _, xm := range res {
		out = append(out, decode(xm))
	}
	return out, nil
}

// TrimBefore drops entries older than cutoff from the stream and returns the
// number removed. Pending entries still referenced by the group are dropped
// too, so the retention window must exceed the retry ceiling.
func (q *Queue) TrimBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	minID := fmt.Sprintf("%d-0", cutoff.UnixMilli())
	n, err := q.rdb.XTrimMinID(ctx, q.stream, minID).Result()
	if err != nil {
		return 0, fmt.Errorf("trim stream %s before %s: %w", q.stream, minID, err)
	}
	return n, nil
}

// AppendDLQ records a given-up message on the dead-letter stream.
func (q *Queue) AppendDLQ(ctx context.Context, rec DLQRecord) (string, error) {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DLQ(),
		Values: map[string]interface{}{
			fieldOriginalStreamID: rec.OriginalStreamID,
			fieldOriginalPayload:  rec.Payload,
			fieldFinalError:       rec.FinalError,
			fieldDLQTimestamp:     ts.UTC().Format(time.RFC3339Nano),
			fieldRequestHash:      rec.RequestHash,
			fieldRetryCount:       strconv.Itoa(rec.RetryCount),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to dead-letter stream %s: %w", q.DLQ(), err)
	}
	return id, nil
}

// Len returns the number of entries currently on the stream.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("len of stream %s: %w", q.stream, err)
	}
	return n, nil
}

// DLQLen returns the number of entries on the dead-letter stream.
func (q *Queue) DLQLen(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.DLQ()).Result()
	if err != nil {
		return 0, fmt.Errorf("len of dead-letter stream %s: %w", q.DLQ(), err)
	}
	return n, nil
}

// Ping verifies the backend is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// decode rebuilds a Message from raw stream values. Missing or malformed
// fields degrade to zero values; the mapping payload itself is validated by
// the consumer, not here.
func decode(xm redis.XMessage) Message {
	msg := Message{StreamID: xm.ID}
	if v, ok := xm.Values[fieldMapping].(string); ok {
		msg.Mapping = []byte(v)
	}
	if v, ok := xm.Values[fieldRequestHash].(string); ok {
		msg.RequestHash = v
	}
	if v, ok := xm.Values[fieldEnqueuedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.EnqueuedAt = t
		}
	}
	if v, ok := xm.Values[fieldRetryCount].(string); ok {
		if n, err := strconv.Atoi(v); err == nil {
			msg.RetryCount = n
		}
	}
	if v, ok := xm.Values[fieldLastError].(string); ok {
		msg.LastError = v
	}
	if v, ok := xm.Values[fieldRetryAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.RetryAt = t
		}
	}
	if v, ok := xm.Values[fieldTraceID].(string); ok {
		msg.TraceID = v
	}
	if v, ok := xm.Values[fieldSpanID].(string); ok {
		msg.SpanID = v
	}
	return msg
}
