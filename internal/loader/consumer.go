// Package loader consumes mapping payloads from the Redis stream and
// registers them with WireMock. One consumer instance is one member of the
// stream's consumer group; failed deliveries are retried with backoff and
// end up on the dead-letter stream when the budget runs out.
package loader

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/backup"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/queue"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/stub"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/telemetry"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/wiremock"
)

const (
	readBlock    = time.Second
	readErrPause = time.Second

	// Entries pending longer than reclaimMinIdle are assumed orphaned by a
	// dead consumer and are claimed back.
	reclaimInterval = 30 * time.Second
	reclaimMinIdle  = 5 * time.Minute
	reclaimBatch    = 100

	// Acknowledged entries older than the retention window are trimmed.
	retentionInterval = time.Hour
	retentionWindow   = 24 * time.Hour

	healthInterval = 30 * time.Second

	// retryDelayCap bounds the exponential redelivery backoff.
	retryDelayCap = 60 * time.Second
)

// Stats is a point-in-time snapshot of consumer counters.
type Stats struct {
	Consumer  string `json:"consumer"`
	Running   bool   `json:"running"`
	Processed int64  `json:"mappings_processed"`
	Failed    int64  `json:"mappings_failed"`
	Retried   int64  `json:"mappings_retried"`
	Reclaimed int64  `json:"messages_reclaimed"`
}

// Consumer reads the mapping stream as a consumer-group member and applies
// each mapping to WireMock, writing a backup copy first when a store is
// configured.
type Consumer struct {
	q          *queue.Queue
	client     wiremock.Client
	backups    *backup.Store // optional
	logger     *zap.Logger
	tracer     trace.Tracer
	name       string
	batchSize  int
	maxRetries int

	// sleep is the redelivery delay hook, stubbed in tests.
	sleep func(ctx context.Context, d time.Duration) error

	running   atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	reclaimed atomic.Int64

	wg sync.WaitGroup
}

func New(cfg *config.Config, q *queue.Queue, client wiremock.Client, backups *backup.Store, logger *zap.Logger) *Consumer {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return &Consumer{
		q:          q,
		client:     client,
		backups:    backups,
		logger:     logger,
		tracer:     otel.Tracer("loader"),
		name:       fmt.Sprintf("loader-%s-%s", hostname, uuid.NewString()[:8]),
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.QueueMaxRetries,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Name returns the consumer-group member name of this instance.
func (c *Consumer) Name() string { return c.name }

// Start registers the consumer group and launches the consume, reclaim,
// retention, and health loops. They all stop when ctx is cancelled; call
// Drain afterwards to wait for in-flight work.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.q.EnsureGroup(ctx); err != nil {
		return err
	}
	c.running.Store(true)
	c.logger.Info("consumer starting",
		zap.String("consumer", c.name),
		zap.String("stream", c.q.Stream()),
		zap.String("group", c.q.Group()),
	)

	loops := []func(context.Context){c.consumeLoop, c.reclaimLoop, c.retentionLoop, c.healthLoop}
	for _, loop := range loops {
		c.wg.Add(1)
		go func(run func(context.Context)) {
			defer c.wg.Done()
			run(ctx)
		}(loop)
	}
	return nil
}

// Drain blocks until all loops and in-flight messages finish, or the timeout
// elapses.
func (c *Consumer) Drain(timeout time.Duration) error {
	defer c.running.Store(false)
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("consumer drain timed out after %s", timeout)
	}
}

func (c *Consumer) Running() bool { return c.running.Load() }

func (c *Consumer) Stats() Stats {
	return Stats{
		Consumer:  c.name,
		Running:   c.running.Load(),
		Processed: c.processed.Load(),
		Failed:    c.failed.Load(),
		Retried:   c.retried.Load(),
		Reclaimed: c.reclaimed.Load(),
	}
}

// ── consume ──────────────────────────────────────────────────────────────

func (c *Consumer) consumeLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if err := c.consumeOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("stream read failed", zap.Error(err))
			_ = sleepCtx(ctx, readErrPause)
		}
	}
}

// consumeOnce reads one batch and processes its messages concurrently. It
// returns once every message of the batch reached an ack decision.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	msgs, err := c.q.ReadGroup(ctx, c.name, int64(c.batchSize), readBlock)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	if n, err := c.q.Len(ctx); err == nil {
		telemetry.LoaderQueueSize.Set(float64(n))
	}

	var wg sync.WaitGroup
	for i := range msgs {
		wg.Add(1)
		go func(msg queue.Message) {
			defer wg.Done()
			c.processMessage(ctx, msg)
		}(msgs[i])
	}
	wg.Wait()
	return nil
}

// processMessage applies one mapping. Every exit path either acks the
// message or deliberately leaves it pending for the reclaimer.
func (c *Consumer) processMessage(ctx context.Context, msg queue.Message) {
	start := time.Now()
	ctx, span := c.startSpan(ctx, msg)
	defer span.End()

	mapping, err := stub.Parse(msg.Mapping)
	if err != nil {
		c.handleFailure(ctx, msg, err, true)
		return
	}
	span.SetAttributes(attribute.String("mapping.id", mapping.ID))

	// Backup before the remote call: disk is the source of truth for
	// replays, a failed registration must still leave a copy behind.
	if c.backups != nil {
		if _, err := c.backups.WriteStub(mapping); err != nil {
			c.logger.Warn("backup write failed",
				zap.String("mapping_id", mapping.ID),
				zap.Error(err),
			)
		}
	}

	if err := c.client.CreateStub(ctx, mapping); err != nil {
		c.handleFailure(ctx, msg, err, wiremock.IsPermanent(err))
		return
	}

	if err := c.q.Ack(ctx, msg.StreamID); err != nil {
		// The stub exists; registration is idempotent by mapping id, so a
		// redelivery after this ack failure is harmless.
		c.logger.Warn("ack failed after successful create",
			zap.String("stream_id", msg.StreamID),
			zap.Error(err),
		)
		return
	}

	c.processed.Add(1)
	telemetry.LoaderMappingsProcessed.Inc()
	telemetry.LoaderProcessingSeconds.Observe(time.Since(start).Seconds())
	c.logger.Info("mapping registered",
		zap.String("mapping_id", mapping.ID),
		zap.String("stream_id", msg.StreamID),
		zap.Int("retry_count", msg.RetryCount),
	)
}

// handleFailure routes a failed message: permanent failures and exhausted
// budgets go to the DLQ, the rest is re-appended with an incremented retry
// count after an exponential delay.
func (c *Consumer) handleFailure(ctx context.Context, msg queue.Message, cause error, permanent bool) {
	if permanent || msg.RetryCount >= c.maxRetries {
		c.deadLetter(ctx, msg, cause, permanent)
		return
	}

	delay := retryDelay(msg.RetryCount)
	c.logger.Warn("mapping failed, scheduling retry",
		zap.String("stream_id", msg.StreamID),
		zap.Int("retry_count", msg.RetryCount),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)

	// An aborted sleep means shutdown: leave the message pending so the
	// reclaimer picks it up on the next start.
	if err := c.sleep(ctx, delay); err != nil {
		return
	}

	retry := msg
	retry.StreamID = ""
	retry.RetryCount = msg.RetryCount + 1
	retry.LastError = cause.Error()
	retry.RetryAt = time.Now().UTC()
	if _, err := c.q.Append(ctx, retry); err != nil {
		c.logger.Error("retry re-append failed, leaving message pending",
			zap.String("stream_id", msg.StreamID),
			zap.Error(err),
		)
		return
	}
	if err := c.q.Ack(ctx, msg.StreamID); err != nil {
		c.logger.Warn("ack failed after retry re-append", zap.String("stream_id", msg.StreamID), zap.Error(err))
	}

	c.retried.Add(1)
	telemetry.LoaderMappingsRetried.Inc()
}

func (c *Consumer) deadLetter(ctx context.Context, msg queue.Message, cause error, permanent bool) {
	rec := queue.DLQRecord{
		OriginalStreamID: msg.StreamID,
		FinalError:       cause.Error(),
		Timestamp:        time.Now().UTC(),
		Payload:          msg.Mapping,
		RequestHash:      msg.RequestHash,
		RetryCount:       msg.RetryCount,
	}
	if _, err := c.q.AppendDLQ(ctx, rec); err != nil {
		// Not acked: the entry stays pending and will be retried by the
		// reclaimer rather than silently lost.
		c.logger.Error("dead-letter append failed", zap.String("stream_id", msg.StreamID), zap.Error(err))
		return
	}
	if err := c.q.Ack(ctx, msg.StreamID); err != nil {
		c.logger.Warn("ack failed after dead-letter", zap.String("stream_id", msg.StreamID), zap.Error(err))
	}

	c.failed.Add(1)
	telemetry.LoaderMappingsFailed.Inc()
	c.logger.Error("mapping dead-lettered",
		zap.String("stream_id", msg.StreamID),
		zap.String("request_hash", msg.RequestHash),
		zap.Int("retry_count", msg.RetryCount),
		zap.Bool("permanent", permanent),
		zap.Error(cause),
	)
}

// retryDelay is 2^n seconds capped at retryDelayCap.
func retryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := time.Second << uint(retryCount)
	if d > retryDelayCap || d <= 0 {
		return retryDelayCap
	}
	return d
}

// ── reclaim ──────────────────────────────────────────────────────────────

func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.reclaimOnce(ctx); err != nil {
				if ctx.Err() == nil {
					c.logger.Error("reclaim pass failed", zap.Error(err))
				}
			} else if n > 0 {
				c.logger.Info("reclaimed stalled messages", zap.Int("count", n))
			}
		}
	}
}

// reclaimOnce claims entries that have been pending past reclaimMinIdle and
// runs them through the normal processing path.
func (c *Consumer) reclaimOnce(ctx context.Context) (int, error) {
	pending, err := c.q.Pending(ctx, reclaimBatch)
	if err != nil {
		return 0, err
	}

	var stalled []string
	for _, p := range pending {
		if p.Idle >= reclaimMinIdle {
			stalled = append(stalled, p.StreamID)
		}
	}
	if len(stalled) == 0 {
		return 0, nil
	}

	msgs, err := c.q.Claim(ctx, c.name, reclaimMinIdle, stalled)
	if err != nil {
		return 0, err
	}
	for i := range msgs {
		c.reclaimed.Add(1)
		c.processMessage(ctx, msgs[i])
	}
	return len(msgs), nil
}

// ── retention ────────────────────────────────────────────────────────────

func (c *Consumer) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.q.TrimBefore(ctx, time.Now().Add(-retentionWindow))
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Error("stream trim failed", zap.Error(err))
				}
				continue
			}
			if removed > 0 {
				c.logger.Info("trimmed aged stream entries", zap.Int64("removed", removed))
			}
		}
	}
}

// ── health ───────────────────────────────────────────────────────────────

func (c *Consumer) healthLoop(ctx context.Context) {
	c.probeHealth(ctx)
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probeHealth(ctx)
		}
	}
}

func (c *Consumer) probeHealth(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.client.Health(hctx); err != nil {
		telemetry.LoaderWireMockHealth.Set(0)
		c.logger.Warn("wiremock health probe failed", zap.Error(err))
		return
	}
	telemetry.LoaderWireMockHealth.Set(1)
}

// startSpan opens the processing span, linked to the producer's span when
// the message carries trace context.
func (c *Consumer) startSpan(ctx context.Context, msg queue.Message) (context.Context, trace.Span) {
	if msg.TraceID != "" && msg.SpanID != "" {
		tid, terr := trace.TraceIDFromHex(msg.TraceID)
		sid, serr := trace.SpanIDFromHex(msg.SpanID)
		if terr == nil && serr == nil {
			ctx = trace.ContextWithRemoteSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: tid,
				SpanID:  sid,
				Remote:  true,
			}))
		}
	}
	return c.tracer.Start(ctx, "loader.apply")
}
