// Package pipeline turns captured traffic into queued WireMock mappings.
// The processor drains the ingest buffer in small batches, sanitizes each
// pair, drops duplicates via the fingerprint index, and appends the built
// mapping to the Redis stream for the loader.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/capture"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/config"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/dedup"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/queue"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/sanitize"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/stub"
	"github.com/gabriellacanna/Backend-Moockado-Automatico/internal/telemetry"
)

// flushTimeout bounds the final drain when the processor is shutting down
// and its parent context is already gone.
const flushTimeout = 10 * time.Second

// enqueueBackoffCap is the ceiling for the append retry backoff. Appends
// retry until the context dies: a full or unreachable Redis must slow the
// pipeline down, not lose mappings.
const enqueueBackoffCap = 5 * time.Second

// Stats is a point-in-time snapshot of processor counters.
type Stats struct {
	Processed      int64 `json:"requests_processed"`
	Duplicates     int64 `json:"requests_duplicated"`
	BuildFailures  int64 `json:"build_failures"`
	DedupErrors    int64 `json:"dedup_errors"`
	EnqueueRetries int64 `json:"enqueue_retries"`
	Truncated      int64 `json:"bodies_truncated"`
}

// Processor consumes TrafficEvents and emits mapping payloads to the queue.
type Processor struct {
	cfg       *config.Config
	sanitizer *sanitize.Sanitizer
	index     dedup.Index
	q         *queue.Queue
	in        <-chan capture.TrafficEvent
	logger    *zap.Logger
	tracer    trace.Tracer

	processed      atomic.Int64
	duplicates     atomic.Int64
	buildFailures  atomic.Int64
	dedupErrors    atomic.Int64
	enqueueRetries atomic.Int64
	truncated      atomic.Int64
}

func New(cfg *config.Config, sanitizer *sanitize.Sanitizer, index dedup.Index, q *queue.Queue, in <-chan capture.TrafficEvent, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:       cfg,
		sanitizer: sanitizer,
		index:     index,
		q:         q,
		in:        in,
		logger:    logger,
		tracer:    otel.Tracer("pipeline"),
	}
}

// Run drains the input channel until it closes or ctx is cancelled. Events
// are flushed in batches of BatchSize, or after BatchTimeout counted from
// the first event of the batch. The remainder is flushed on the way out
// under a fresh deadline so shutdown cannot drop buffered captures.
func (p *Processor) Run(ctx context.Context) {
	batchTimeout := time.Duration(p.cfg.BatchTimeout * float64(time.Second))
	batch := make([]capture.TrafficEvent, 0, p.cfg.BatchSize)

	timer := time.NewTimer(batchTimeout)
	if !timer.Stop() {
		<-timer.C
	}
	timerLive := false

	finish := func() {
		if len(batch) == 0 {
			return
		}
		dctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		p.flush(dctx, batch)
	}

	for {
		telemetry.CollectorQueueSize.Set(float64(len(p.in)))

		select {
		case <-ctx.Done():
			finish()
			return

		case ev, ok := <-p.in:
			if !ok {
				finish()
				return
			}
			batch = append(batch, ev)
			if len(batch) == 1 {
				timer.Reset(batchTimeout)
				timerLive = true
			}
			if len(batch) >= p.cfg.BatchSize {
				if timerLive && !timer.Stop() {
					<-timer.C
				}
				timerLive = false
				p.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-timer.C:
			timerLive = false
			p.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

// flush processes one batch concurrently and waits for it to finish. Batch
// size is capped by config, so the fan-out stays small.
func (p *Processor) flush(ctx context.Context, batch []capture.TrafficEvent) {
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(ev capture.TrafficEvent) {
			defer wg.Done()
			p.processEvent(ctx, ev)
		}(batch[i])
	}
	wg.Wait()
}

func (p *Processor) processEvent(ctx context.Context, ev capture.TrafficEvent) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	defer span.End()

	p.truncateBodies(&ev)

	sreq := p.sanitizer.SanitizeRequest(ev.Request)
	sresp := p.sanitizer.SanitizeResponse(ev.Response)

	fingerprint := dedup.Fingerprint(sreq)
	span.SetAttributes(
		attribute.String("http.method", sreq.Method),
		attribute.String("http.path", sreq.Path),
		attribute.String("fingerprint", fingerprint),
	)

	seen, err := p.index.Seen(ctx, fingerprint)
	if err != nil {
		// Fail open: a degraded index produces duplicate mocks, not holes.
		p.dedupErrors.Add(1)
		p.logger.Warn("dedup lookup failed, treating as unseen",
			zap.String("fingerprint", fingerprint),
			zap.Error(err),
		)
	}
	if seen {
		p.duplicates.Add(1)
		telemetry.CollectorRequestsDuplicated.Inc()
		return
	}

	mapping, err := stub.Build(sreq, sresp, fingerprint, ev.CapturedAt)
	if err != nil {
		p.buildFailures.Add(1)
		telemetry.CollectorRequestsErrors.Inc()
		p.logger.Warn("mapping build failed",
			zap.String("method", sreq.Method),
			zap.String("path", sreq.Path),
			zap.Error(err),
		)
		return
	}

	if err := p.index.Mark(ctx, fingerprint, map[string]string{
		"mapping_id": mapping.ID,
		"method":     sreq.Method,
		"path":       sreq.Path,
	}); err != nil {
		p.logger.Warn("dedup mark failed", zap.String("fingerprint", fingerprint), zap.Error(err))
	}

	payload, err := json.Marshal(mapping)
	if err != nil {
		p.buildFailures.Add(1)
		telemetry.CollectorRequestsErrors.Inc()
		p.logger.Error("mapping marshal failed", zap.String("mapping_id", mapping.ID), zap.Error(err))
		return
	}

	if err := p.enqueue(ctx, queue.Message{
		Mapping:     payload,
		RequestHash: fingerprint,
		EnqueuedAt:  time.Now().UTC(),
		TraceID:     spanTraceID(span),
		SpanID:      spanSpanID(span),
	}); err != nil {
		telemetry.CollectorRequestsErrors.Inc()
		p.logger.Error("mapping enqueue abandoned",
			zap.String("mapping_id", mapping.ID),
			zap.Error(err),
		)
		return
	}

	p.processed.Add(1)
	telemetry.CollectorRequestsProcessed.Inc()
	telemetry.CollectorProcessingSeconds.Observe(time.Since(start).Seconds())
	p.logger.Debug("mapping enqueued",
		zap.String("mapping_id", mapping.ID),
		zap.String("method", sreq.Method),
		zap.String("path", sreq.Path),
	)
}

// enqueue appends with capped exponential backoff for as long as the context
// lives. The buffer upstream fills while this blocks, which is the intended
// backpressure path.
func (p *Processor) enqueue(ctx context.Context, msg queue.Message) error {
	backoff := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		_, err := p.q.Append(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.enqueueRetries.Add(1)
		if attempt%10 == 0 {
			p.logger.Warn("queue append failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < enqueueBackoffCap {
			backoff *= 2
		}
	}
}

// truncateBodies enforces the configured body ceiling before sanitization so
// oversized payloads cannot blow up JSON re-encoding downstream.
func (p *Processor) truncateBodies(ev *capture.TrafficEvent) {
	limit := p.cfg.BodySizeLimit
	if limit <= 0 {
		return
	}
	if len(ev.Request.Body) > limit {
		ev.Request.Body = ev.Request.Body[:limit]
		ev.Request.BodyTruncated = true
		p.truncated.Add(1)
	}
	if len(ev.Response.Body) > limit {
		ev.Response.Body = ev.Response.Body[:limit]
		ev.Response.BodyTruncated = true
		p.truncated.Add(1)
	}
}

func (p *Processor) Stats() Stats {
	return Stats{
		Processed:      p.processed.Load(),
		Duplicates:     p.duplicates.Load(),
		BuildFailures:  p.buildFailures.Load(),
		DedupErrors:    p.dedupErrors.Load(),
		EnqueueRetries: p.enqueueRetries.Load(),
		Truncated:      p.truncated.Load(),
	}
}

func spanTraceID(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func spanSpanID(span trace.Span) string {
	if sc := span.SpanContext(); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}
