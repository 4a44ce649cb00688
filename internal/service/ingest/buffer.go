// Package ingest batches processed spans into the relational store and runs
// evaluators over them once they are durable. A span's broker delivery is
// settled only after both steps, so a crash at any point leads to redelivery.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/queue"
	"github.com/ashita-ai/kansoku/internal/service/evaluate"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered spans. Append refuses
// spans beyond it and the consumer returns them to the broker.
const maxBufferCapacity = 100_000

// evaluateConcurrency bounds how many spans of one batch are evaluated at once.
const evaluateConcurrency = 8

// ErrBufferFull is returned by Append when the buffer is at capacity.
var ErrBufferFull = errors.New("ingest: buffer at capacity")

// SpanStore persists spans idempotently. *storage.DB implements it.
type SpanStore interface {
	InsertSpans(ctx context.Context, spans []model.Span) (int64, error)
}

// Evaluations runs evaluators over a stored span. *evaluate.Dispatcher
// implements it.
type Evaluations interface {
	Run(ctx context.Context, span model.Span) evaluate.Result
}

type entry struct {
	span     model.Span
	delivery *queue.Delivery
}

// Buffer accumulates processed spans in memory and writes them in batches
// when either the batch size or the flush timeout is reached.
type Buffer struct {
	store        SpanStore
	evals        Evaluations
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu      sync.Mutex
	entries []entry

	returned atomic.Int64 // spans nacked back to the broker after a failed flush
	refused  atomic.Int64 // spans dropped because Postgres rejected their values
	started  atomic.Bool

	flushed    metric.Int64Counter
	evalRetry  metric.Int64Counter
	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context // set by Drain so the final flush respects the caller's deadline
}

// NewBuffer creates a span buffer. evals may be nil, in which case spans are
// acknowledged as soon as they are stored.
func NewBuffer(store SpanStore, evals Evaluations, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Buffer {
	if maxSize <= 0 {
		maxSize = 1
	}
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}
	return &Buffer{
		store:        store,
		evals:        evals,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL metrics. Call
// Drain to stop. A second call is a no-op.
func (b *Buffer) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		b.logger.Warn("ingest: buffer already started")
		return
	}
	b.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	go b.flushLoop(loopCtx)
}

// Append queues a processed span together with the delivery that carried it.
// The buffer settles d after the span is stored and evaluated.
func (b *Buffer) Append(span model.Span, d *queue.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= maxBufferCapacity {
		return fmt.Errorf("%w (%d spans)", ErrBufferFull, len(b.entries))
	}
	b.entries = append(b.entries, entry{span: span, delivery: d})

	if len(b.entries) >= b.maxSize {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Buffer) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(b.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx := b.drainCtx
			var cancel context.CancelFunc = func() {}
			if finalCtx == nil {
				finalCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
			}
			b.flush(finalCtx)
			b.returnAll()
			cancel()
			close(b.done)
			return
		case <-ticker.C:
			b.flush(ctx)
		case <-b.flushCh:
			b.flush(ctx)
		}
	}
}

func (b *Buffer) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.entries
	b.entries = nil
	b.mu.Unlock()

	spans := make([]model.Span, len(batch))
	for i, e := range batch {
		spans[i] = e.span
	}

	start := time.Now()
	inserted, err := b.store.InsertSpans(ctx, spans)
	duration := time.Since(start)

	if err != nil && storage.IsDataError(err) {
		b.logger.Warn("ingest: batch refused by postgres, inserting spans one by one",
			"error", err, "batch_size", len(batch))
		b.isolate(ctx, batch)
		return
	}
	if err != nil {
		b.logger.Error("ingest: flush failed", "error", err, "batch_size", len(batch))
		b.mu.Lock()
		if len(b.entries)+len(batch) <= maxBufferCapacity {
			b.entries = append(batch, b.entries...)
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		b.logger.Error("ingest: returning spans to broker, buffer at capacity after flush failure", "returned", len(batch))
		b.nackAll(batch)
		return
	}

	b.flushed.Add(ctx, inserted)
	b.logger.Info("ingest: batch flushed",
		"batch_size", len(batch),
		"inserted", inserted,
		"flush_duration_ms", duration.Milliseconds(),
	)

	b.settle(ctx, batch)
}

// isolate inserts the spans of a refused batch one at a time so a single bad
// span cannot hold back the rest. Spans that still fail on their values are
// dropped from the broker. Any other failure returns the remainder for
// redelivery.
func (b *Buffer) isolate(ctx context.Context, batch []entry) {
	stored := make([]entry, 0, len(batch))
	var inserted int64
	for i, e := range batch {
		n, err := b.store.InsertSpans(ctx, []model.Span{e.span})
		if err == nil {
			inserted += n
			stored = append(stored, e)
			continue
		}
		if !storage.IsDataError(err) {
			b.logger.Error("ingest: isolated insert failed", "span_id", e.span.ID, "error", err)
			b.nackAll(batch[i:])
			break
		}
		b.refused.Add(1)
		b.logger.Error("ingest: dropping span postgres cannot store", "span_id", e.span.ID, "error", err)
		if err := e.delivery.Nack(false); err != nil {
			b.logger.Error("ingest: nack failed", "span_id", e.span.ID, "error", err)
		}
	}
	b.flushed.Add(ctx, inserted)
	b.settle(ctx, stored)
}

// settle evaluates each stored span and then acknowledges its delivery.
// A span whose label writes may succeed on another attempt is nacked with
// requeue instead; its stored row is unaffected by the redelivery.
func (b *Buffer) settle(ctx context.Context, batch []entry) {
	var g errgroup.Group
	g.SetLimit(evaluateConcurrency)
	for _, e := range batch {
		g.Go(func() error {
			if b.evals != nil {
				res := b.evals.Run(ctx, e.span)
				if res.Retry {
					b.evalRetry.Add(ctx, 1)
					b.logger.Warn("ingest: label writes failed, requeueing span",
						"span_id", e.span.ID, "failures", len(res.Failures))
					if err := e.delivery.Nack(true); err != nil {
						b.logger.Error("ingest: nack failed", "span_id", e.span.ID, "error", err)
					}
					return nil
				}
			}
			if err := e.delivery.Ack(); err != nil {
				b.logger.Error("ingest: ack failed", "span_id", e.span.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (b *Buffer) nackAll(batch []entry) {
	b.returned.Add(int64(len(batch)))
	for _, e := range batch {
		if err := e.delivery.Nack(true); err != nil {
			b.logger.Error("ingest: nack failed", "span_id", e.span.ID, "error", err)
		}
	}
}

// returnAll hands every span still buffered back to the broker.
func (b *Buffer) returnAll() {
	b.mu.Lock()
	rest := b.entries
	b.entries = nil
	b.mu.Unlock()
	if len(rest) > 0 {
		b.logger.Warn("ingest: returning unflushed spans to broker", "count", len(rest))
		b.nackAll(rest)
	}
}

// Drain signals the background flush loop to stop, waits for its final flush
// and returns. Spans that could not be stored by then are nacked with
// requeue. ctx bounds both the wait and the final flush.
func (b *Buffer) Drain(ctx context.Context) {
	if b.cancelLoop == nil {
		return
	}
	b.drainCtx = ctx
	b.cancelLoop()
	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("ingest: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for buffer health monitoring.
func (b *Buffer) registerMetrics() {
	meter := telemetry.Meter()

	b.flushed, _ = meter.Int64Counter("kansoku.ingest.spans_stored_total",
		metric.WithDescription("Spans newly inserted by buffer flushes"))
	b.evalRetry, _ = meter.Int64Counter("kansoku.ingest.requeued_total",
		metric.WithDescription("Stored spans requeued because label writes failed"),
	)

	_, _ = meter.Int64ObservableGauge("kansoku.ingest.buffer.depth",
		metric.WithDescription("Current number of spans in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(b.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kansoku.ingest.buffer.refused_total",
		metric.WithDescription("Spans dropped because Postgres rejected their values"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Refused())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kansoku.ingest.buffer.returned_total",
		metric.WithDescription("Spans returned to the broker after a failed flush"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Returned(), metric.WithAttributes(attribute.String("reason", "flush_failed")))
			return nil
		}),
	)
}

// Len returns the current number of buffered spans.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Capacity returns the hard upper limit on buffered spans.
func (b *Buffer) Capacity() int {
	return maxBufferCapacity
}

// Returned is the number of spans nacked back to the broker because they
// could not be stored.
func (b *Buffer) Returned() int64 {
	return b.returned.Load()
}

// Refused is the number of spans dropped because Postgres rejected their
// values.
func (b *Buffer) Refused() int64 {
	return b.refused.Load()
}
