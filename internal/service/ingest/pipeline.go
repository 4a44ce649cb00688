package ingest

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/queue"
	"github.com/ashita-ai/kansoku/internal/service/processor"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// SpanProcessor normalizes a raw span. *processor.Processor implements it.
type SpanProcessor interface {
	Process(raw model.Span) (model.Span, error)
}

// Pipeline is the consumer-side handler: it processes each delivered span
// and hands the result to the buffer, which settles the delivery later.
type Pipeline struct {
	proc   SpanProcessor
	buffer *Buffer
	logger *slog.Logger

	dropped metric.Int64Counter
}

// NewPipeline creates a pipeline feeding buffer.
func NewPipeline(proc SpanProcessor, buffer *Buffer, logger *slog.Logger) *Pipeline {
	dropped, _ := telemetry.Meter().Int64Counter("kansoku.ingest.dropped_total",
		metric.WithDescription("Delivered spans dropped as invalid or over limits"))
	return &Pipeline{proc: proc, buffer: buffer, logger: logger, dropped: dropped}
}

// Handle implements queue.Handler. Spans the processor refuses would be
// refused again on redelivery, so they are dropped without requeue.
func (p *Pipeline) Handle(ctx context.Context, d *queue.Delivery) error {
	span, err := p.proc.Process(d.Span)
	if err != nil {
		if !errors.Is(err, processor.ErrInvalidSpan) && !errors.Is(err, processor.ErrLimitExceeded) {
			return err
		}
		reason := "invalid"
		if errors.Is(err, processor.ErrLimitExceeded) {
			reason = "limit_exceeded"
		}
		p.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		p.logger.Warn("ingest: dropping span", "span_id", d.Span.ID, "project_id", d.Span.ProjectID, "error", err)
		if err := d.Nack(false); err != nil {
			p.logger.Warn("ingest: nack failed", "span_id", d.Span.ID, "error", err)
		}
		return nil
	}
	return p.buffer.Append(span, d)
}

// Handler returns Handle as a queue.Handler.
func (p *Pipeline) Handler() queue.Handler {
	return p.Handle
}
