package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Producer publishes spans to the ingestion channel with publisher confirms.
// It is safe for concurrent use. A lost connection is re-established on the
// next Publish.
type Producer struct {
	url     string
	topo    Topology
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	opens singleflight.Group

	published metric.Int64Counter
	failed    metric.Int64Counter
}

// NewProducer connects to the broker at url and declares topo. Connecting is
// bounded by publishTimeout.
func NewProducer(url string, topo Topology, publishTimeout time.Duration, logger *slog.Logger) (*Producer, error) {
	p := newProducer(url, topo, publishTimeout, logger)
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if _, err := p.channel(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func newProducer(url string, topo Topology, publishTimeout time.Duration, logger *slog.Logger) *Producer {
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	meter := telemetry.Meter()
	published, _ := meter.Int64Counter("kansoku.queue.published_total",
		metric.WithDescription("Spans confirmed by the broker"))
	failed, _ := meter.Int64Counter("kansoku.queue.publish_failures_total",
		metric.WithDescription("Spans the broker did not confirm"))

	return &Producer{
		url:       url,
		topo:      topo,
		timeout:   publishTimeout,
		logger:    logger,
		published: published,
		failed:    failed,
	}
}

// Publish encodes span and waits until the broker confirms it, bounded by the
// publish timeout. Any failure to obtain a positive confirm wraps
// ErrChannelUnavailable; the span has then not been accepted.
func (p *Producer) Publish(ctx context.Context, span model.Span) error {
	ctx, sp := telemetry.Tracer().Start(ctx, "queue.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", p.topo.Exchange()),
			attribute.String("kansoku.span_id", span.ID.String()),
		),
	)
	defer sp.End()

	err := p.publish(ctx, span)
	if err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, "publish failed")
		p.failed.Add(ctx, 1)
		return err
	}
	p.published.Add(ctx, 1)
	return nil
}

func (p *Producer) publish(ctx context.Context, span model.Span) error {
	body, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("queue: encode span %s: %w", span.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		p.topo.Exchange(), p.topo.RoutingKey(), false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    span.ID.String(),
			Timestamp:    time.Now().UTC(),
			Headers:      injectTrace(ctx),
			Body:         body,
		},
	)
	if err != nil {
		p.invalidate(ch)
		return fmt.Errorf("%w: publish span %s: %w", ErrChannelUnavailable, span.ID, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: confirm span %s: %w", ErrChannelUnavailable, span.ID, err)
	}
	if !acked {
		return fmt.Errorf("%w: broker nacked span %s", ErrChannelUnavailable, span.ID)
	}
	return nil
}

// channel returns the open confirm-mode channel, opening one if needed.
// Concurrent callers share a single open and each stops waiting when its
// ctx is done.
func (p *Producer) channel(ctx context.Context) (*amqp.Channel, error) {
	p.mu.Lock()
	if p.ch != nil && !p.ch.IsClosed() {
		ch := p.ch
		p.mu.Unlock()
		return ch, nil
	}
	p.mu.Unlock()

	res := p.opens.DoChan("channel", func() (any, error) { return p.open() })
	select {
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*amqp.Channel), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: open channel: %w", ErrChannelUnavailable, ctx.Err())
	}
}

// open dials a connection if needed and opens a confirm-mode channel on it.
// The network round trips run without p.mu so Healthy and Close never wait
// on an unresponsive broker. The dial and AMQP handshake are bounded by the
// publish timeout.
func (p *Producer) open() (*amqp.Channel, error) {
	p.mu.Lock()
	if p.ch != nil && !p.ch.IsClosed() {
		ch := p.ch
		p.mu.Unlock()
		return ch, nil
	}
	conn := p.conn
	p.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		var err error
		conn, err = amqp.DialConfig(p.url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(p.timeout),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: dial: %w", ErrChannelUnavailable, err)
		}
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %w", ErrChannelUnavailable, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: enable confirms: %w", ErrChannelUnavailable, err)
	}
	if err := p.topo.Declare(ch); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}

	p.mu.Lock()
	p.ch = ch
	p.mu.Unlock()
	p.logger.Info("queue: producer channel open", "topology", p.topo.String())
	return ch, nil
}

// invalidate drops ch so the next Publish opens a fresh channel.
func (p *Producer) invalidate(ch *amqp.Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == ch {
		_ = ch.Close()
		p.ch = nil
	}
}

// Healthy reports whether the producer currently holds an open connection.
func (p *Producer) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed()
}

// Close closes the channel and connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("queue: close producer: %w", err)
		}
	}
	return nil
}
