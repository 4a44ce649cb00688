package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Acknowledger settles one delivery with the broker.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

// Delivery is a decoded span that the broker is waiting to have settled.
// Settle it exactly once with Ack or Nack; later calls are ignored.
type Delivery struct {
	Span        model.Span
	Redelivered bool

	ack  Acknowledger
	once sync.Once
}

// NewDelivery wraps span with the acknowledger that settles it.
func NewDelivery(span model.Span, redelivered bool, ack Acknowledger) *Delivery {
	return &Delivery{Span: span, Redelivered: redelivered, ack: ack}
}

// Ack tells the broker the span is fully handled.
func (d *Delivery) Ack() error {
	err := errAlreadySettled
	d.once.Do(func() { err = d.ack.Ack() })
	return ignoreSettled(err)
}

// Nack returns the span to the broker. With requeue it will be delivered
// again, possibly to another consumer.
func (d *Delivery) Nack(requeue bool) error {
	err := errAlreadySettled
	d.once.Do(func() { err = d.ack.Nack(requeue) })
	return ignoreSettled(err)
}

var errAlreadySettled = errors.New("queue: delivery already settled")

func ignoreSettled(err error) error {
	if errors.Is(err, errAlreadySettled) {
		return nil
	}
	return err
}

// Handler takes ownership of a delivery. Returning nil means the handler will
// settle d, now or later. Returning an error makes the consumer nack d with
// requeue.
type Handler func(ctx context.Context, d *Delivery) error

type amqpAck struct{ d amqp.Delivery }

func (a amqpAck) Ack() error              { return a.d.Ack(false) }
func (a amqpAck) Nack(requeue bool) error { return a.d.Nack(false, requeue) }

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	URL      string
	Topology Topology
	Prefetch int
	// BaseDelay and MaxDelay bound the reconnect backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Consumer reads spans from the topology's queue with manual acknowledgement.
// Several consumers may share a queue; the broker balances deliveries
// between them.
type Consumer struct {
	cfg    ConsumerConfig
	tag    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection

	received metric.Int64Counter
	rejected metric.Int64Counter
}

// NewConsumer returns a consumer. It does not connect until Run.
func NewConsumer(cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	meter := telemetry.Meter()
	received, _ := meter.Int64Counter("kansoku.queue.received_total",
		metric.WithDescription("Deliveries decoded and handed to the handler"))
	rejected, _ := meter.Int64Counter("kansoku.queue.rejected_total",
		metric.WithDescription("Deliveries dropped as malformed"))

	return &Consumer{
		cfg:      cfg,
		tag:      "kansoku-" + uuid.NewString()[:8],
		logger:   logger.With("consumer", "kansoku"),
		received: received,
		rejected: rejected,
	}
}

// Run consumes until ctx is cancelled, reconnecting with exponential backoff
// whenever the connection or channel is lost. On cancellation it stops new
// deliveries but leaves the connection open so in-flight deliveries can still
// be settled; call Close after they are.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	delay := c.cfg.BaseDelay
	for {
		connected, err := c.consume(ctx, h)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = c.cfg.BaseDelay
		}
		c.logger.Warn("queue: consumer disconnected, reconnecting", "error", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(delay*2, c.cfg.MaxDelay)
	}
}

// consume runs one connection lifetime. connected reports whether the
// subscription was established before the failure.
func (c *Consumer) consume(ctx context.Context, h Handler) (connected bool, err error) {
	conn, err := c.dial()
	if err != nil {
		return false, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return false, fmt.Errorf("%w: open channel: %w", ErrChannelUnavailable, err)
	}
	msgs, err := c.subscribe(ch)
	if err != nil {
		return false, err
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("queue: consuming", "topology", c.cfg.Topology.String(), "prefetch", c.cfg.Prefetch)

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(c.tag, false); err != nil {
				c.logger.Warn("queue: cancel consumer", "error", err)
			}
			return true, ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return true, fmt.Errorf("%w: channel closed", ErrChannelUnavailable)
			}
			return true, fmt.Errorf("%w: %w", ErrChannelUnavailable, amqpErr)
		case msg, ok := <-msgs:
			if !ok {
				return true, fmt.Errorf("%w: delivery stream closed", ErrChannelUnavailable)
			}
			c.handle(ctx, msg, h)
		}
	}
}

// subscriber is the part of *amqp.Channel a consumer sets up.
type subscriber interface {
	Declarer
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// subscribe applies the prefetch, declares the topology and starts consuming
// on ch. On failure ch is closed.
func (c *Consumer) subscribe(ch subscriber) (msgs <-chan amqp.Delivery, err error) {
	defer func() {
		if err != nil {
			_ = ch.Close()
		}
	}()
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("%w: set prefetch: %w", ErrChannelUnavailable, err)
	}
	if err := c.cfg.Topology.Declare(ch); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
	}
	msgs, err = ch.Consume(c.cfg.Topology.Queue(), c.tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: consume: %w", ErrChannelUnavailable, err)
	}
	return msgs, nil
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery, h Handler) {
	span, err := decodeSpan(msg.Body)
	if err != nil {
		c.rejected.Add(ctx, 1)
		c.logger.Warn("queue: rejecting malformed message", "message_id", msg.MessageId, "error", err)
		if err := msg.Reject(false); err != nil {
			c.logger.Warn("queue: reject failed", "error", err)
		}
		return
	}
	c.received.Add(ctx, 1)

	d := NewDelivery(span, msg.Redelivered, amqpAck{d: msg})
	if err := h(extractTrace(ctx, msg.Headers), d); err != nil {
		c.logger.Warn("queue: handler failed, requeueing", "span_id", span.ID, "error", err)
		if err := d.Nack(true); err != nil {
			c.logger.Warn("queue: nack failed", "span_id", span.ID, "error", err)
		}
	}
}

func (c *Consumer) dial() (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrChannelUnavailable, err)
	}
	c.conn = conn
	return conn, nil
}

// Healthy reports whether the consumer holds an open connection.
func (c *Consumer) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the broker connection. Unsettled deliveries return to the queue.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("queue: close consumer: %w", err)
	}
	return nil
}

// decodeSpan parses a message body. A body that is not a span JSON object,
// or lacks a span id, is malformed.
func decodeSpan(body []byte) (model.Span, error) {
	var s model.Span
	if err := json.Unmarshal(body, &s); err != nil {
		return model.Span{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if s.ID == uuid.Nil {
		return model.Span{}, fmt.Errorf("%w: missing span_id", ErrMalformedMessage)
	}
	return s, nil
}
