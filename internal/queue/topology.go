// Package queue carries spans from producers to consumers over an AMQP
// broker. Producers publish to a direct exchange under a routing key; the
// queue bound to that key feeds any number of competing consumers.
//
// Delivery is at-least-once. A span can arrive more than once and, with
// several consumers on one queue, in any order relative to other spans.
package queue

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Default topology identifiers. Producers and consumers must agree on all three.
const (
	DefaultExchange   = "observations_exchange"
	DefaultQueue      = "observations_queue"
	DefaultRoutingKey = "observations_routing_key"
)

var (
	// ErrChannelUnavailable is returned when the broker cannot accept or
	// confirm a message.
	ErrChannelUnavailable = errors.New("queue: channel unavailable")

	// ErrMalformedMessage marks a delivery whose body is not a span.
	ErrMalformedMessage = errors.New("queue: malformed message")
)

// Topology names the exchange, queue and routing key of the ingestion
// channel. It is built once at startup and never changes afterwards.
type Topology struct {
	exchange   string
	queue      string
	routingKey string
}

// NewTopology validates and returns a topology.
func NewTopology(exchange, queue, routingKey string) (Topology, error) {
	if exchange == "" || queue == "" || routingKey == "" {
		return Topology{}, fmt.Errorf("queue: exchange, queue and routing key are required")
	}
	return Topology{exchange: exchange, queue: queue, routingKey: routingKey}, nil
}

// DefaultTopology returns the observations_* topology.
func DefaultTopology() Topology {
	return Topology{exchange: DefaultExchange, queue: DefaultQueue, routingKey: DefaultRoutingKey}
}

func (t Topology) Exchange() string   { return t.exchange }
func (t Topology) Queue() string      { return t.queue }
func (t Topology) RoutingKey() string { return t.routingKey }

func (t Topology) String() string {
	return t.exchange + "/" + t.routingKey + "->" + t.queue
}

// Declarer is the part of *amqp.Channel that Declare uses.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare creates the durable direct exchange, the durable queue and the
// binding between them. Declaring an existing, identical topology is a no-op
// on the broker, so every process declares on connect.
func (t Topology) Declare(ch Declarer) error {
	if err := ch.ExchangeDeclare(t.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare exchange %s: %w", t.exchange, err)
	}
	if _, err := ch.QueueDeclare(t.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare queue %s: %w", t.queue, err)
	}
	if err := ch.QueueBind(t.queue, t.routingKey, t.exchange, false, nil); err != nil {
		return fmt.Errorf("queue: bind %s: %w", t, err)
	}
	return nil
}
