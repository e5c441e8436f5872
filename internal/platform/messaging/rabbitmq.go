// Package messaging publishes domain events to RabbitMQ.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/p-n-ai/pai-arena/internal/events"
)

// DefaultQueue receives progress events when no queue is configured.
const DefaultQueue = "pai-arena.events"

const publishTimeout = 5 * time.Second

// RabbitMQClient owns one connection and one channel.
type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex
}

// NewRabbitMQClient dials url and opens a channel.
func NewRabbitMQClient(url string) (*RabbitMQClient, error) {
	if url == "" {
		return nil, fmt.Errorf("AMQP URL is empty")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &RabbitMQClient{conn: conn, channel: channel}, nil
}

// Close closes the channel, then the connection.
func (c *RabbitMQClient) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// DeclareQueue declares a durable queue.
func (c *RabbitMQClient) DeclareQueue(name string) (amqp.Queue, error) {
	return c.channel.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
}

// Publish sends a persistent JSON message to queueName on the default
// exchange.
func (c *RabbitMQClient) Publish(ctx context.Context, queueName string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.channel.PublishWithContext(
		ctx,
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// HealthCheck reports whether the connection and channel are open.
func (c *RabbitMQClient) HealthCheck(context.Context) error {
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("AMQP connection is closed")
	}
	if c.channel == nil || c.channel.IsClosed() {
		return fmt.Errorf("AMQP channel is closed")
	}
	return nil
}

// Publisher sends a message body to a queue.
type Publisher interface {
	Publish(ctx context.Context, queueName string, body []byte) error
}

// EventPublisher forwards events to a queue as JSON.
type EventPublisher struct {
	pub   Publisher
	queue string
}

// NewEventPublisher returns an events.EventLogger that publishes to queue.
func NewEventPublisher(pub Publisher, queue string) *EventPublisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &EventPublisher{pub: pub, queue: queue}
}

func (p *EventPublisher) LogEvent(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := p.pub.Publish(ctx, p.queue, body); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}
