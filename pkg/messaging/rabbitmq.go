package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes JSON payloads to a RabbitMQ topic exchange. It backs
// the engine's outbound event feed, which is fire-and-forget: callers log
// publish errors and move on, so this client stays small: no confirms, no
// redelivery.
type Publisher struct {
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	url  string
}

// NewPublisher connects and declares a durable topic exchange.
func NewPublisher(url, exchange string) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.mu.Unlock()
	return nil
}

// Publish sends one message with the given routing key. A closed connection
// triggers a single reconnect attempt before giving up.
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	if ch != nil {
		if err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err == nil {
			return nil
		}
	}

	if err := p.connect(); err != nil {
		return err
	}
	p.mu.Lock()
	ch = p.ch
	p.mu.Unlock()
	return ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// Close tears down the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
