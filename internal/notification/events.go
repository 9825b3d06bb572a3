package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType labels the delivery-lifecycle events published on the outbound
// feed.
type EventType string

const (
	EventNotificationCreated   EventType = "notification.created"
	EventNotificationDelivered EventType = "notification.delivered"
	EventDeliveryDelivered     EventType = "delivery.delivered"
	EventDeliveryFailed        EventType = "delivery.failed"
	EventDeliveryExhausted     EventType = "delivery.exhausted"
)

// Event is the envelope published to the event feed.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Publisher pushes events to external consumers (a RabbitMQ topic exchange
// in production). Nil disables the feed.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// NewEvent wraps a payload in the event envelope.
func NewEvent(eventType EventType, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}, nil
}

// publishEvent emits an event fire-and-forget. Delivery is best-effort by
// contract; a publish failure is logged and never propagated to the caller.
func publishEvent(ctx context.Context, pub Publisher, log *slog.Logger, eventType EventType, payload any) {
	if pub == nil {
		return
	}
	event, err := NewEvent(eventType, payload)
	if err != nil {
		log.Warn("event marshal failed", slog.String("type", string(eventType)), slog.String("error", err.Error()))
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		log.Warn("event marshal failed", slog.String("type", string(eventType)), slog.String("error", err.Error()))
		return
	}
	if err := pub.Publish(ctx, string(eventType), body); err != nil {
		log.Warn("event publish failed", slog.String("type", string(eventType)), slog.String("error", err.Error()))
	}
}
