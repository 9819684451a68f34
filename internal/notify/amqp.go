package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stuartshay/trip-scorer/internal/trip"
)

// Routing keys
const (
	EventRoutingKeyPrefix = "driving.event."
	TripRoutingKey        = "trip.completed"
)

// AMQPPublisher publishes notifications to a RabbitMQ topic exchange
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher dials url and declares a durable topic exchange
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// EventRoutingKey returns the routing key for an event type
func EventRoutingKey(t trip.EventType) string {
	return EventRoutingKeyPrefix + string(t)
}

// PublishEvents publishes one message per event
func (p *AMQPPublisher) PublishEvents(ctx context.Context, tripID, deviceID string, events []trip.Event) error {
	for _, e := range events {
		msg := EventMessage{TripID: tripID, DeviceID: deviceID, Event: e}
		if err := p.publish(ctx, EventRoutingKey(e.Type), tripID, msg); err != nil {
			return err
		}
	}
	return nil
}

// PublishTrip publishes the trip completion message
func (p *AMQPPublisher) PublishTrip(ctx context.Context, msg TripMessage) error {
	return p.publish(ctx, TripRoutingKey, msg.TripID, msg)
}

func (p *AMQPPublisher) publish(ctx context.Context, key, correlationID string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", key, err)
	}

	// amqp.Channel is not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx,
		p.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: correlationID,
			Timestamp:     time.Now().UTC(),
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return nil
}

// Close closes the channel and connection
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ignoreClosed(p.ch.Close()); err != nil {
		_ = p.conn.Close()
		return fmt.Errorf("failed to close channel: %w", err)
	}
	if err := ignoreClosed(p.conn.Close()); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// ignoreClosed drops the error of closing something the broker already closed
func ignoreClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
