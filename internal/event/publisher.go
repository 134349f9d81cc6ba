package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/entrevue/internal/metrics"

	"github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange exam events are sent to.
const DefaultExchange = "entrevue.events"

const publishTimeout = 5 * time.Second

// Publisher sends events to a RabbitMQ topic exchange.
type Publisher struct {
	mu           sync.Mutex
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
}

// NewPublisher dials the broker and declares a durable topic exchange.
func NewPublisher(uri, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp091.Dial(uri)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	slog.Info("event publisher connected", "exchange", exchange)
	return &Publisher{
		conn:         conn,
		channel:      channel,
		exchangeName: exchange,
	}, nil
}

// Publish sends ev with its type as the routing key.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.Lock()
	err = p.channel.PublishWithContext(
		pubCtx,
		p.exchangeName, // exchange
		ev.Type,        // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    ev.OccurredAt,
			MessageId:    ev.ConversationID + ":" + ev.Type,
			Body:         body,
		},
	)
	p.mu.Unlock()
	if err != nil {
		metrics.EventsPublished.WithLabelValues(ev.Type, "error").Inc()
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	metrics.EventsPublished.WithLabelValues(ev.Type, "ok").Inc()
	slog.Debug("published event", "type", ev.Type, "conversation_id", ev.ConversationID)
	return nil
}

// Close releases the channel and the connection.
func (p *Publisher) Close() error {
	if err := p.channel.Close(); err != nil {
		slog.Warn("close RabbitMQ channel", "error", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("close RabbitMQ connection: %w", err)
	}
	return nil
}
