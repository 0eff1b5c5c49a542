package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// EventBus fans events out over a durable fanout exchange. Monitors bind
// their own throwaway queues, so nodes never wait on a consumer.
type EventBus struct {
	conn     *amqp.Connection
	mu       sync.Mutex // amqp channels are not safe for concurrent publishing
	ch       *amqp.Channel
	exchange string
	log      *zap.Logger
}

// URL builds the broker url
func URL(user, password, host, port string) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", user, password, host, port)
}

// NewEventBus dials the broker, retrying with backoff, and declares the exchange
func NewEventBus(ctx context.Context, url, exchange string, maxRetries int, log *zap.Logger) (*EventBus, error) {
	var conn *amqp.Connection
	var err error

	if maxRetries <= 0 {
		maxRetries = 1
	}
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			var bus *EventBus
			bus, err = open(conn, exchange, log)
			if err == nil {
				return bus, nil
			}
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)
		if i == maxRetries {
			break
		}

		// Simple incremental backoff
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i*2) * time.Second):
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func open(conn *amqp.Connection, exchange string, log *zap.Logger) (*EventBus, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"fanout", // kind
		true,     // durable
		false,    // auto-delete
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return &EventBus{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		log:      log,
	}, nil
}

// Publish sends the event without waiting for any consumer
func (b *EventBus) Publish(ctx context.Context, event domain.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.ch.PublishWithContext(ctx,
		b.exchange,         // Exchange
		string(event.Kind), // Routing key, ignored by fanout but useful in traces
		false,              // Mandatory
		false,              // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Transient,
			Timestamp:    event.Timestamp,
			Body:         body,
		})
	if err != nil {
		b.log.Debug("Failed to publish event", zap.Error(err))
		return err
	}
	return nil
}

// Close closes the channel and the connection
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ch.Close(); err != nil {
		b.conn.Close()
		return err
	}
	return b.conn.Close()
}
