package rabbitmq

import (
	"context"
	"encoding/json"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Subscribe binds an exclusive queue to the exchange and calls handler for every
// event until ctx is done or the broker closes the channel.
func (b *EventBus) Subscribe(ctx context.Context, handler func(domain.Event)) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// 1. Declare a server-named queue that disappears with this consumer
	q, err := ch.QueueDeclare(
		"",    // name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return err
	}

	// 2. Bind it to the fanout exchange
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		return err
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer
		true,   // auto-ack, events are best-effort
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return err
	}

	b.log.Info("Started consuming events", zap.String("exchange", b.exchange), zap.String("queue", q.Name))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return amqp.ErrClosed
			}
			event, err := decode(d.Body)
			if err != nil {
				b.log.Warn("Failed to unmarshal event", zap.Error(err))
				continue
			}
			handler(event)
		}
	}
}

func decode(body []byte) (domain.Event, error) {
	var event domain.Event
	err := json.Unmarshal(body, &event)
	return event, err
}
