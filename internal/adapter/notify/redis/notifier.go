package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher is the slice of redis.UniversalClient the notifier needs
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Snapshots stores the last event of every task, satisfied by the fiber redis storage
type Snapshots interface {
	Get(key string) ([]byte, error)
	Set(key string, val []byte, exp time.Duration) error
}

type notifier struct {
	client  Publisher
	store   Snapshots
	channel string
	ttl     time.Duration
	log     *zap.Logger
}

// NewNotifier creates a Redis pub/sub notifier that also keeps a per-task snapshot of the last event.
// store may be nil to skip snapshots.
func NewNotifier(client Publisher, store Snapshots, channel string, ttl time.Duration, log *zap.Logger) port.Notifier {
	return &notifier{
		client:  client,
		store:   store,
		channel: channel,
		ttl:     ttl,
		log:     log,
	}
}

func snapshotKey(taskID string) string {
	return fmt.Sprintf("task_event:%s", taskID)
}

// Publish broadcasts the event. Snapshots expire after ttl so dead tasks do not pile up.
func (n *notifier) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if n.store != nil && event.TaskID != "" && event.Kind != domain.EventDebug {
		if err := n.store.Set(snapshotKey(event.TaskID), data, n.ttl); err != nil {
			n.log.Debug("Failed to store event snapshot", zap.String("task_id", event.TaskID), zap.Error(err))
		}
	}

	return n.client.Publish(ctx, n.channel, data).Err()
}

// LastEvent returns the newest non-debug event seen for a task, nil when none is cached
func LastEvent(store Snapshots, taskID string) (*domain.Event, error) {
	data, err := store.Get(snapshotKey(taskID))
	if err != nil || len(data) == 0 {
		return nil, err
	}
	var event domain.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Subscribe calls handler for every event on channel until ctx is done
func Subscribe(ctx context.Context, client redis.UniversalClient, channel string, log *zap.Logger, handler func(domain.Event)) error {
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	log.Info("Subscribed to events", zap.String("channel", channel))

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var event domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Warn("Failed to unmarshal event", zap.Error(err))
				continue
			}
			handler(event)
		}
	}
}
