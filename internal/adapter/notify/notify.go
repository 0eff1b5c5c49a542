// Package notify combines event transports. Events are best-effort everywhere.
package notify

import (
	"context"
	"errors"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"go.uber.org/zap"
)

type fanout []port.Notifier

// Fanout publishes every event to all notifiers; one failing transport does not stop the others
func Fanout(notifiers ...port.Notifier) port.Notifier {
	return fanout(notifiers)
}

func (f fanout) Publish(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type logNotifier struct {
	log *zap.Logger
}

// Log writes events to the logger at debug level, used when no broker is configured
func Log(log *zap.Logger) port.Notifier {
	return logNotifier{log: log.Named("events")}
}

func (l logNotifier) Publish(_ context.Context, event domain.Event) error {
	l.log.Debug("Event",
		zap.String("kind", string(event.Kind)),
		zap.String("task_id", event.TaskID),
		zap.String("node_id", event.NodeID),
		zap.String("status", event.Status),
		zap.Float64("progress", event.Progress),
		zap.String("message", event.Message))
	return nil
}
