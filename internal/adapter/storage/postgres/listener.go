package postgres

import (
	"context"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// TasksChannel is the NOTIFY channel fired by the tasks trigger
const TasksChannel = "tasks_changed"

// TaskListener turns LISTEN notifications into poller wake-ups.
// Notifications are only a latency shortcut, polling still drives correctness.
type TaskListener struct {
	listener *pq.Listener
	wake     chan struct{}
	log      *zap.Logger
}

// NewTaskListener subscribes to channel on the database behind url
func NewTaskListener(url, channel string, log *zap.Logger) (*TaskListener, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn("Listener error", zap.Int("event", int(ev)), zap.Error(err))
		}
	}

	listener := pq.NewListener(url, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, err
	}

	return &TaskListener{
		listener: listener,
		wake:     make(chan struct{}, 1),
		log:      log.With(zap.String("channel", channel)),
	}, nil
}

// Wake fires at most once per burst of notifications
func (l *TaskListener) Wake() <-chan struct{} {
	return l.wake
}

// Run forwards notifications until ctx is done
func (l *TaskListener) Run(ctx context.Context) {
	idle := time.NewTicker(90 * time.Second)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-l.listener.Notify:
			// nil after a reconnect, wake anyway since events may have been missed
			if n != nil {
				l.log.Debug("Received notification", zap.String("payload", n.Extra))
			}
			select {
			case l.wake <- struct{}{}:
			default:
			}
		case <-idle.C:
			if err := l.listener.Ping(); err != nil {
				l.log.Warn("Listener ping failed", zap.Error(err))
			}
		}
	}
}

// Close stops listening and closes the connection
func (l *TaskListener) Close() error {
	return l.listener.Close()
}
