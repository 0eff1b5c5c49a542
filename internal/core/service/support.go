package service

import (
	"context"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"go.uber.org/zap"
)

// SystemClock reads the real wall clock in UTC
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

type nopMetrics struct{}

func (nopMetrics) LockAttempt(bool)                                               {}
func (nopMetrics) TaskFinished(domain.TaskType, domain.TaskStatus, time.Duration) {}
func (nopMetrics) FolderFinished(domain.FolderStatus)                             {}
func (nopMetrics) HeartbeatFailed()                                               {}
func (nopMetrics) TasksInFlight(int)                                              {}

// NopMetrics discards every measurement
func NopMetrics() port.Metrics { return nopMetrics{} }

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, domain.Event) error { return nil }

// NopNotifier drops every event
func NopNotifier() port.Notifier { return nopNotifier{} }

// notify publishes ev and only logs when the broadcast fails
func notify(ctx context.Context, n port.Notifier, log *zap.Logger, ev domain.Event) {
	if n == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := n.Publish(ctx, ev); err != nil {
		log.Debug("Notification dropped", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
