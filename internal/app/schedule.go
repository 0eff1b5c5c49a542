package app

import (
	"context"
	"fmt"

	"github.com/crabzie/fog-render-farm/internal/core/service"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// NewCron returns a cron runner whose jobs never overlap with themselves
func NewCron(log *zap.Logger) *cron.Cron {
	cl := cronLogger{log: log.Named("Cron").Sugar()}
	return cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// ScheduleReconciler registers the three housekeeping passes on schedule
func ScheduleReconciler(ctx context.Context, c *cron.Cron, schedule string, r *service.Reconciler, log *zap.Logger) error {
	jobs := []struct {
		name string
		run  func(context.Context) error
	}{
		{"complete_cooperative_tasks", func(ctx context.Context) error {
			_, err := r.CompleteCooperativeTasks(ctx)
			return err
		}},
		{"cleanup_stale_nodes", func(ctx context.Context) error {
			n, err := r.CleanupStaleNodes(ctx)
			if n > 0 {
				log.Info("Removed stale nodes", zap.Int64("count", n))
			}
			return err
		}},
		{"evict_stale_locks", func(ctx context.Context) error {
			_, err := r.EvictStaleLocks(ctx)
			return err
		}},
	}

	for _, job := range jobs {
		if _, err := c.AddFunc(schedule, func() {
			if ctx.Err() != nil {
				return
			}
			if err := job.run(ctx); err != nil {
				log.Error("Reconciler job failed", zap.String("job", job.name), zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	return nil
}
