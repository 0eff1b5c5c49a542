// Package runner holds the task-type specific executors a node registers with its poller.
package runner

import (
	"context"
	"fmt"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"go.uber.org/zap"
)

// TestMessage echoes its payload back as the result, used to check a node end to end
type TestMessage struct {
	log *zap.Logger
}

func NewTestMessage(log *zap.Logger) *TestMessage {
	return &TestMessage{log: log}
}

func (r *TestMessage) Type() domain.TaskType { return domain.TaskTypeTestMessage }

func (r *TestMessage) Execute(ctx context.Context, task *domain.Task, progress port.ProgressSink) (port.RunResult, error) {
	var params domain.TestMessageParams
	if err := task.DecodeParameters(&params); err != nil {
		return port.RunResult{}, fmt.Errorf("decode parameters: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return port.RunResult{}, err
	}

	r.log.Info("Test message received", zap.String("task_id", task.ID), zap.String("message", params.Message))
	progress(1, params.Message)
	return port.RunResult{Message: "received: " + params.Message}, nil
}
