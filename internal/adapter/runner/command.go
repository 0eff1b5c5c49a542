package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/crabzie/fog-render-farm/internal/core/service"
	"go.uber.org/zap"
)

// Command runs one external tool for task types such as thumbnail rendering,
// packaging and photogrammetry. The target path, when given, is locked through Acquire
// before the task starts and stays locked for the whole run.
type Command struct {
	taskType  domain.TaskType
	nodeID    string
	locks     *service.LockManager
	processes port.ProcessRunner
	log       *zap.Logger
}

func NewCommand(taskType domain.TaskType, nodeID string, locks *service.LockManager, processes port.ProcessRunner, log *zap.Logger) *Command {
	return &Command{
		taskType:  taskType,
		nodeID:    nodeID,
		locks:     locks,
		processes: processes,
		log:       log.With(zap.String("runner", string(taskType))),
	}
}

var _ port.Gate = (*Command)(nil)

func (r *Command) Type() domain.TaskType { return r.taskType }

func (r *Command) Execute(ctx context.Context, task *domain.Task, progress port.ProgressSink) (port.RunResult, error) {
	var params domain.CommandParams
	if err := task.DecodeParameters(&params); err != nil {
		return port.RunResult{}, fmt.Errorf("decode parameters: %w", err)
	}
	if params.Command == "" {
		return port.RunResult{}, errors.New("parameters: command is required")
	}

	progress(0, "starting "+params.Command)
	vars := map[string]string{"{target}": params.TargetPath, "{task}": task.ID}
	res, err := r.processes.Run(ctx, port.ProcessSpec{
		Owner:   r.nodeID,
		Name:    string(r.taskType),
		Command: params.Command,
		Args:    expand(params.Args, vars),
		Dir:     params.WorkDir,
		Timeout: time.Duration(params.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return port.RunResult{}, err
	}
	progress(1, "finished "+params.Command)

	msg := lastLine(res.Stdout)
	if msg == "" {
		msg = fmt.Sprintf("%s finished in %s", params.Command, res.Duration.Round(time.Millisecond))
	}
	return port.RunResult{Message: msg}, nil
}

// Acquire takes the target path lock and keeps renewing it until release is called.
// Losing the lease mid-run is only logged.
func (r *Command) Acquire(ctx context.Context, task *domain.Task) (release func(), ok bool, err error) {
	var params domain.CommandParams
	if err := task.DecodeParameters(&params); err != nil || params.TargetPath == "" {
		// nothing to lock, Execute reports bad parameters
		return nil, true, nil
	}
	target := params.TargetPath

	ok, err = r.locks.TryAcquire(ctx, target, r.nodeID)
	if err != nil || !ok {
		return nil, false, err
	}

	holdCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.locks.Hold(holdCtx, target, r.nodeID, r.locks.StaleAfter()/3, func() {
			r.log.Warn("Lost lock on target path", zap.String("target", target))
		})
	}()

	return func() {
		stop()
		<-done
		if _, err := r.locks.Release(context.WithoutCancel(ctx), target, r.nodeID); err != nil {
			r.log.Warn("Failed to release target lock", zap.String("target", target), zap.Error(err))
		}
	}, true, nil
}

// expand replaces {placeholders} inside every argument
func expand(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
