// Package process runs the external tools behind task runners, either as local
// processes or as throwaway docker containers.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/port"
	"go.uber.org/zap"
)

// ErrKilled is returned by Run when the process was stopped through Kill
var ErrKilled = errors.New("process killed")

// ExitError reports a process that ran to completion with a non-zero status
type ExitError struct {
	Name   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Name, e.Code, e.Stderr)
}

// tracker remembers how to stop everything started for an owner
type tracker struct {
	mu      sync.Mutex
	next    uint64
	running map[string]map[uint64]func()
	killed  map[uint64]bool
}

func newTracker() *tracker {
	return &tracker{
		running: make(map[string]map[uint64]func()),
		killed:  make(map[uint64]bool),
	}
}

func (t *tracker) add(owner string, stop func()) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	if t.running[owner] == nil {
		t.running[owner] = make(map[uint64]func())
	}
	t.running[owner][t.next] = stop
	return t.next
}

// done forgets id and reports whether it was killed
func (t *tracker) done(owner string, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running[owner], id)
	if len(t.running[owner]) == 0 {
		delete(t.running, owner)
	}
	killed := t.killed[id]
	delete(t.killed, id)
	return killed
}

func (t *tracker) kill(owner string) int {
	t.mu.Lock()
	stops := make([]func(), 0, len(t.running[owner]))
	for id, stop := range t.running[owner] {
		t.killed[id] = true
		stops = append(stops, stop)
	}
	t.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return len(stops)
}

// ExecRunner runs tools as child processes of the node
type ExecRunner struct {
	defaultTimeout time.Duration
	log            *zap.Logger
	procs          *tracker
}

var _ port.ProcessRunner = (*ExecRunner)(nil)

// NewExecRunner creates a runner; defaultTimeout applies when a spec has none
func NewExecRunner(defaultTimeout time.Duration, log *zap.Logger) *ExecRunner {
	return &ExecRunner{
		defaultTimeout: defaultTimeout,
		log:            log,
		procs:          newTracker(),
	}
}

// Run starts the process and waits for it, honouring ctx and the per-process timeout
func (r *ExecRunner) Run(ctx context.Context, spec port.ProcessSpec) (*port.ProcessResult, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}

	name := spec.Name
	if name == "" {
		name = spec.Command
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	id := r.procs.add(spec.Owner, cancel)
	log := r.log.With(zap.String("process", name), zap.String("owner", spec.Owner))
	log.Debug("Starting process", zap.Strings("args", spec.Args), zap.String("dir", spec.Dir))

	started := time.Now()
	err := cmd.Run()
	killed := r.procs.done(spec.Owner, id)

	result := &port.ProcessResult{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case err == nil:
		log.Debug("Process finished", zap.Duration("elapsed", result.Duration))
		return result, nil
	case killed:
		return result, ErrKilled
	case ctx.Err() != nil:
		return result, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return result, fmt.Errorf("%s timed out after %s", name, timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return result, &ExitError{Name: name, Code: result.ExitCode, Stderr: tail(result.Stderr, 512)}
	}
	return result, fmt.Errorf("run %s: %w", name, err)
}

// Kill stops every process started for owner
func (r *ExecRunner) Kill(owner string) error {
	if n := r.procs.kill(owner); n > 0 {
		r.log.Info("Killed processes", zap.String("owner", owner), zap.Int("count", n))
	}
	return nil
}

// tail keeps the last n bytes, where tools print their actual error
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
