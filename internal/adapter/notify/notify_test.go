package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) Publish(context.Context, domain.Event) error {
	c.calls++
	return c.err
}

func TestFanout_ContinuesPastFailures(t *testing.T) {
	broken := &countingNotifier{err: errors.New("broker down")}
	ok := &countingNotifier{}

	err := Fanout(broken, ok).Publish(context.Background(), domain.Event{Kind: domain.EventTaskStatus})

	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, ok.calls)
}

func TestLog_WritesDebugEntry(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	n := Log(zap.New(core))

	assert.NoError(t, n.Publish(context.Background(), domain.Event{Kind: domain.EventFolderProgress, TaskID: "t1"}))

	entries := logs.FilterMessage("Event").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "t1", entries[0].ContextMap()["task_id"])
	}
}
