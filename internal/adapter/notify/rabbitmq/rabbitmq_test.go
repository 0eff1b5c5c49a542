package rabbitmq

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestURL(t *testing.T) {
	assert.Equal(t, "amqp://guest:secret@mq:5672/", URL("guest", "secret", "mq", "5672"))
}

func TestDecode(t *testing.T) {
	ev, err := decode([]byte(`{"kind":"folder_progress","task_id":"t1","progress":0.5}`))
	require.NoError(t, err)
	assert.Equal(t, domain.EventFolderProgress, ev.Kind)
	assert.InDelta(t, 0.5, ev.Progress, 1e-9)

	_, err = decode([]byte(`not json`))
	assert.Error(t, err)
}

// FARM_TEST_AMQP_URL points at a disposable broker
func TestEventBus_RoundTrip(t *testing.T) {
	url := os.Getenv("FARM_TEST_AMQP_URL")
	if url == "" {
		t.Skip("FARM_TEST_AMQP_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus, err := NewEventBus(ctx, url, "farm.events.test", 1, zap.NewNop())
	require.NoError(t, err)
	defer bus.Close()

	got := make(chan domain.Event, 1)
	go func() {
		_ = bus.Subscribe(ctx, func(ev domain.Event) { got <- ev })
	}()

	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, domain.Event{Kind: domain.EventTaskStatus, TaskID: "t1", Timestamp: time.Now()})
		select {
		case ev := <-got:
			return ev.TaskID == "t1"
		default:
			return false
		}
	}, 5*time.Second, 100*time.Millisecond)
}
