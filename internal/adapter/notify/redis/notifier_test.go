package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu       sync.Mutex
	channel  string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channel
	f.payloads = append(f.payloads, message.([]byte))
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	}
	return cmd
}

type fakeStore struct {
	data map[string][]byte
	ttl  map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string][]byte{}, ttl: map[string]time.Duration{}}
}

func (f *fakeStore) Get(key string) ([]byte, error) { return f.data[key], nil }

func (f *fakeStore) Set(key string, val []byte, exp time.Duration) error {
	f.data[key] = val
	f.ttl[key] = exp
	return nil
}

func TestNotifier_PublishAndSnapshot(t *testing.T) {
	pub := &fakePublisher{}
	store := newFakeStore()
	n := NewNotifier(pub, store, "farm:events", time.Hour, zap.NewNop())

	ev := domain.Event{Kind: domain.EventTaskStatus, TaskID: "t1", Status: "RUNNING", Timestamp: time.Now().UTC()}
	require.NoError(t, n.Publish(context.Background(), ev))

	assert.Equal(t, "farm:events", pub.channel)
	require.Len(t, pub.payloads, 1)
	var got domain.Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, "RUNNING", got.Status)

	last, err := LastEvent(store, "t1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, domain.EventTaskStatus, last.Kind)
	assert.Equal(t, time.Hour, store.ttl[snapshotKey("t1")])
}

func TestNotifier_DebugEventsSkipSnapshot(t *testing.T) {
	store := newFakeStore()
	n := NewNotifier(&fakePublisher{}, store, "c", time.Minute, zap.NewNop())

	require.NoError(t, n.Publish(context.Background(), domain.Event{Kind: domain.EventDebug, TaskID: "t1"}))

	last, err := LastEvent(store, "t1")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestNotifier_PublishError(t *testing.T) {
	n := NewNotifier(&fakePublisher{err: errors.New("connection refused")}, nil, "c", time.Minute, zap.NewNop())
	assert.Error(t, n.Publish(context.Background(), domain.Event{Kind: domain.EventTaskStatus}))
}
