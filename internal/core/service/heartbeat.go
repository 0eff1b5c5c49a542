package service

import (
	"context"
	"sync"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/crabzie/fog-render-farm/pkg/retry"
	"go.uber.org/zap"
)

// HeartbeatConfig tunes the node-side heartbeat supervisor
type HeartbeatConfig struct {
	Interval    time.Duration
	MaxFailures int
	// RegisterAttempts bounds the backoff loop used for (re-)registration
	RegisterAttempts int
	RegisterBackoff  time.Duration
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:         30 * time.Second,
		MaxFailures:      3,
		RegisterAttempts: 5,
		RegisterBackoff:  time.Second,
	}
}

// HeartbeatSupervisor keeps this node's registry record alive and
// re-registers once heartbeats keep failing.
type HeartbeatSupervisor struct {
	registry *NodeRegistry
	self     *domain.Node
	metrics  port.Metrics
	cfg      HeartbeatConfig
	log      *zap.Logger

	mu       sync.Mutex
	failures int
}

func NewHeartbeatSupervisor(registry *NodeRegistry, self *domain.Node, metrics port.Metrics, cfg HeartbeatConfig, log *zap.Logger) *HeartbeatSupervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.RegisterAttempts <= 0 {
		cfg.RegisterAttempts = 1
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &HeartbeatSupervisor{
		registry: registry,
		self:     self,
		metrics:  metrics,
		cfg:      cfg,
		log:      log.With(zap.String("node_id", self.ID)),
	}
}

// Register registers the node, retrying transient failures with backoff
func (h *HeartbeatSupervisor) Register(ctx context.Context) (*domain.Node, error) {
	var node *domain.Node
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: h.cfg.RegisterAttempts,
		BaseDelay:   h.cfg.RegisterBackoff,
		OnRetry: func(attempt int, err error) {
			h.log.Warn("Registration failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		},
	}, func() error {
		var err error
		node, err = h.registry.Register(ctx, h.self)
		return err
	})
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.failures = 0
	h.mu.Unlock()
	return node, nil
}

// Start launches the heartbeat loop and returns a stop function that waits for it to exit
func (h *HeartbeatSupervisor) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(h.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Beat(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Beat sends one heartbeat and re-registers after MaxFailures consecutive failures
func (h *HeartbeatSupervisor) Beat(ctx context.Context) {
	ok, err := h.registry.Heartbeat(ctx, h.self.ID)
	if err == nil && ok {
		h.mu.Lock()
		h.failures = 0
		h.mu.Unlock()
		h.log.Debug("Heartbeat sent")
		return
	}

	h.metrics.HeartbeatFailed()
	h.mu.Lock()
	h.failures++
	failures := h.failures
	h.mu.Unlock()
	h.log.Warn("Heartbeat failed", zap.Int("consecutive_failures", failures), zap.Bool("known", ok), zap.Error(err))

	if failures < h.cfg.MaxFailures {
		return
	}
	h.log.Info("Re-registering after repeated heartbeat failures")
	if _, err := h.Register(ctx); err != nil {
		h.log.Error("Re-registration failed", zap.Error(err))
	}
}

// Failures is the current count of consecutive heartbeat failures
func (h *HeartbeatSupervisor) Failures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures
}
