package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"go.uber.org/zap"
)

// LockManager hands out advisory leases over filesystem paths.
// Losing a race is reported as false, never as an error.
type LockManager struct {
	repo       port.LockRepository
	clock      port.Clock
	metrics    port.Metrics
	staleAfter time.Duration
	log        *zap.Logger

	mu   sync.Mutex
	held map[string]string // key -> node id, locks taken through this manager
}

func NewLockManager(repo port.LockRepository, clock port.Clock, metrics port.Metrics, staleAfter time.Duration, log *zap.Logger) *LockManager {
	if staleAfter <= 0 {
		staleAfter = domain.LockStaleAfter
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &LockManager{
		repo:       repo,
		clock:      clock,
		metrics:    metrics,
		staleAfter: staleAfter,
		log:        log,
		held:       make(map[string]string),
	}
}

// StaleAfter is the configured lease length
func (m *LockManager) StaleAfter() time.Duration { return m.staleAfter }

// TryAcquire takes or renews the lease on key for nodeID without blocking
func (m *LockManager) TryAcquire(ctx context.Context, key, nodeID string) (bool, error) {
	key = domain.NormalizeLockKey(key)
	ok, err := m.tryAcquire(ctx, key, nodeID)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	m.metrics.LockAttempt(ok)
	if ok {
		m.track(key, nodeID)
	}
	return ok, nil
}

func (m *LockManager) tryAcquire(ctx context.Context, key, nodeID string) (bool, error) {
	now := m.clock.Now()

	existing, err := m.repo.Get(ctx, key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return m.insert(ctx, key, nodeID, now)
	case err != nil:
		return false, err
	}

	if existing.LockingNodeID == nodeID {
		// renewal, also revives our own stale lease
		return m.repo.Touch(ctx, key, nodeID, now)
	}

	if !existing.IsStale(now, m.staleAfter) {
		m.log.Debug("Lock held by another node",
			zap.String("key", key),
			zap.String("holder", existing.LockingNodeID),
			zap.String("node_id", nodeID))
		return false, nil
	}

	removed, err := m.repo.DeleteIfStale(ctx, key, now.Add(-m.staleAfter))
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}
	m.log.Info("Evicted stale lock",
		zap.String("key", key),
		zap.String("previous_holder", existing.LockingNodeID),
		zap.Time("last_updated_at", existing.LastUpdatedAt))
	return m.insert(ctx, key, nodeID, now)
}

func (m *LockManager) insert(ctx context.Context, key, nodeID string, now time.Time) (bool, error) {
	err := m.repo.Insert(ctx, &domain.FileLock{
		FilePath:      key,
		LockingNodeID: nodeID,
		AcquiredAt:    now,
		LastUpdatedAt: now,
	})
	if errors.Is(err, domain.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Release drops the lease on key if nodeID owns it. An absent row counts as released.
func (m *LockManager) Release(ctx context.Context, key, nodeID string) (bool, error) {
	key = domain.NormalizeLockKey(key)

	existing, err := m.repo.Get(ctx, key)
	if errors.Is(err, domain.ErrNotFound) {
		m.untrack(key, nodeID)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}

	if existing.LockingNodeID != nodeID {
		m.log.Warn("Refusing to release lock owned by another node",
			zap.String("key", key),
			zap.String("holder", existing.LockingNodeID),
			zap.String("node_id", nodeID))
		m.untrack(key, nodeID)
		return false, nil
	}

	if _, err := m.repo.Delete(ctx, key, nodeID); err != nil {
		return false, fmt.Errorf("release %s: %w", key, err)
	}
	m.untrack(key, nodeID)
	return true, nil
}

// ListActive returns locks that are not stale
func (m *LockManager) ListActive(ctx context.Context) ([]*domain.FileLock, error) {
	locks, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	active := make([]*domain.FileLock, 0, len(locks))
	for _, l := range locks {
		if !l.IsStale(now, m.staleAfter) {
			active = append(active, l)
		}
	}
	return active, nil
}

// HeldBy lists the keys this process acquired for nodeID and has not released
func (m *LockManager) HeldBy(nodeID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k, owner := range m.held {
		if owner == nodeID {
			keys = append(keys, k)
		}
	}
	return keys
}

// ReleaseAllHeldBy releases tracked keys plus any row still naming nodeID as holder.
// It keeps going after individual failures and returns them joined.
func (m *LockManager) ReleaseAllHeldBy(ctx context.Context, nodeID string) (int, error) {
	keys := make(map[string]struct{})
	for _, k := range m.HeldBy(nodeID) {
		keys[k] = struct{}{}
	}

	var errs []error
	orphans, err := m.repo.ListByNode(ctx, nodeID)
	if err != nil {
		errs = append(errs, fmt.Errorf("scan locks of %s: %w", nodeID, err))
	}
	for _, l := range orphans {
		keys[l.FilePath] = struct{}{}
	}

	released := 0
	for k := range keys {
		ok, err := m.Release(ctx, k, nodeID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			released++
		}
	}
	return released, errors.Join(errs...)
}

// EvictStale deletes every expired lease
func (m *LockManager) EvictStale(ctx context.Context) (int64, error) {
	return m.repo.DeleteAllStale(ctx, m.clock.Now().Add(-m.staleAfter))
}

// Hold renews key for nodeID every interval until ctx ends.
// onLost is invoked once if a renewal finds the lease taken by someone else.
func (m *LockManager) Hold(ctx context.Context, key, nodeID string, interval time.Duration, onLost func()) {
	if interval <= 0 {
		interval = m.staleAfter / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.TryAcquire(ctx, key, nodeID)
			if err != nil {
				m.log.Warn("Lock renewal failed", zap.String("key", key), zap.Error(err))
				continue
			}
			if !ok {
				m.log.Warn("Lock lost during renewal", zap.String("key", key), zap.String("node_id", nodeID))
				if onLost != nil {
					onLost()
				}
				return
			}
		}
	}
}

func (m *LockManager) track(key, nodeID string) {
	m.mu.Lock()
	m.held[key] = nodeID
	m.mu.Unlock()
}

func (m *LockManager) untrack(key, nodeID string) {
	m.mu.Lock()
	if m.held[key] == nodeID {
		delete(m.held, key)
	}
	m.mu.Unlock()
}
