package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"go.uber.org/zap"
)

// NodeRegistry registers nodes, reconciles drifting identities and answers liveness questions
type NodeRegistry struct {
	nodes    port.NodeRepository
	tasks    port.TaskRepository
	locks    port.LockRepository
	notifier port.Notifier
	clock    port.Clock
	window   time.Duration
	staleAge time.Duration
	log      *zap.Logger
}

func NewNodeRegistry(
	nodes port.NodeRepository,
	tasks port.TaskRepository,
	locks port.LockRepository,
	notifier port.Notifier,
	clock port.Clock,
	window, staleAge time.Duration,
	log *zap.Logger,
) *NodeRegistry {
	if window <= 0 {
		window = domain.NodeLivenessWindow
	}
	if staleAge <= 0 {
		staleAge = domain.StaleNodeAge
	}
	return &NodeRegistry{
		nodes:    nodes,
		tasks:    tasks,
		locks:    locks,
		notifier: notifier,
		clock:    clock,
		window:   window,
		staleAge: staleAge,
		log:      log,
	}
}

// Register inserts or refreshes the candidate, merging it with an existing record
// for the same machine found by id, then hardware fingerprint, then IP address.
func (r *NodeRegistry) Register(ctx context.Context, candidate *domain.Node) (*domain.Node, error) {
	if candidate.ID == "" {
		return nil, fmt.Errorf("%w: empty node id", domain.ErrRegistration)
	}
	now := r.clock.Now()
	node := *candidate
	node.IsAvailable = true
	node.LastHeartbeat = now

	log := r.log.With(zap.String("node_id", node.ID), zap.String("name", node.Name))

	existing, err := r.match(ctx, &node)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if node.HardwareFingerprint == "" {
			node.HardwareFingerprint = existing.HardwareFingerprint
		}
		if node.IPAddress == "" {
			node.IPAddress = existing.IPAddress
		}
		if existing.ID != node.ID {
			log.Info("Reconciling node identity",
				zap.String("previous_id", existing.ID),
				zap.String("fingerprint", node.HardwareFingerprint),
				zap.String("ip", node.IPAddress))
			if err := r.repoint(ctx, existing.ID, node.ID); err != nil {
				return nil, err
			}
		}
		err = r.nodes.Update(ctx, existing.ID, &node)
	} else {
		err = r.nodes.Insert(ctx, &node)
	}

	if errors.Is(err, domain.ErrDuplicate) {
		log.Debug("Registration raced with another writer, cleaning up stale nodes")
		return r.registerMinimal(ctx, &node)
	}
	if err != nil {
		return nil, fmt.Errorf("register node %s: %w", node.ID, err)
	}

	if err := r.collapseDuplicates(ctx, &node); err != nil {
		return nil, err
	}

	log.Info("Node registered", zap.String("ip", node.IPAddress))
	notify(ctx, r.notifier, r.log, domain.Event{
		Kind:      domain.EventNodeRegistered,
		NodeID:    node.ID,
		Message:   node.Name,
		Timestamp: now,
	})
	return &node, nil
}

// match applies the reconciliation priority: id, fingerprint, then IP
func (r *NodeRegistry) match(ctx context.Context, node *domain.Node) (*domain.Node, error) {
	byID, err := r.nodes.GetByID(ctx, node.ID)
	if err == nil {
		return byID, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if node.HardwareFingerprint != "" {
		byFP, err := r.nodes.FindByFingerprint(ctx, node.HardwareFingerprint)
		if err == nil {
			return byFP, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	if node.IPAddress != "" {
		byIP, err := r.nodes.FindByIP(ctx, node.IPAddress)
		if err == nil {
			if byIP.FingerprintConflicts(node) {
				// DHCP handed the address to a different machine
				return nil, nil
			}
			return byIP, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// repoint moves task assignments and lock ownership from oldID to newID
func (r *NodeRegistry) repoint(ctx context.Context, oldID, newID string) error {
	tasks, err := r.tasks.ReassignNode(ctx, oldID, newID)
	if err != nil {
		return fmt.Errorf("repoint tasks %s -> %s: %w", oldID, newID, err)
	}
	locks, err := r.locks.ReassignNode(ctx, oldID, newID)
	if err != nil {
		return fmt.Errorf("repoint locks %s -> %s: %w", oldID, newID, err)
	}
	r.log.Debug("Repointed node references",
		zap.String("from", oldID),
		zap.String("to", newID),
		zap.Int64("tasks", tasks),
		zap.Int64("locks", locks))
	return nil
}

// collapseDuplicates folds every other record describing the same machine into node.
// Same fingerprint always matches; same IP only when the fingerprints do not conflict.
func (r *NodeRegistry) collapseDuplicates(ctx context.Context, node *domain.Node) error {
	all, err := r.nodes.List(ctx)
	if err != nil {
		return fmt.Errorf("list nodes: %w", err)
	}
	for _, other := range all {
		if other.ID == node.ID || !sameMachine(node, other) {
			continue
		}
		if err := r.repoint(ctx, other.ID, node.ID); err != nil {
			return err
		}
		if _, err := r.nodes.Delete(ctx, other.ID); err != nil {
			return fmt.Errorf("remove duplicate node %s: %w", other.ID, err)
		}
		r.log.Info("Removed duplicate node record",
			zap.String("node_id", node.ID),
			zap.String("duplicate_id", other.ID))
	}
	return nil
}

func sameMachine(node, other *domain.Node) bool {
	if node.HardwareFingerprint != "" && other.HardwareFingerprint == node.HardwareFingerprint {
		return true
	}
	return node.IPAddress != "" && other.IPAddress == node.IPAddress && !other.FingerprintConflicts(node)
}

func (r *NodeRegistry) registerMinimal(ctx context.Context, node *domain.Node) (*domain.Node, error) {
	if _, err := r.CleanupStale(ctx); err != nil {
		return nil, fmt.Errorf("%w: cleanup: %v", domain.ErrRegistration, err)
	}
	minimal := &domain.Node{
		ID:            node.ID,
		Name:          node.Name,
		IsAvailable:   true,
		LastHeartbeat: r.clock.Now(),
	}
	if err := r.nodes.Insert(ctx, minimal); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrRegistration, node.ID, err)
	}
	return minimal, nil
}

// Heartbeat marks the node alive; false means the registry lost the record
func (r *NodeRegistry) Heartbeat(ctx context.Context, nodeID string) (bool, error) {
	return r.nodes.Touch(ctx, nodeID, r.clock.Now())
}

// ListAll returns every known node
func (r *NodeRegistry) ListAll(ctx context.Context) ([]*domain.Node, error) {
	return r.nodes.List(ctx)
}

// ListAvailable returns nodes that heartbeated within the given window (default one minute)
func (r *NodeRegistry) ListAvailable(ctx context.Context, within time.Duration) ([]*domain.Node, error) {
	if within <= 0 {
		within = r.window
	}
	all, err := r.nodes.List(ctx)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	var alive []*domain.Node
	for _, n := range all {
		if n.IsAlive(now, within) {
			alive = append(alive, n)
		}
	}
	return alive, nil
}

// IsAvailable applies the liveness window to one node; unknown nodes are unavailable
func (r *NodeRegistry) IsAvailable(ctx context.Context, nodeID string) (bool, error) {
	n, err := r.nodes.GetByID(ctx, nodeID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n.IsAlive(r.clock.Now(), r.window), nil
}

// CleanupStale removes nodes that missed heartbeats for longer than the stale age
func (r *NodeRegistry) CleanupStale(ctx context.Context) (int64, error) {
	removed, err := r.nodes.DeleteStale(ctx, r.clock.Now().Add(-r.staleAge))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.log.Info("Removed stale nodes", zap.Int64("count", removed))
	}
	return removed, nil
}
