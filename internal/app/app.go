// Package app assembles the core services on top of a chosen set of adapters.
// Every binary builds its object graph here so that nodes, the scheduler and the CLI agree on timings.
package app

import (
	"context"
	"fmt"
	"time"

	redisConfig "github.com/crabzie/fog-render-farm/config/storage/redis"
	config "github.com/crabzie/fog-render-farm/config/utils"
	"github.com/crabzie/fog-render-farm/internal/adapter/notify"
	"github.com/crabzie/fog-render-farm/internal/adapter/notify/rabbitmq"
	redisNotify "github.com/crabzie/fog-render-farm/internal/adapter/notify/redis"
	"github.com/crabzie/fog-render-farm/internal/adapter/process"
	"github.com/crabzie/fog-render-farm/internal/adapter/runner"
	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/crabzie/fog-render-farm/internal/core/service"
	"go.uber.org/zap"
)

// Stores is the persistence a set of services runs on
type Stores struct {
	Nodes   port.NodeRepository
	Tasks   port.TaskRepository
	Locks   port.LockRepository
	Folders port.FolderProgressRepository
}

// Services is the core object graph shared by every process
type Services struct {
	Locks      *service.LockManager
	Registry   *service.NodeRegistry
	Tasks      *service.TaskService
	Claimer    *service.FolderClaimer
	Reconciler *service.Reconciler
}

// NewServices wires the core services. A nil notifier or metrics falls back to a no-op.
func NewServices(cfg *config.AppConfig, stores Stores, notifier port.Notifier, metrics port.Metrics, clock port.Clock, log *zap.Logger) *Services {
	if notifier == nil {
		notifier = service.NopNotifier()
	}
	if metrics == nil {
		metrics = service.NopMetrics()
	}
	if clock == nil {
		clock = service.SystemClock{}
	}

	sched := cfg.Scheduler
	locks := service.NewLockManager(stores.Locks, clock, metrics, sched.LockStaleAfter, log.Named("Locks"))
	registry := service.NewNodeRegistry(stores.Nodes, stores.Tasks, stores.Locks, notifier, clock,
		sched.AvailabilityWindow, sched.NodeStaleAfter, log.Named("Registry"))
	tasks := service.NewTaskService(stores.Tasks, registry, notifier, clock, log.Named("Tasks"))
	claimer := service.NewFolderClaimer(stores.Folders, locks, registry, notifier, metrics, clock, claimConfig(cfg.Claim), log.Named("Folders"))

	return &Services{
		Locks:      locks,
		Registry:   registry,
		Tasks:      tasks,
		Claimer:    claimer,
		Reconciler: service.NewReconciler(tasks, claimer, registry, locks, log.Named("Reconciler")),
	}
}

func claimConfig(c *config.Claim) service.ClaimConfig {
	cfg := service.DefaultClaimConfig()
	if c == nil {
		return cfg
	}
	cfg.RetryDelay = c.RetryDelay
	cfg.MaxEmptyRounds = c.MaxEmptyRounds
	cfg.ReclaimDeadOwners = c.ReclaimDeadOwners
	return cfg
}

// PollerConfig maps the node section onto the poller settings
func PollerConfig(n *config.Node) service.PollerConfig {
	cfg := service.DefaultPollerConfig()
	if n.PollInterval > 0 {
		cfg.Interval = n.PollInterval
	}
	if n.StuckAfter > 0 {
		cfg.StuckAfter = n.StuckAfter
	}
	return cfg
}

// HeartbeatConfig maps the node section onto the supervisor settings
func HeartbeatConfig(n *config.Node) service.HeartbeatConfig {
	cfg := service.DefaultHeartbeatConfig()
	if n.HeartbeatInterval > 0 {
		cfg.Interval = n.HeartbeatInterval
	}
	if n.MaxHeartbeatFailures > 0 {
		cfg.MaxFailures = n.MaxHeartbeatFailures
	}
	return cfg
}

// Runners builds the runner table of a node. Every type the node can execute is listed here.
func Runners(self *domain.Node, svc *Services, processes port.ProcessRunner, outputDir string, log *zap.Logger) *service.RunnerRegistry {
	log = log.Named("Runner")
	return service.NewRunnerRegistry(
		runner.NewTestMessage(log),
		runner.NewCommand(domain.TaskTypeRenderThumbnails, self.ID, svc.Locks, processes, log),
		runner.NewCommand(domain.TaskTypePackageTask, self.ID, svc.Locks, processes, log),
		runner.NewCommand(domain.TaskTypeRealityCapture, self.ID, svc.Locks, processes, log),
		runner.NewVolumeCompression(self, svc.Claimer, processes, outputDir, log),
	)
}

// Processes picks the process runner backend, the returned close func is never nil
func Processes(ctx context.Context, cfg *config.Runner, log *zap.Logger) (port.ProcessRunner, func(), error) {
	log = log.Named("Process")
	switch cfg.Backend {
	case "", "exec":
		return process.NewExecRunner(cfg.DefaultTimeout, log), func() {}, nil
	case "docker":
		r, err := process.NewDockerRunner(ctx, cfg.DockerImage, cfg.DefaultTimeout, log)
		if err != nil {
			return nil, nil, fmt.Errorf("docker runner: %w", err)
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown runner backend %q", cfg.Backend)
	}
}

// Notifier builds the event transports named by notify.backend.
// Supported values are redis, rabbitmq, both, log and none.
// Transport failures at startup are logged and the node keeps running on the remaining ones.
func Notifier(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (port.Notifier, func()) {
	log = log.Named("Notify")
	var (
		notifiers []port.Notifier
		closers   []func()
	)

	backend := cfg.Notify.Backend
	if backend == "redis" || backend == "both" {
		rdb, err := redisConfig.New(ctx, cfg.Redis)
		if err != nil {
			log.Warn("Redis notifications disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			notifiers = append(notifiers, redisNotify.NewNotifier(rdb.Client, rdb.Storage, cfg.Notify.Channel, cfg.Notify.SnapshotTTL, log))
			closers = append(closers, func() { _ = rdb.Close() })
		}
	}
	if backend == "rabbitmq" || backend == "both" {
		mq := cfg.RabbitMQ
		bus, err := rabbitmq.NewEventBus(ctx, rabbitmq.URL(mq.User, mq.Password, mq.Host, mq.Port), mq.Exchange, 5, log)
		if err != nil {
			log.Warn("RabbitMQ notifications disabled", zap.String("host", mq.Host), zap.Error(err))
		} else {
			notifiers = append(notifiers, bus)
			closers = append(closers, func() { _ = bus.Close() })
		}
	}
	if backend != "none" {
		notifiers = append(notifiers, notify.Log(log))
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	switch len(notifiers) {
	case 0:
		return service.NopNotifier(), closeAll
	case 1:
		return notifiers[0], closeAll
	}
	return notify.Fanout(notifiers...), closeAll
}

// Self builds the candidate record a node registers with
func Self(n *config.Node, fingerprint, ip string, now time.Time) *domain.Node {
	if n.Fingerprint != "" {
		fingerprint = n.Fingerprint
	}
	if n.IPAddress != "" {
		ip = n.IPAddress
	}
	name := n.Name
	if name == "" {
		name = n.ID
	}
	return &domain.Node{
		ID:                  n.ID,
		Name:                name,
		IPAddress:           ip,
		HardwareFingerprint: fingerprint,
		IsAvailable:         true,
		LastHeartbeat:       now,
	}
}
