package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/crabzie/fog-render-farm/config/logger"
	postgresConfig "github.com/crabzie/fog-render-farm/config/storage/postgresql"
	redisConfig "github.com/crabzie/fog-render-farm/config/storage/redis"
	config "github.com/crabzie/fog-render-farm/config/utils"
	"github.com/crabzie/fog-render-farm/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/fog-render-farm/internal/adapter/notify/rabbitmq"
	redisNotify "github.com/crabzie/fog-render-farm/internal/adapter/notify/redis"
	"github.com/crabzie/fog-render-farm/internal/adapter/process"
	"github.com/crabzie/fog-render-farm/internal/adapter/storage/postgres"
	"github.com/crabzie/fog-render-farm/internal/app"
	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/crabzie/fog-render-farm/internal/core/service"
	"go.uber.org/zap"
)

func main() {
	// 1. Setup Logger & Config
	appConfig := config.New()
	log := logger.Build(appConfig.Logger, zap.String("service", "verification"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	log.Info("Starting Verification...")
	failed := false
	check := func(name string, err error, fields ...zap.Field) {
		if err != nil {
			failed = true
			log.Error("X "+name+" Failed", append(fields, zap.Error(err))...)
			return
		}
		log.Info("✓ "+name+" Success", fields...)
	}

	// 2. Test Postgres
	log.Info("--- Testing Postgres ---")
	dbService, err := postgresConfig.New(ctx, appConfig.DB, log.Named("DB"))
	if err != nil {
		log.Fatal("Failed to connect to DB", zap.Error(err))
	}
	defer dbService.Close()
	check("Postgres: Migrate", dbService.Migrate())

	repos := postgres.NewRepositories(dbService, log.Named("DB"))
	svc := app.NewServices(appConfig, app.Stores{
		Nodes:   repos.Nodes,
		Tasks:   repos.Tasks,
		Locks:   repos.Locks,
		Folders: repos.Folders,
	}, nil, nil, service.SystemClock{}, log)

	nodeID := fmt.Sprintf("verify-node-%d", time.Now().Unix())
	_, err = svc.Registry.Register(ctx, &domain.Node{ID: nodeID, Name: nodeID, IPAddress: "127.0.0.1", IsAvailable: true})
	check("Postgres: Register Node", err)

	task, err := svc.Tasks.Create(ctx, &domain.Task{Name: "Verification Task", Type: domain.TaskTypeTestMessage})
	check("Postgres: Create Task", err)
	if task != nil {
		ok, err := svc.Tasks.AssignToNode(ctx, task.ID, nodeID)
		if err == nil && !ok {
			err = fmt.Errorf("node %s not available", nodeID)
		}
		check("Postgres: Assign Task", err)

		_, err = svc.Tasks.UpdateStatus(ctx, task.ID, domain.TaskStatusCancelled, service.WithResultMessage("verification"))
		check("Postgres: Update Task", err)
	}

	// 3. Test Locks
	log.Info("--- Testing Locks ---")
	key := "/verification/" + nodeID
	acquired, err := svc.Locks.TryAcquire(ctx, key, nodeID)
	if err == nil && !acquired {
		err = fmt.Errorf("lock %s busy", key)
	}
	check("Locks: Acquire", err)
	contended, err := svc.Locks.TryAcquire(ctx, key, nodeID+"-peer")
	if err == nil && contended {
		err = fmt.Errorf("peer acquired a held lock")
	}
	check("Locks: Mutual Exclusion", err)
	released, err := svc.Locks.Release(ctx, key, nodeID)
	if err == nil && !released {
		err = fmt.Errorf("lock %s was not released", key)
	}
	check("Locks: Release", err)

	// 4. Test Redis
	log.Info("--- Testing Redis ---")
	rdb, err := redisConfig.New(ctx, appConfig.Redis)
	if err != nil {
		check("Redis: Connect", err)
	} else {
		defer rdb.Close()
		notifier := redisNotify.NewNotifier(rdb.Client, rdb.Storage, appConfig.Notify.Channel, time.Minute, log)
		ev := domain.Event{Kind: domain.EventTaskStatus, TaskID: nodeID, Status: "VERIFIED", Timestamp: time.Now().UTC()}
		check("Redis: Publish Event", notifier.Publish(ctx, ev))

		last, err := redisNotify.LastEvent(rdb.Storage, nodeID)
		if err == nil && (last == nil || last.Status != "VERIFIED") {
			err = fmt.Errorf("snapshot missing")
		}
		check("Redis: Event Snapshot", err)
	}

	// 5. Test RabbitMQ
	log.Info("--- Testing RabbitMQ ---")
	mq := appConfig.RabbitMQ
	bus, err := rabbitmq.NewEventBus(ctx, rabbitmq.URL(mq.User, mq.Password, mq.Host, mq.Port), mq.Exchange, 1, log)
	if err != nil {
		log.Warn("! RabbitMQ: Connection Failed (Expected if the broker is not deployed)", zap.Error(err))
	} else {
		defer bus.Close()
		check("RabbitMQ: Publish", bus.Publish(ctx, domain.Event{Kind: domain.EventDebug, Message: "verification", Timestamp: time.Now().UTC()}))
	}

	// 6. Test process runner
	log.Info("--- Testing Process Runner ---")
	procs, closeProcs, err := app.Processes(ctx, appConfig.Runner, log)
	if err != nil {
		check("Process: Init", err)
	} else {
		defer closeProcs()
		res, err := procs.Run(ctx, port.ProcessSpec{Owner: nodeID, Name: "echo", Command: "echo", Args: []string{"ok"}})
		if err == nil && res.ExitCode != 0 {
			err = fmt.Errorf("exit code %d", res.ExitCode)
		}
		check("Process: Run", err, zap.String("backend", appConfig.Runner.Backend))
	}
	if _, ok := procs.(*process.DockerRunner); ok {
		log.Info("Docker backend in use", zap.String("image", appConfig.Runner.DockerImage))
	}

	// 7. Test Prometheus
	log.Info("--- Testing Prometheus ---")
	metrics := prometheus.NewMetrics(nodeID)
	metrics.LockAttempt(true)
	families, err := metrics.Registry().Gather()
	if err == nil && len(families) == 0 {
		err = fmt.Errorf("no metric families gathered")
	}
	check("Prometheus: Gather", err, zap.Int("families", len(families)))

	// cleanup
	_, _ = svc.Locks.ReleaseAllHeldBy(ctx, nodeID)

	if failed {
		log.Error("Verification Failed.")
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Verification Complete.")
}
