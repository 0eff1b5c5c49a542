package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/fog-render-farm/config/logger"
	postgresConfig "github.com/crabzie/fog-render-farm/config/storage/postgresql"
	"github.com/crabzie/fog-render-farm/config/telemetry"
	config "github.com/crabzie/fog-render-farm/config/utils"
	"github.com/crabzie/fog-render-farm/internal/adapter/monitoring/prometheus"
	"github.com/crabzie/fog-render-farm/internal/adapter/storage/postgres"
	"github.com/crabzie/fog-render-farm/internal/app"
	"github.com/crabzie/fog-render-farm/internal/core/port"
	"github.com/crabzie/fog-render-farm/internal/core/service"
	"github.com/crabzie/fog-render-farm/pkg/hostinfo"
	"github.com/crabzie/fog-render-farm/pkg/retry"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// 1. Init Config & Logger
	appConfig := config.New()
	if appConfig.Node.ID == "" {
		// a fresh id is folded into the existing record by fingerprint
		appConfig.Node.ID = uuid.NewString()
	}
	log := logger.Build(appConfig.Logger, zap.String("service", "node"), zap.String("node_id", appConfig.Node.ID))
	logger.WatchLevel(viper.GetViper())
	log.Info("Starting Fog Node", zap.String("app", appConfig.App.Name), zap.String("env", appConfig.App.Env))

	shutdownTracer, err := telemetry.InitTracer(rootCtx, appConfig.Telemetry, appConfig.Node.ID, nil)
	if err != nil {
		log.Fatal("Failed to init tracing", zap.Error(err))
	}
	defer shutdownTracer()

	var metrics port.Metrics = service.NopMetrics()
	if appConfig.Metrics.Enabled {
		m := prometheus.NewMetrics(appConfig.Node.ID)
		m.Serve(rootCtx, appConfig.Metrics.Addr, log.Named("Metrics"))
		metrics = m
	}

	// 2. Init Adapters

	// Postgres with Retry
	var dbService *postgresConfig.DB
	err = retry.Do(rootCtx, retry.Config{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		OnRetry: func(attempt int, err error) {
			log.Warn("Failed to connect to Postgres, retrying...", zap.Int("attempt", attempt), zap.Error(err))
		},
	}, func() error {
		var err error
		dbService, err = postgresConfig.New(rootCtx, appConfig.DB, log.Named("DB"))
		return err
	})
	if err != nil {
		log.Fatal("Failed to init Postgres", zap.Error(err))
	}
	defer dbService.Close()
	repos := postgres.NewRepositories(dbService, log.Named("DB"))

	notifier, closeNotifier := app.Notifier(rootCtx, appConfig, log)
	defer closeNotifier()

	processes, closeProcesses, err := app.Processes(rootCtx, appConfig.Runner, log)
	if err != nil {
		log.Fatal("Failed to init process runner", zap.Error(err))
	}
	defer closeProcesses()

	// 3. Init Services
	svc := app.NewServices(appConfig, app.Stores{
		Nodes:   repos.Nodes,
		Tasks:   repos.Tasks,
		Locks:   repos.Locks,
		Folders: repos.Folders,
	}, notifier, metrics, service.SystemClock{}, log)

	self := app.Self(appConfig.Node, hostinfo.Fingerprint(), hostinfo.OutboundIP(), time.Now().UTC())
	heartbeat := service.NewHeartbeatSupervisor(svc.Registry, self, metrics, app.HeartbeatConfig(appConfig.Node), log.Named("Heartbeat"))
	registered, err := heartbeat.Register(rootCtx)
	if err != nil {
		log.Fatal("Failed to register node", zap.Error(err))
	}
	log.Info("Node registered",
		zap.String("name", registered.Name),
		zap.String("ip", registered.IPAddress),
		zap.String("fingerprint", registered.HardwareFingerprint))

	runners := app.Runners(self, svc, processes, appConfig.Runner.OutputDir, log)
	poller := service.NewPoller(self, svc.Tasks, runners, svc.Locks, processes, notifier, metrics,
		service.SystemClock{}, app.PollerConfig(appConfig.Node), log.Named("Poller"))

	// LISTEN/NOTIFY only shortens latency, the poll interval still applies
	var wake <-chan struct{}
	if appConfig.Node.ListenForChanges {
		listener, err := postgres.NewTaskListener(dbService.URL(), postgres.TasksChannel, log.Named("Listener"))
		if err != nil {
			log.Warn("Task listener disabled", zap.Error(err))
		} else {
			defer listener.Close()
			go listener.Run(rootCtx)
			wake = listener.Wake()
		}
	}

	// 4. Start loops
	stopHeartbeat := heartbeat.Start(rootCtx)
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		poller.Start(rootCtx, wake)
	}()
	log.Info("Node started successfully. Waiting for tasks...")

	// 5. Wait for Shutdown
	<-rootCtx.Done()
	log.Info("Shutting down...")

	stopHeartbeat()
	<-pollerDone
	poller.Wait()

	// hand held folders back to peers
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if released, err := svc.Locks.ReleaseAllHeldBy(cleanupCtx, self.ID); err != nil {
		log.Warn("Failed to release locks", zap.Error(err))
	} else {
		log.Info("Released locks", zap.Int("count", released))
	}

	log.Info("Shutdown complete")
	_ = log.Sync()
}
