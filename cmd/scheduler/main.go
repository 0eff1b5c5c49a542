package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabzie/fog-render-farm/config/logger"
	postgres "github.com/crabzie/fog-render-farm/config/storage/postgresql"
	config "github.com/crabzie/fog-render-farm/config/utils"
	pgrepo "github.com/crabzie/fog-render-farm/internal/adapter/storage/postgres"
	"github.com/crabzie/fog-render-farm/internal/app"
	"github.com/crabzie/fog-render-farm/internal/core/service"
	"github.com/crabzie/fog-render-farm/pkg/retry"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// _shutdownPeriod is time to wait for running reconciler jobs before exiting
const _shutdownPeriod = 10 * time.Second

func main() {
	rootCtx, rootCtxCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCtxCancel()

	// Init config
	appConfig := config.New()
	baseLogger := logger.Build(appConfig.Logger, zap.String("service", "scheduler"))
	logger.WatchLevel(viper.GetViper())
	zap.L().Debug("Logger Builded successfully")

	zap.L().Info("Starting the application", zap.String("app", appConfig.App.Name), zap.String("env", appConfig.App.Env), zap.String("owner", appConfig.App.Owner))

	// Init database service
	dbLogger := baseLogger.Named("DB")
	var dbService *postgres.DB
	err := retry.Do(rootCtx, retry.Config{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		OnRetry: func(attempt int, err error) {
			zap.L().Warn("Failed to connect to the database, retrying...", zap.Int("attempt", attempt), zap.Error(err))
		},
	}, func() error {
		var err error
		dbService, err = postgres.New(rootCtx, appConfig.DB, dbLogger)
		return err
	})
	if err != nil {
		zap.L().Error("Error initializing database connection", zap.Error(err))
		os.Exit(1)
	}
	defer dbService.Close()
	zap.L().Info("Successfully connected to the database", zap.String("db", appConfig.DB.Connection))

	// Migrate database
	if err := dbService.Migrate(); err != nil {
		zap.L().Error("Error migrating database", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Successfully migrated the database")

	// Init notification transports
	notifier, closeNotifier := app.Notifier(rootCtx, appConfig, baseLogger)
	defer closeNotifier()

	repos := pgrepo.NewRepositories(dbService, dbLogger)
	svc := app.NewServices(appConfig, app.Stores{
		Nodes:   repos.Nodes,
		Tasks:   repos.Tasks,
		Locks:   repos.Locks,
		Folders: repos.Folders,
	}, notifier, nil, service.SystemClock{}, baseLogger)

	// Schedule reconciler passes
	c := app.NewCron(baseLogger)
	if err := app.ScheduleReconciler(rootCtx, c, appConfig.Scheduler.ReconcileSchedule, svc.Reconciler, baseLogger.Named("Reconciler")); err != nil {
		zap.L().Error("Error scheduling reconciler", zap.Error(err))
		os.Exit(1)
	}
	c.Start()
	zap.L().Info("Reconciler scheduled", zap.String("schedule", appConfig.Scheduler.ReconcileSchedule))

	// Wait for ctx cancelation
	<-rootCtx.Done()
	rootCtxCancel()

	stopped := c.Stop()
	select {
	case <-stopped.Done():
		zap.L().Info("Reconciler jobs finished")
	case <-time.After(_shutdownPeriod):
		zap.L().Warn("Reconciler jobs still running, exiting anyway")
	}

	zap.L().Info("Graceful shutdown complete.")
}
