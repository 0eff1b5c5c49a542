// Package cli implements farmctl, the operator command line for the render farm.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/crabzie/fog-render-farm/config/logger"
	postgresConfig "github.com/crabzie/fog-render-farm/config/storage/postgresql"
	redisConfig "github.com/crabzie/fog-render-farm/config/storage/redis"
	config "github.com/crabzie/fog-render-farm/config/utils"
	redisNotify "github.com/crabzie/fog-render-farm/internal/adapter/notify/redis"
	"github.com/crabzie/fog-render-farm/internal/adapter/storage/postgres"
	"github.com/crabzie/fog-render-farm/internal/app"
	"github.com/crabzie/fog-render-farm/internal/core/service"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// env is what every subcommand operates on
type env struct {
	cfg       *config.AppConfig
	svc       *app.Services
	snapshots redisNotify.Snapshots // nil when redis is unreachable
	log       *zap.Logger
	close     func()
}

var (
	cfgFile string
	output  string
	timeout time.Duration

	current *env

	// openEnv connects to the shared store, tests swap it for a memory-backed env
	openEnv = connect
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "farmctl",
		Short:        "Inspect and steer the fog render farm",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			current = e
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./config.yaml)")
	root.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format: table | json")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout for store operations")
	root.PersistentFlags().String("log-level", "warn", "log level: debug | info | warn | error")
	bindFlag("logger.level", root.PersistentFlags(), "log-level")

	root.AddCommand(
		newCreateCmd(),
		newListCmd(),
		newGetCmd(),
		newAssignCmd(),
		newStatusCmd(),
		newNodesCmd(),
		newAbortCmd(),
		newLocksCmd(),
		newReleaseCmd(),
		newFoldersCmd(),
		newReconcileCmd(),
	)
	return root
}

// Execute is the entry point called from cmd/farmctl/main.go.
func Execute() {
	err := newRootCmd().ExecuteContext(context.Background())
	if current != nil && current.close != nil {
		current.close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}

func connect(ctx context.Context) (*env, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	cfg := config.New()
	log := logger.Build(cfg.Logger, zap.String("service", "farmctl"))

	db, err := postgresConfig.New(ctx, cfg.DB, log.Named("DB"))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	repos := postgres.NewRepositories(db, log.Named("DB"))

	closers := []func(){db.Close}
	e := &env{cfg: cfg, log: log}

	// status changes made here reach monitors like any node's
	notifier, closeNotifier := app.Notifier(ctx, cfg, log)
	closers = append(closers, closeNotifier)

	if rdb, err := redisConfig.New(ctx, cfg.Redis); err == nil {
		e.snapshots = rdb.Storage
		closers = append(closers, func() { _ = rdb.Close() })
	}

	e.svc = app.NewServices(cfg, app.Stores{
		Nodes:   repos.Nodes,
		Tasks:   repos.Tasks,
		Locks:   repos.Locks,
		Folders: repos.Folders,
	}, notifier, nil, service.SystemClock{}, log)
	e.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		_ = log.Sync()
	}
	return e, nil
}

func opCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

// printJSON writes v as indented JSON, used by every command when --output json
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
