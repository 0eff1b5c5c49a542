// Package config provides utilities to load environment variables & set config structs, it includes app, node, scheduler, notification, runner, redis, rabbitmq, db, metrics and telemetry settings.
package config

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application, database, cache, broker, node and scheduler
type (
	AppConfig struct {
		App       *App       `mapstructure:"app"`
		Redis     *Redis     `mapstructure:"redis"`
		RabbitMQ  *RabbitMQ  `mapstructure:"rabbitmq"`
		Logger    *Logger    `mapstructure:"logger"`
		DB        *DB        `mapstructure:"db"`
		Node      *Node      `mapstructure:"node"`
		Scheduler *Scheduler `mapstructure:"scheduler"`
		Claim     *Claim     `mapstructure:"claim"`
		Notify    *Notify    `mapstructure:"notify"`
		Runner    *Runner    `mapstructure:"runner"`
		Metrics   *Metrics   `mapstructure:"metrics"`
		Telemetry *Telemetry `mapstructure:"telemetry"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains all the environment variables for the cache service
	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"poolSize"`
	}

	// RabbitMQ contains the broker connection settings
	RabbitMQ struct {
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		Exchange string `mapstructure:"exchange"`
	}

	// DB contains all the environment variables for the database
	DB struct {
		Connection string `mapstructure:"connection"`
		Database   string `mapstructure:"database"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
		MaxConns   int32  `mapstructure:"maxConns"`
	}

	// Node contains the identity and loop timings of a fog node
	Node struct {
		ID                   string        `mapstructure:"id"`
		Name                 string        `mapstructure:"name"`
		IPAddress            string        `mapstructure:"ipAddress"`
		Fingerprint          string        `mapstructure:"fingerprint"`
		PollInterval         time.Duration `mapstructure:"pollInterval"`
		StuckAfter           time.Duration `mapstructure:"stuckAfter"`
		HeartbeatInterval    time.Duration `mapstructure:"heartbeatInterval"`
		MaxHeartbeatFailures int           `mapstructure:"maxHeartbeatFailures"`
		ListenForChanges     bool          `mapstructure:"listenForChanges"`
	}

	// Scheduler contains the reconciler schedule and the shared liveness thresholds
	Scheduler struct {
		ReconcileSchedule  string        `mapstructure:"reconcileSchedule"`
		LockStaleAfter     time.Duration `mapstructure:"lockStaleAfter"`
		NodeStaleAfter     time.Duration `mapstructure:"nodeStaleAfter"`
		AvailabilityWindow time.Duration `mapstructure:"availabilityWindow"`
	}

	// Claim tunes the cooperative folder claim loop
	Claim struct {
		RetryDelay        time.Duration `mapstructure:"retryDelay"`
		MaxEmptyRounds    int           `mapstructure:"maxEmptyRounds"`
		ReclaimDeadOwners bool          `mapstructure:"reclaimDeadOwners"`
	}

	// Notify selects the best-effort event transport
	Notify struct {
		Backend     string        `mapstructure:"backend"`
		Channel     string        `mapstructure:"channel"`
		SnapshotTTL time.Duration `mapstructure:"snapshotTTL"`
	}

	// Runner selects how external tools are executed
	Runner struct {
		Backend        string        `mapstructure:"backend"`
		DockerImage    string        `mapstructure:"dockerImage"`
		DefaultTimeout time.Duration `mapstructure:"defaultTimeout"`
		OutputDir      string        `mapstructure:"outputDir"`
	}

	// Metrics contains the prometheus exporter settings
	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	}

	// Telemetry contains the tracing settings
	Telemetry struct {
		Enabled     bool   `mapstructure:"enabled"`
		ServiceName string `mapstructure:"serviceName"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// setDefaults makes a missing config.yaml usable for local runs
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fog-render-farm")
	v.SetDefault("app.env", "development")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
	v.SetDefault("logger.encoderConfig.messageKey", "msg")
	v.SetDefault("logger.encoderConfig.levelKey", "level")
	v.SetDefault("logger.encoderConfig.timeKey", "ts")
	v.SetDefault("logger.encoderConfig.nameKey", "logger")
	v.SetDefault("logger.encoderConfig.callerKey", "caller")
	v.SetDefault("logger.encoderConfig.stacktraceKey", "stacktrace")

	v.SetDefault("db.connection", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.name", "farm")
	v.SetDefault("db.maxConns", 4)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.poolSize", 10)

	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", "5672")
	v.SetDefault("rabbitmq.exchange", "farm.events")

	v.SetDefault("node.pollInterval", 5*time.Second)
	v.SetDefault("node.stuckAfter", 30*time.Second)
	v.SetDefault("node.heartbeatInterval", 30*time.Second)
	v.SetDefault("node.maxHeartbeatFailures", 3)
	v.SetDefault("node.listenForChanges", true)

	v.SetDefault("scheduler.reconcileSchedule", "@every 30s")
	v.SetDefault("scheduler.lockStaleAfter", 10*time.Minute)
	v.SetDefault("scheduler.nodeStaleAfter", time.Hour)
	v.SetDefault("scheduler.availabilityWindow", time.Minute)

	v.SetDefault("claim.retryDelay", 2*time.Second)
	v.SetDefault("claim.maxEmptyRounds", 3)
	v.SetDefault("claim.reclaimDeadOwners", true)

	v.SetDefault("notify.backend", "redis")
	v.SetDefault("notify.channel", "farm:events")
	v.SetDefault("notify.snapshotTTL", time.Hour)

	v.SetDefault("runner.backend", "exec")
	v.SetDefault("runner.defaultTimeout", 30*time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.serviceName", "fog-render-farm")
}

// bindEnv maps the deployment environment variables onto config keys
func bindEnv(v *viper.Viper) error {
	binds := map[string]string{
		"app.name":          "APP_NAME",
		"db.host":           "PG_HOST",
		"db.port":           "PG_PORT",
		"db.user":           "PG_USER",
		"db.password":       "PG_PASS",
		"db.name":           "PG_DB",
		"redis.addr":        "REDIS_ADDR",
		"redis.password":    "REDIS_PASSWORD",
		"rabbitmq.user":     "MQ_USER",
		"rabbitmq.password": "MQ_PASS",
		"rabbitmq.host":     "MQ_HOST",
		"rabbitmq.port":     "MQ_PORT",
		"node.id":           "NODE_ID",
		"node.name":         "NODE_NAME",
		"node.ipAddress":    "NODE_IP",
		"notify.backend":    "NOTIFY_BACKEND",
		"runner.backend":    "RUNNER_BACKEND",
	}
	var errs []error
	for key, env := range binds {
		errs = append(errs, v.BindEnv(key, env))
	}
	return errors.Join(errs...)
}

// Load decodes v into an AppConfig after applying defaults and env bindings.
// It does not read any file, so callers decide where configuration comes from.
func Load(v *viper.Viper) (*AppConfig, error) {
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	var config *AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)
	return config, nil
}

// New creates a new AppConfig instance from .env, config.yaml and the environment
func New() *AppConfig {
	// .env is optional, real environment variables win
	_ = godotenv.Load()

	// Set up viper to read the config.yaml file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/secrets/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Printf("config file not found, using defaults: %v", err)
		} else {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	config, err := Load(viper.GetViper())
	if err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	return config
}
