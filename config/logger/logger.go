// Package logger provides zap logger implimentation logic.
package logger

import (
	"log"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	config "github.com/crabzie/fog-render-farm/config/utils"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// atomicLevel is logger log level invariant
var atomicLevel = zap.NewAtomicLevel()

// Build is a build function that's responsible for setting up base logger,
// fields are attached to every entry (usually service & node name)
func Build(config *config.Logger, fields ...zap.Field) *zap.Logger {
	return build(config, zapcore.Lock(os.Stdout), zapcore.Lock(os.Stderr), fields...)
}

func build(config *config.Logger, out, errOut zapcore.WriteSyncer, fields ...zap.Field) *zap.Logger {
	// Parse AtomicLevel from string
	t, err := zap.ParseAtomicLevel(config.Level)
	if err != nil {
		log.Fatalf("Couldn't parse initial atomic level at logger build: %v", err)
	}
	atomicLevel.SetLevel(t.Level())

	// create encoder
	encoder := zapcore.NewJSONEncoder(config.EncoderConfig)
	if config.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(config.EncoderConfig)
	}

	// Level filters
	highPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})

	lowPriority := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return atomicLevel.Enabled(lvl) && lvl < zapcore.ErrorLevel
	})

	infoCore := zapcore.NewCore(encoder, out, lowPriority)
	errorCore := zapcore.NewCore(encoder, errOut, highPriority)

	opts := []zap.Option{zap.AddCaller(), zap.Fields(fields...)}
	if config.Development {
		opts = append(opts, zap.Development())
	}
	if !config.DisableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	// Build logger
	logger := zap.New(zapcore.NewTee(infoCore, errorCore), opts...)
	zap.ReplaceGlobals(logger)
	return logger
}

// WatchLevel reloads the log level whenever the config file viper reads from changes
func WatchLevel(v *viper.Viper) {
	v.OnConfigChange(func(in fsnotify.Event) {
		if in.Op&(fsnotify.Create) == 0 {
			SetLevel(v.GetString("logger.level"))
		}
	})
	v.WatchConfig()
}

// SetLevel changes logger level dynamically
func SetLevel(level string) {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		zap.L().Error("Couldn't parse level", zap.Error(err))
	} else {
		zap.L().Info("Atomic level updated", zap.String("value", level))
		atomicLevel.SetLevel(l)
	}
}

// Level returns the current dynamic level
func Level() zapcore.Level {
	return atomicLevel.Level()
}
