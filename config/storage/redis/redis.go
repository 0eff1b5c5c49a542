// Package redis connects the event channel and the last-event snapshot store to one Redis pool.
package redis

import (
	"context"
	"fmt"
	"net"
	"time"

	config "github.com/crabzie/fog-render-farm/config/utils"

	"github.com/gofiber/storage/redis/v3"
	redigo "github.com/redis/go-redis/v9"
)

// Redis exposes the raw client for pub/sub and a key/value storage on the same pool
type Redis struct {
	Client  redigo.UniversalClient
	Storage *redis.Storage
}

// New dials Redis and fails fast when the server does not answer a ping
func New(ctx context.Context, cfg *config.Redis) (*Redis, error) {
	client := redigo.NewUniversalClient(options(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr(cfg), err)
	}

	return &Redis{Client: client, Storage: redis.NewFromConnection(client)}, nil
}

func options(cfg *config.Redis) *redigo.UniversalOptions {
	pool := cfg.PoolSize
	if pool <= 0 {
		pool = 10
	}
	return &redigo.UniversalOptions{
		Addrs:           []string{addr(cfg)},
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        pool,
		MinIdleConns:    pool / 5,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// addr prefers the explicit address and falls back to host and port
func addr(cfg *config.Redis) string {
	if cfg.Addr != "" || cfg.Host == "" {
		return cfg.Addr
	}
	port := cfg.Port
	if port == "" {
		port = "6379"
	}
	return net.JoinHostPort(cfg.Host, port)
}

// Close releases the shared pool
func (r *Redis) Close() error {
	return r.Client.Close()
}
