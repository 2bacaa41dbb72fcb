package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/RickSF09/eva-sub001/pkg/config"
)

const defaultDialTimeout = 5 * time.Second

// Config configures a topology-agnostic Redis connection.
type Config struct {
	Addrs        []string // single: 1 addr, sentinel: sentinel addrs, cluster: seed nodes
	MasterName   string   // sentinel only
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ConfigFromEnv reads REDIS_ADDRS, REDIS_MASTER_NAME, REDIS_USERNAME,
// REDIS_PASSWORD and REDIS_DB. Enabled is false when no address is set.
func ConfigFromEnv() (cfg Config, enabled bool) {
	cfg = Config{
		Addrs:      config.GetEnvList("REDIS_ADDRS"),
		MasterName: config.GetEnv("REDIS_MASTER_NAME", ""),
		Username:   config.GetEnv("REDIS_USERNAME", ""),
		Password:   config.GetEnv("REDIS_PASSWORD", ""),
		DB:         config.GetEnvInt("REDIS_DB", 0),
	}
	return cfg, len(cfg.Addrs) > 0
}

// NewUniversalClient creates a Redis client that works with single-node,
// Sentinel, or Cluster topologies. go-redis routes internally: MasterName
// set → Sentinel, multiple Addrs → Cluster, single Addr → standalone.
func NewUniversalClient(ctx context.Context, cfg Config) (goredis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("at least one redis address is required")
	}

	opts := &goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  orDefault(cfg.DialTimeout),
		ReadTimeout:  orDefault(cfg.ReadTimeout),
		WriteTimeout: orDefault(cfg.WriteTimeout),
	}

	client := goredis.NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultDialTimeout
	}
	return d
}
