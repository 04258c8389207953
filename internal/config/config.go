package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tidilihatim/avolship-sub008/internal/log"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr  string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string

	// JournalDBURL enables the Postgres lease-transition journal when set.
	JournalDBURL string

	JWTSecret string

	LeaseTTL          time.Duration
	SweepInterval     time.Duration
	MaxWorkload       int
	SessionBuffer     int
	KeepaliveInterval time.Duration

	OrderCreatedChannel   string
	OrderCancelledChannel string
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables come from the environment.
		logger.Debugw("No .env file loaded", "error", err)
	}

	cfg := &Config{
		ListenAddr:            envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:           envOr("METRICS_ADDR", ":2112"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		JournalDBURL:          os.Getenv("JOURNAL_DB_URL"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		LeaseTTL:              5 * time.Minute,
		MaxWorkload:           3,
		SessionBuffer:         64,
		KeepaliveInterval:     25 * time.Second,
		OrderCreatedChannel:   envOr("ORDER_CREATED_CHANNEL", "orders:created"),
		OrderCancelledChannel: envOr("ORDER_CANCELLED_CHANNEL", "orders:cancelled"),
	}

	if v := os.Getenv("LEASE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LEASE_TTL: %w", err)
		}
		cfg.LeaseTTL = d
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = d
	}
	if cfg.SweepInterval <= 0 {
		// Tunable; a quarter of the lease window keeps expired orders from
		// sitting unclaimed for long without hammering the store.
		cfg.SweepInterval = cfg.LeaseTTL / 4
	}
	if v := os.Getenv("KEEPALIVE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid KEEPALIVE_INTERVAL: %w", err)
		}
		cfg.KeepaliveInterval = d
	}
	if v := os.Getenv("MAX_WORKLOAD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid MAX_WORKLOAD: %s", v)
		}
		cfg.MaxWorkload = n
	}
	if v := os.Getenv("SESSION_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid SESSION_BUFFER: %s", v)
		}
		cfg.SessionBuffer = n
	}

	if cfg.RedisAddr == "" {
		logger.Errorw("REDIS_ADDR is required")
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.JWTSecret == "" {
		logger.Errorw("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.LeaseTTL <= 0 {
		return nil, fmt.Errorf("LEASE_TTL must be positive")
	}

	logger.Infow("Config loaded",
		"lease_ttl", cfg.LeaseTTL,
		"sweep_interval", cfg.SweepInterval,
		"max_workload", cfg.MaxWorkload,
	)
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
