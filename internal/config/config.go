// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full server configuration, populated from environment
// variables. POSTGRES_DSN is required; empty REDIS_ADDR or NATS_URL disable
// the corresponding collaborator and the router degrades gracefully.
type Config struct {
	ListenAddr     string        `envconfig:"LISTEN_ADDR" default:":8080"`
	ServerName     string        `envconfig:"SERVER_NAME"`
	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	PostgresDSN string `envconfig:"POSTGRES_DSN"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`
	NATSURL     string `envconfig:"NATS_URL"`

	GroupFanoutStrict bool `envconfig:"GROUP_FANOUT_STRICT" default:"false"`
	RateLimitEnabled  bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load reads the configuration from the environment. ServerName falls back
// to the hostname so bus events carry a usable origin by default.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.ServerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "chat-1"
		}
		cfg.ServerName = host
	}

	return cfg, nil
}
