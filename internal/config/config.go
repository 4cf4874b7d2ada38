package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

var validStoreBackends = []string{"memory", "file", "redis", "postgres"}

type Config struct {
	Port                 int    `env:"PORT" envDefault:"7410"`
	BackendURL           string `env:"BACKEND_URL,required"`
	SignalURL            string `env:"SIGNAL_URL,required"`
	SignalPath           string `env:"SIGNAL_PATH" envDefault:"/fireside"`
	RelayURL             string `env:"RELAY_URL,required"`
	ChainID              uint64 `env:"CHAIN_ID" envDefault:"137"`
	SessionStore         string `env:"SESSION_STORE" envDefault:"file"`
	SessionFile          string `env:"SESSION_FILE" envDefault:"wallet-session.json"`
	RedisURL             string `env:"REDIS_URL"`
	DatabaseURL          string `env:"DATABASE_URL"`
	EncryptionKey        string `env:"ENCRYPTION_KEY"`
	RequestTimeoutMS     int    `env:"REQUEST_TIMEOUT_MS" envDefault:"12000"`
	RequestRetries       int    `env:"REQUEST_RETRIES" envDefault:"2"`
	ApprovalTTLSeconds   int    `env:"APPROVAL_TTL_SECONDS" envDefault:"300"`
	ReconnectCeiling     int    `env:"RECONNECT_CEILING" envDefault:"5"`
	ReconnectMaxDelayMS  int    `env:"RECONNECT_MAX_DELAY_MS" envDefault:"5000"`
	ReconnectBaseDelayMS int    `env:"RECONNECT_BASE_DELAY_MS" envDefault:"1000"`
	LogLevel             string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLSeconds) * time.Second
}

func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMS) * time.Millisecond
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMS) * time.Millisecond
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate() error {
	valid := false
	for _, backend := range validStoreBackends {
		if c.SessionStore == backend {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("SESSION_STORE must be one of memory, file, redis, postgres (got %q)", c.SessionStore)
	}

	if c.SessionStore == "redis" && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when SESSION_STORE=redis")
	}
	if c.SessionStore == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when SESSION_STORE=postgres")
	}

	if c.EncryptionKey != "" {
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (generate with: openssl rand -hex 32)")
		}
	}

	if c.RequestRetries < 0 {
		return fmt.Errorf("REQUEST_RETRIES must not be negative")
	}
	if c.ReconnectCeiling < 1 {
		return fmt.Errorf("RECONNECT_CEILING must be at least 1")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
