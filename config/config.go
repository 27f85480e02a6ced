// Package config loads process configuration from the environment.
//
// Every variable is prefixed with CREDITLEDGER_. A .env file in the working
// directory is loaded first when present (see cmd/).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "CREDITLEDGER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Ledger LedgerConfig
	HTTP   HTTPConfig
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "sqlite", "sqlite3", "gorm-sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("%s_DB_DSN is required", EnvPrefix)
	}
	if c.Redis.LockTTL <= 0 {
		return fmt.Errorf("%s_LOCK_TTL must be positive", EnvPrefix)
	}
	if c.Ledger.RecalcInterval < 0 {
		return fmt.Errorf("%s_RECALC_INTERVAL must not be negative", EnvPrefix)
	}
	return nil
}

type AppConfig struct {
	Env       string `envconfig:"CREDITLEDGER_APP_ENV" default:"dev"`
	Port      string `envconfig:"CREDITLEDGER_APP_PORT" default:"8080"`
	LogLevel  string `envconfig:"CREDITLEDGER_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"CREDITLEDGER_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// DBConfig selects the store; see store.Open for the driver names.
type DBConfig struct {
	Driver string `envconfig:"CREDITLEDGER_DB_DRIVER" default:"sqlite"`
	DSN    string `envconfig:"CREDITLEDGER_DB_DSN" default:"credit-ledger.db"`
}

// RedisConfig enables the distributed party lock when URL is set.
type RedisConfig struct {
	URL     string        `envconfig:"CREDITLEDGER_REDIS_URL"`
	LockTTL time.Duration `envconfig:"CREDITLEDGER_LOCK_TTL" default:"10s"`
}

func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

type LedgerConfig struct {
	LegacySweep bool `envconfig:"CREDITLEDGER_LEGACY_SWEEP" default:"false"`
	// RecalcInterval schedules RecalculateAllBalances; 0 disables it.
	RecalcInterval time.Duration `envconfig:"CREDITLEDGER_RECALC_INTERVAL" default:"0"`
}

type HTTPConfig struct {
	CORSOrigins     []string      `envconfig:"CREDITLEDGER_CORS_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`
	ShutdownTimeout time.Duration `envconfig:"CREDITLEDGER_SHUTDOWN_TIMEOUT" default:"10s"`
}
