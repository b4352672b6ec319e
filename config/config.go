// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/ledger-engine/generic"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	// Server
	Port     int    `mapstructure:"PORT"`
	Env      string `mapstructure:"APP_ENV"` // development | production
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Storage
	DBDriver    string `mapstructure:"DB_DRIVER"` // sqlite | postgres | memory
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	// Collaborators
	OrderServiceURL     string        `mapstructure:"ORDER_SERVICE_URL"`
	CatalogServiceURL   string        `mapstructure:"CATALOG_SERVICE_URL"`
	DirectoryServiceURL string        `mapstructure:"DIRECTORY_SERVICE_URL"`
	PurchaseHistoryURL  string        `mapstructure:"PURCHASE_HISTORY_URL"`
	UpstreamTimeout     time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	UpstreamRetries     int           `mapstructure:"UPSTREAM_RETRIES"`
	PriceCacheTTL       time.Duration `mapstructure:"PRICE_CACHE_TTL"`

	// Jobs
	ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL"`

	// Ledger
	ConflictRetries    int           `mapstructure:"LEDGER_CONFLICT_RETRIES"`
	Epsilon            string        `mapstructure:"LEDGER_EPSILON"`
	CashbackPercentage string        `mapstructure:"CASHBACK_PERCENTAGE"`
	CashbackMaxBatch   int           `mapstructure:"CASHBACK_MAX_BATCH"`
	CashbackLockTTL    time.Duration `mapstructure:"CASHBACK_LOCK_TTL"`
}

// Load reads configuration from environment variables (and optional .env file).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	def := generic.DefaultLedgerConfig()
	v.SetDefault("PORT", 8080)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "./data/ledger.db")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("ORDER_SERVICE_URL", "")
	v.SetDefault("CATALOG_SERVICE_URL", "")
	v.SetDefault("DIRECTORY_SERVICE_URL", "")
	v.SetDefault("PURCHASE_HISTORY_URL", "")
	v.SetDefault("UPSTREAM_TIMEOUT", "5s")
	v.SetDefault("UPSTREAM_RETRIES", 2)
	v.SetDefault("PRICE_CACHE_TTL", "5m")
	v.SetDefault("RECONCILE_INTERVAL", "1h")
	v.SetDefault("LEDGER_CONFLICT_RETRIES", def.ConflictRetries)
	v.SetDefault("LEDGER_EPSILON", def.Epsilon.String())
	v.SetDefault("CASHBACK_PERCENTAGE", def.CashbackPercentage.String())
	v.SetDefault("CASHBACK_MAX_BATCH", def.CashbackMaxBatch)
	v.SetDefault("CASHBACK_LOCK_TTL", def.CashbackLockTTL.String())

	// Optional .env file for local development; missing is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.Ledger(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Ledger converts the ledger knobs into the value threaded through the
// service.
func (c *Config) Ledger() (generic.LedgerConfig, error) {
	lc := generic.DefaultLedgerConfig()
	lc.ConflictRetries = c.ConflictRetries
	lc.CashbackMaxBatch = c.CashbackMaxBatch
	lc.CashbackLockTTL = c.CashbackLockTTL

	eps, err := decimal.NewFromString(c.Epsilon)
	if err != nil {
		return lc, fmt.Errorf("LEDGER_EPSILON: %w", err)
	}
	pct, err := decimal.NewFromString(c.CashbackPercentage)
	if err != nil {
		return lc, fmt.Errorf("CASHBACK_PERCENTAGE: %w", err)
	}
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return lc, fmt.Errorf("CASHBACK_PERCENTAGE: %s out of range 0..100", pct)
	}
	lc.Epsilon = eps
	lc.CashbackPercentage = pct
	return lc, nil
}
