package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds the service configuration, read from the environment and optional .env files
type Config struct {
	DatabaseURL    string        `mapstructure:"database_url"`
	MigrationsPath string        `mapstructure:"migrations_path"`
	Port           string        `mapstructure:"port"`
	RedisAddr      string        `mapstructure:"redis_addr"`
	RedisKey       string        `mapstructure:"redis_key"`
	RuleCacheTTL   time.Duration `mapstructure:"rule_cache_ttl"`

	LogLevel    string `mapstructure:"log_level"`
	OTELEnabled bool   `mapstructure:"otel_enabled"`
	ServiceName string `mapstructure:"otel_service_name"`

	Currency       string `mapstructure:"currency"`
	ResolutionMode string `mapstructure:"resolution_mode"`
	Timezone       string `mapstructure:"timezone"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`

	RawFallbackFee        string `mapstructure:"fallback_fee"`
	RawReconcileTolerance string `mapstructure:"reconcile_tolerance"`

	// parsed from the raw fields by Load
	FallbackFee        decimal.Decimal `mapstructure:"-"`
	ReconcileTolerance decimal.Decimal `mapstructure:"-"`
	Location           *time.Location  `mapstructure:"-"`
}

// Load reads configuration. Each envFile is loaded with godotenv if it exists;
// with no envFiles, ".env" is tried. Variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("migrations_path", "migrations")
	v.SetDefault("port", "8080")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_key", "tollpricing:fee_rules:active")
	v.SetDefault("rule_cache_ttl", "0s")

	v.SetDefault("log_level", "INFO")
	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_service_name", "tollpricing")

	v.SetDefault("currency", "EGP")
	v.SetDefault("resolution_mode", "highest_priority")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("max_upload_bytes", 10<<20)

	v.SetDefault("fallback_fee", "10")
	v.SetDefault("reconcile_tolerance", "0")
}

func (c *Config) finalize() error {
	var err error

	c.FallbackFee, err = decimal.NewFromString(strings.TrimSpace(c.RawFallbackFee))
	if err != nil {
		return fmt.Errorf("FALLBACK_FEE %q is not a number", c.RawFallbackFee)
	}
	if c.FallbackFee.IsNegative() {
		return fmt.Errorf("FALLBACK_FEE must not be negative")
	}

	c.ReconcileTolerance, err = decimal.NewFromString(strings.TrimSpace(c.RawReconcileTolerance))
	if err != nil {
		return fmt.Errorf("RECONCILE_TOLERANCE %q is not a number", c.RawReconcileTolerance)
	}
	if c.ReconcileTolerance.IsNegative() {
		return fmt.Errorf("RECONCILE_TOLERANCE must not be negative")
	}

	c.Location, err = time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}

	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY %q must be a three-letter code", c.Currency)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.RuleCacheTTL < 0 {
		return fmt.Errorf("RULE_CACHE_TTL must not be negative")
	}
	return nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}
