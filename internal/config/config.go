// Package config loads keyforge configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Defaults applied before the file and environment are read.
const (
	DefaultMaxActivations = 5
	DefaultTrialDays      = 30
	DefaultValidYears     = 1
	DefaultSQLitePath     = "licenses.db"
	DefaultLockTimeout    = 5 * time.Second
	DefaultSweepSchedule  = "0 * * * *"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
)

// DefaultConfigDir returns the default config directory (~/.keyforge).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".keyforge"), nil
}

// DefaultConfigPath returns the default config file path (~/.keyforge/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// StoreConfig selects and configures the license store.
type StoreConfig struct {
	Driver      string `yaml:"driver" env:"KEYFORGE_STORE_DRIVER"`
	SQLitePath  string `yaml:"sqlite_path,omitempty" env:"KEYFORGE_SQLITE_PATH"`
	DatabaseURL string `yaml:"database_url,omitempty" env:"DATABASE_URL"`
}

// Config holds the license service configuration.
type Config struct {
	Secret         string        `yaml:"secret,omitempty" env:"KEYFORGE_SECRET"`
	MaxActivations int           `yaml:"max_activations" env:"KEYFORGE_MAX_ACTIVATIONS"`
	TrialDays      int           `yaml:"trial_days" env:"KEYFORGE_TRIAL_DAYS"`
	ValidYears     int           `yaml:"valid_years" env:"KEYFORGE_VALID_YEARS"`
	Store          StoreConfig   `yaml:"store"`
	RedisURL       string        `yaml:"redis_url,omitempty" env:"KEYFORGE_REDIS_URL"`
	LockTimeout    time.Duration `yaml:"lock_timeout" env:"KEYFORGE_LOCK_TIMEOUT"`
	SweepSchedule  string        `yaml:"sweep_schedule" env:"KEYFORGE_SWEEP_SCHEDULE"`
	MetricsAddr    string        `yaml:"metrics_addr,omitempty" env:"KEYFORGE_METRICS_ADDR"`
	LogLevel       string        `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat      string        `yaml:"log_format" env:"LOG_FORMAT"`
}

// Default returns a Config with every default applied and no secret.
func Default() *Config {
	return &Config{
		MaxActivations: DefaultMaxActivations,
		TrialDays:      DefaultTrialDays,
		ValidYears:     DefaultValidYears,
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: DefaultSQLitePath,
		},
		LockTimeout:   DefaultLockTimeout,
		SweepSchedule: DefaultSweepSchedule,
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
	}
}

// Load reads the configuration from path and applies environment overrides.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration can run the license service.
func (c *Config) Validate() error {
	var errs []error
	if c.Secret == "" {
		errs = append(errs, errors.New("secret is required"))
	}
	if c.MaxActivations <= 0 {
		errs = append(errs, errors.New("max_activations must be positive"))
	}
	if c.TrialDays <= 0 {
		errs = append(errs, errors.New("trial_days must be positive"))
	}
	if c.ValidYears <= 0 {
		errs = append(errs, errors.New("valid_years must be positive"))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("lock_timeout must be positive"))
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid sweep_schedule: %w", err))
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The file carries the shared secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
