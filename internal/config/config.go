// Package config loads service configuration: built-in defaults, then an
// optional YAML file, then SANDBOX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/cookie-sandbox/internal/automation"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "sandbox"

// Backends lists the accepted backend names
var Backends = []string{"chrome", "docker", "playwright"}

// Config holds all service configuration
type Config struct {
	Addr string `yaml:"addr" envconfig:"ADDR"`

	// Browser backends
	Backend           string `yaml:"backend" envconfig:"BACKEND"`
	ChromeBinary      string `yaml:"chrome_binary" envconfig:"CHROME_BINARY"`
	Headless          bool   `yaml:"headless" envconfig:"HEADLESS"`
	BasePort          int    `yaml:"base_port" envconfig:"BASE_PORT"`
	DockerImage       string `yaml:"docker_image" envconfig:"DOCKER_IMAGE"`
	PlaywrightInstall bool   `yaml:"playwright_install" envconfig:"PLAYWRIGHT_INSTALL"`

	// Storage
	DataDir         string `yaml:"data_dir" envconfig:"DATA_DIR"`
	ArchiveProfiles bool   `yaml:"archive_profiles" envconfig:"ARCHIVE_PROFILES"`

	// Limits
	MaxBatch              int `yaml:"max_batch" envconfig:"MAX_BATCH"`
	MaxConcurrentLaunches int `yaml:"max_concurrent_launches" envconfig:"MAX_CONCURRENT_LAUNCHES"`
	RateLimitPerHour      int `yaml:"rate_limit_per_hour" envconfig:"RATE_LIMIT_PER_HOUR"`
	RateLimitBurst        int `yaml:"rate_limit_burst" envconfig:"RATE_LIMIT_BURST"`

	// Logging
	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`

	// Timeouts
	LaunchTimeout     time.Duration `yaml:"launch_timeout" envconfig:"LAUNCH_TIMEOUT"`
	FieldTimeout      time.Duration `yaml:"field_timeout" envconfig:"FIELD_TIMEOUT"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout" envconfig:"RECOVERY_TIMEOUT"`
	SettleTimeout     time.Duration `yaml:"settle_timeout" envconfig:"SETTLE_TIMEOUT"`
	SettleGrace       time.Duration `yaml:"settle_grace" envconfig:"SETTLE_GRACE"`
	PopupTimeout      time.Duration `yaml:"popup_timeout" envconfig:"POPUP_TIMEOUT"`
	PopupCloseTimeout time.Duration `yaml:"popup_close_timeout" envconfig:"POPUP_CLOSE_TIMEOUT"`
	HarvestTimeout    time.Duration `yaml:"harvest_timeout" envconfig:"HARVEST_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// Default returns the built-in configuration
func Default() Config {
	t := automation.DefaultTimeouts()
	return Config{
		Addr:                  ":8080",
		Backend:               "chrome",
		Headless:              true,
		BasePort:              9222,
		DockerImage:           "browserless/chrome:latest",
		DataDir:               "./storage",
		MaxBatch:              20,
		MaxConcurrentLaunches: 4,
		RateLimitPerHour:      100,
		RateLimitBurst:        10,
		LogLevel:              "info",
		LogFormat:             "text",
		LaunchTimeout:         30 * time.Second,
		FieldTimeout:          t.Field,
		RecoveryTimeout:       t.Recovery,
		SettleTimeout:         t.Settle,
		SettleGrace:           t.Grace,
		PopupTimeout:          t.Popup,
		PopupCloseTimeout:     t.PopupClose,
		HarvestTimeout:        20 * time.Second,
		ShutdownTimeout:       30 * time.Second,
	}
}

// Load builds the configuration. A missing .env file is not an error; a
// missing YAML file is, when one is named.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unusable values
func (c Config) Validate() error {
	var errs []error

	known := false
	for _, b := range Backends {
		known = known || b == c.Backend
	}
	if !known {
		errs = append(errs, fmt.Errorf("backend %q is not one of %v", c.Backend, Backends))
	}
	if c.BasePort <= 0 || c.BasePort > 65535 {
		errs = append(errs, fmt.Errorf("base_port %d out of range", c.BasePort))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	for name, v := range map[string]int{
		"max_batch":               c.MaxBatch,
		"max_concurrent_launches": c.MaxConcurrentLaunches,
		"rate_limit_per_hour":     c.RateLimitPerHour,
		"rate_limit_burst":        c.RateLimitBurst,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	for name, d := range map[string]time.Duration{
		"launch_timeout":      c.LaunchTimeout,
		"field_timeout":       c.FieldTimeout,
		"recovery_timeout":    c.RecoveryTimeout,
		"settle_timeout":      c.SettleTimeout,
		"popup_timeout":       c.PopupTimeout,
		"popup_close_timeout": c.PopupCloseTimeout,
		"harvest_timeout":     c.HarvestTimeout,
		"shutdown_timeout":    c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.SettleGrace < 0 {
		errs = append(errs, fmt.Errorf("settle_grace must not be negative, got %s", c.SettleGrace))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// ProfilesDir holds sandbox profile directories
func (c Config) ProfilesDir() string { return filepath.Join(c.DataDir, "profiles") }

// CookiesDir holds harvested cookie files
func (c Config) CookiesDir() string { return filepath.Join(c.DataDir, "cookies") }

// ArchivesDir holds profile archives
func (c Config) ArchivesDir() string { return filepath.Join(c.DataDir, "archives") }

// Automation returns the automation engine's bounds
func (c Config) Automation() automation.Timeouts {
	return automation.Timeouts{
		Field:      c.FieldTimeout,
		Recovery:   c.RecoveryTimeout,
		Settle:     c.SettleTimeout,
		Grace:      c.SettleGrace,
		Popup:      c.PopupTimeout,
		PopupClose: c.PopupCloseTimeout,
	}
}
