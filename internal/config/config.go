// Package config loads the application configuration: a YAML file merged
// with FXBHARAT_* environment overrides, then defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/fxbharat/fxbharat/internal/storage"
)

// DefaultPath is where Load looks when no --config flag is given.
const DefaultPath = "fxbharat.yaml"

// Config holds every tunable the CLI and the watch worker read.
type Config struct {
	Database struct {
		// URL is a storage target: sqlite://, postgres://, mysql://,
		// mongodb:// or the literal "memory".
		URL string `yaml:"url"`
	} `yaml:"database"`
	Sources struct {
		// RBIDir and SBIDir override the source packages' default
		// artifact directories. Empty keeps the package default.
		RBIDir string `yaml:"rbi_dir"`
		SBIDir string `yaml:"sbi_dir"`
	} `yaml:"sources"`
	Watch struct {
		// Schedule is a standard cron expression or plain integer seconds.
		Schedule string `yaml:"schedule"`
		// Sources and Metals limit what a watch run refreshes. Empty
		// means every registered source or series.
		Sources []string `yaml:"sources"`
		Metals  []string `yaml:"metals"`
		// MetricsAddr exposes /metrics when set (e.g. ":9090").
		MetricsAddr string `yaml:"metrics_addr"`
	} `yaml:"watch"`
	Alerting struct {
		WebhookURL  string `yaml:"webhook_url"`
		WebhookType string `yaml:"webhook_type"`
		MinFailures int    `yaml:"min_failures"`
	} `yaml:"alerting"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load reads config from a YAML file, then applies environment overrides and
// defaults. A missing file is not an error; flags and env cover everything.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FXBHARAT_DB"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("FXBHARAT_RBI_DIR"); v != "" {
		cfg.Sources.RBIDir = v
	}
	if v := os.Getenv("FXBHARAT_SBI_DIR"); v != "" {
		cfg.Sources.SBIDir = v
	}
	if v := os.Getenv("FXBHARAT_WATCH_SCHEDULE"); v != "" {
		cfg.Watch.Schedule = v
	}
	if v := os.Getenv("FXBHARAT_METRICS_ADDR"); v != "" {
		cfg.Watch.MetricsAddr = v
	}
	if v := os.Getenv("FXBHARAT_ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alerting.WebhookURL = v
	}
	if v := os.Getenv("FXBHARAT_ALERT_WEBHOOK_TYPE"); v != "" {
		cfg.Alerting.WebhookType = v
	}
	if v := os.Getenv("FXBHARAT_ALERT_MIN_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Alerting.MinFailures = n
		}
	}
	if v := os.Getenv("FXBHARAT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FXBHARAT_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.URL == "" {
		cfg.Database.URL = "sqlite://fx_bharat.db"
	}
	if cfg.Watch.Schedule == "" {
		// Weekday evenings, after both banks have published.
		cfg.Watch.Schedule = "0 19 * * 1-5"
	}
	if cfg.Alerting.MinFailures == 0 {
		cfg.Alerting.MinFailures = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate fails fast on settings that would only blow up mid-run.
func (c *Config) Validate() error {
	if _, err := storage.ParseTarget(c.Database.URL); err != nil {
		return fmt.Errorf("database.url: %w", err)
	}
	if err := validateSchedule(c.Watch.Schedule); err != nil {
		return fmt.Errorf("watch.schedule: %w", err)
	}
	switch strings.ToLower(c.Alerting.WebhookType) {
	case "", "slack", "discord", "generic":
	default:
		return fmt.Errorf("alerting.webhook_type %q: want slack, discord or generic", c.Alerting.WebhookType)
	}
	return nil
}

// validateSchedule accepts integer seconds or a standard cron expression.
func validateSchedule(setting string) error {
	if setting == "" {
		return nil
	}
	if n, err := strconv.Atoi(setting); err == nil {
		if n <= 0 {
			return fmt.Errorf("interval %d must be positive", n)
		}
		return nil
	}
	if _, err := cron.ParseStandard(setting); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", setting, err)
	}
	return nil
}
