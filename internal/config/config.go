package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Companies map[string]Company `yaml:"companies"` // sender company id -> credentials
	Dispatch  DispatchConfig     `yaml:"dispatch"`
	Tracking  TrackingConfig     `yaml:"tracking"`
	Storage   StorageConfig      `yaml:"storage"`
	API       APIConfig          `yaml:"api"`
	Metrics   MetricsConfig      `yaml:"metrics"`
	Logging   LoggingConfig      `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN used in Message-ID headers
}

// Company contains the static SMTP submission credentials for one sender
// company. One transport session is created from these per dispatch request.
type Company struct {
	Host     string      `yaml:"host"`
	Port     int         `yaml:"port"`
	Username string      `yaml:"username"`
	Password string      `yaml:"password"`
	From     string      `yaml:"from"`      // envelope and header From address
	FromName string      `yaml:"from_name"` // display name, defaults to the company id
	DKIM     *DKIMConfig `yaml:"dkim,omitempty"`
}

// DKIMConfig contains DKIM signing settings for a company
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// DispatchConfig contains dispatch engine settings
type DispatchConfig struct {
	BatchSize  int           `yaml:"batch_size"`  // recipients sent concurrently per batch
	BatchDelay time.Duration `yaml:"batch_delay"` // pause between batches (provider rate throttle)
}

// TrackingConfig contains click tracking settings
type TrackingConfig struct {
	BaseURL     string `yaml:"base_url"`     // public base URL of this service, used in rewritten links
	FallbackURL string `yaml:"fallback_url"` // redirect target when a click carries no url
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`    // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`   // HTTP write timeout (default: 5m, dispatch requests block)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`    // HTTP idle timeout (default: 60s)
	AllowedOrigins []string      `yaml:"allowed_origins"` // CORS origins (empty = allow all)
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // Default: /metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	for id, company := range c.Companies {
		if company.Port == 0 {
			company.Port = 587
		}
		if company.FromName == "" {
			company.FromName = id
		}
		if company.From == "" {
			company.From = company.Username
		}
		c.Companies[id] = company
	}

	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 10
	}
	if c.Dispatch.BatchDelay == 0 {
		c.Dispatch.BatchDelay = 2 * time.Second
	}

	if c.Tracking.FallbackURL == "" {
		c.Tracking.FallbackURL = c.Tracking.BaseURL
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/mailsling/mailsling.db"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		// A dispatch request stays open for the whole batched send,
		// including inter-batch delays.
		c.API.WriteTimeout = 5 * time.Minute
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Companies) == 0 {
		return fmt.Errorf("at least one company must be configured")
	}

	for id, company := range c.Companies {
		if company.Host == "" {
			return fmt.Errorf("companies.%s.host is required", id)
		}
		if company.Username == "" {
			return fmt.Errorf("companies.%s.username is required", id)
		}
		if company.From == "" {
			return fmt.Errorf("companies.%s.from is required", id)
		}
		if dkim := company.DKIM; dkim != nil && dkim.Enabled {
			if dkim.Selector == "" || dkim.KeyFile == "" || dkim.Domain == "" {
				return fmt.Errorf("companies.%s.dkim requires selector, key_file and domain", id)
			}
		}
	}

	if c.Tracking.BaseURL == "" {
		return fmt.Errorf("tracking.base_url is required")
	}

	if c.Dispatch.BatchSize < 1 {
		return fmt.Errorf("dispatch.batch_size must be positive")
	}
	if c.Dispatch.BatchDelay < 0 {
		return fmt.Errorf("dispatch.batch_delay must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
