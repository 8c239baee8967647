// Package config provides configuration structures and loading logic for
// ruleflow: the process configuration and the watched catalog file.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for ruleflow.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Storage   StorageConfig   `yaml:"storage"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
}

// ServerConfig holds configuration for the HTTP API.
type ServerConfig struct {
	Address   string          `yaml:"address"`
	TLS       *TLSConfig      `yaml:"tls,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig caps API requests per route. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	// ResourceTags are added to the trace resource.
	ResourceTags map[string]string `yaml:"resource_tags,omitempty"`
}

// CatalogConfig points at the catalog file.
type CatalogConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// StorageConfig selects the record store.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// DispatchConfig tunes the dispatcher.
type DispatchConfig struct {
	// RecordErrorPolicy is "continue" or "skip_failed".
	RecordErrorPolicy string `yaml:"record_error_policy"`
}

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Address: ":8080"},
		Logging:  LoggingConfig{Level: "info"},
		Storage:  StorageConfig{Driver: DriverMemory},
		Dispatch: DispatchConfig{RecordErrorPolicy: "continue"},
		Telemetry: TelemetryConfig{
			ServiceName: "ruleflow",
		},
	}
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("RULEFLOW_ADDR"); val != "" {
		cfg.Server.Address = val
	}

	if val := os.Getenv("RULEFLOW_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("RULEFLOW_LOG_PRETTY"); val == "true" {
		cfg.Logging.Pretty = true
	}

	if val := os.Getenv("RULEFLOW_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("RULEFLOW_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("RULEFLOW_CATALOG_FILE"); val != "" {
		cfg.Catalog.File = val
	}
	if val := os.Getenv("RULEFLOW_CATALOG_WATCH"); val != "" {
		cfg.Catalog.Watch = val == "true"
	}

	if val := os.Getenv("RULEFLOW_STORAGE_DRIVER"); val != "" {
		cfg.Storage.Driver = val
	}
	if val := os.Getenv("RULEFLOW_STORAGE_PATH"); val != "" {
		cfg.Storage.Path = val
	}

	if val := os.Getenv("RULEFLOW_RECORD_ERROR_POLICY"); val != "" {
		cfg.Dispatch.RecordErrorPolicy = val
	}

	if val := os.Getenv("RULEFLOW_TLS_CERT_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.CertFile = val
	}
	if val := os.Getenv("RULEFLOW_TLS_KEY_FILE"); val != "" {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		cfg.Server.TLS.KeyFile = val
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}

	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch configuration: %w", err)
	}

	if err := c.Catalog.Validate(); err != nil {
		return fmt.Errorf("catalog configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8080"
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return NewConfigValidationError("server.rate_limit", c.RateLimit, "limits must not be negative")
	}

	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("TLS configuration: %w", err)
		}
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}

// Validate performs validation of storage configuration
func (c *StorageConfig) Validate() error {
	driver := strings.TrimSpace(strings.ToLower(c.Driver))
	if driver == "" {
		driver = DriverMemory
	}
	c.Driver = driver

	switch driver {
	case DriverMemory:
		return nil
	case DriverSQLite:
		if strings.TrimSpace(c.Path) == "" {
			return NewConfigMissingError("storage.path").
				WithSuggestion("Set a database file path, or \":memory:\" for a throwaway database")
		}
		return nil
	default:
		return NewConfigValidationError("storage.driver", c.Driver, "unsupported driver").
			WithSuggestion("Use \"memory\" or \"sqlite\"")
	}
}

// Validate performs validation of dispatch configuration
func (c *DispatchConfig) Validate() error {
	switch strings.TrimSpace(c.RecordErrorPolicy) {
	case "":
		c.RecordErrorPolicy = "continue"
		return nil
	case "continue", "skip_failed":
		return nil
	default:
		return NewConfigValidationError("dispatch.record_error_policy", c.RecordErrorPolicy, "unknown policy").
			WithSuggestion("Use \"continue\" or \"skip_failed\"")
	}
}

// Validate performs validation of catalog configuration
func (c *CatalogConfig) Validate() error {
	if c.Watch && strings.TrimSpace(c.File) == "" {
		return NewConfigMissingError("catalog.file").
			WithSuggestion("Watching requires a catalog file")
	}
	return nil
}
