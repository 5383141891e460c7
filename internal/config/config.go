package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"routerd/internal/redaction"
)

// Config holds all configuration for the routing proxy.
type Config struct {
	Listen    string          `yaml:"listen"`
	Backend   string          `yaml:"backend"` // upstream chat-completion endpoint
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Control   ControlConfig   `yaml:"control"`
	Session   SessionConfig   `yaml:"session"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Models    ModelsConfig    `yaml:"models"`
	TLS       TLSConfig       `yaml:"tls"`
	Redaction redaction.Config `yaml:"redaction"`
}

// TLSConfig controls whether the proxy's listener speaks HTTPS, and where its
// certificate comes from.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	AutoCert bool   `yaml:"auto_cert"` // generate a self-signed cert at startup
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ModelsConfig names the concrete upstream model for each complexity tier.
// The classifier itself only ever sees "cheap", per spec.md §9's
// tri-valued-classification design note.
type ModelsConfig struct {
	Cheap     string `yaml:"cheap"`
	Mid       string `yaml:"mid"`
	Expensive string `yaml:"expensive"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// StorageConfig holds the durable history store (span + violation log).
type StorageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ControlConfig holds the introspection HTTP endpoint configuration.
type ControlConfig struct {
	Listen      string `yaml:"listen"`
	Enabled     bool   `yaml:"enabled"`
	AuthEnabled bool   `yaml:"auth_enabled"`
	APIKey      string `yaml:"api_key"`
}

// SessionConfig selects and configures the session store backend.
type SessionConfig struct {
	Store string      `yaml:"store"` // "memory", "disk", or "redis"
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration for the distributed session store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Load reads and parses the proxy's own YAML configuration file, then layers
// the pipeline's direct environment-variable configuration on top. A missing
// file is not an error — it yields defaults (matching the teacher's Load).
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path) // #nosec G304 -- path from trusted CLI flag
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, newLoadError("read", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, newLoadError("parse", err)
	}

	cfg.applyEnvOverrides()

	pcfg, err := loadPipelineConfigFromEnv()
	if err != nil {
		return nil, newLoadError("env", err)
	}
	cfg.Pipeline = pcfg

	if err := cfg.validate(); err != nil {
		return nil, newLoadError("validate", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen:  ":8080",
		Backend: "http://localhost:11434",
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "litellm-router",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Storage: StorageConfig{
			Enabled:       false,
			Path:          "data/router.db",
			RetentionDays: 30,
		},
		Control: ControlConfig{
			Listen:      ":9090",
			Enabled:     true,
			AuthEnabled: false,
		},
		Session: SessionConfig{
			Store: "disk",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "litellm:session:",
			},
		},
		Pipeline: mustDefaultPipelineConfig(),
		Models: ModelsConfig{
			Cheap:     "claude-3-5-haiku-latest",
			Mid:       "claude-3-7-sonnet-latest",
			Expensive: "claude-3-opus-latest",
		},
		Redaction: redaction.Config{
			Enabled: true,
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PROXY_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("PROXY_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("PROXY_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROXY_SESSION_STORE"); v != "" {
		c.Session.Store = v
	}
	if v := os.Getenv("PROXY_REDIS_ADDR"); v != "" {
		c.Session.Redis.Addr = v
	}
	if v := os.Getenv("PROXY_REDIS_PASSWORD"); v != "" {
		c.Session.Redis.Password = v
	}
	if os.Getenv("PROXY_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("PROXY_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("PROXY_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("PROXY_STORAGE_ENABLED") == "true" {
		c.Storage.Enabled = true
	}
	if v := os.Getenv("PROXY_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if os.Getenv("PROXY_CONTROL_AUTH_ENABLED") == "true" {
		c.Control.AuthEnabled = true
	}
	if v := os.Getenv("PROXY_CONTROL_API_KEY"); v != "" {
		c.Control.APIKey = v
	}
	if os.Getenv("PROXY_TLS_ENABLED") == "true" {
		c.TLS.Enabled = true
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Backend == "" {
		return fmt.Errorf("backend URL is required")
	}
	switch c.Session.Store {
	case "memory", "disk", "redis":
	default:
		return fmt.Errorf("session.store must be \"memory\", \"disk\", or \"redis\", got %q", c.Session.Store)
	}
	return nil
}

func mustDefaultPipelineConfig() PipelineConfig {
	cfg, err := loadPipelineConfigFromEnv()
	if err != nil {
		// Defaults alone never fail to parse; env overrides that do are
		// caught again by Load's explicit loadPipelineConfigFromEnv call.
		return PipelineConfig{}
	}
	return cfg
}

// getEnvOrDefault returns the environment variable's value, or def if unset or empty.
func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, v, err)
	}
	return n, nil
}

func getEnvDurationSecondsOrDefault(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer seconds %q: %w", key, v, err)
	}
	return time.Duration(secs) * time.Second, nil
}

func getEnvBoolOrDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
