// Package config loads and validates the application configuration: built-in
// defaults, overlaid by a YAML file, overlaid by PROVISIO_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/provisio/provisio/pkg/engine"
	"github.com/provisio/provisio/pkg/telemetry"
)

// Config is the root application configuration.
type Config struct {
	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`

	// Paths configures the on-disk layout.
	Paths PathsConfig `yaml:"paths"`

	// Defaults are applied to deployment parameters left empty at submission.
	Defaults DefaultsConfig `yaml:"defaults"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures distributed tracing export.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr" validate:"required"`
}

// PathsConfig is the on-disk layout of the working data.
type PathsConfig struct {
	// TemplatesDir holds the static tool definition files copied into each
	// deployment workspace.
	TemplatesDir string `yaml:"templates_dir" validate:"required"`

	// DeploymentsDir is the root for per-deployment workspaces and records.
	DeploymentsDir string `yaml:"deployments_dir" validate:"required"`

	// AuditDB is the SQLite file for the status transition trail.
	AuditDB string `yaml:"audit_db" validate:"required"`
}

// DefaultsConfig fills deployment parameters omitted at submission.
type DefaultsConfig struct {
	Location            string `yaml:"location"`
	OpenAIModelName     string `yaml:"openai_model_name"`
	OpenAIDeploymentSKU string `yaml:"openai_deployment_sku"`
	ModelDeploymentName string `yaml:"model_deployment_name"`
}

// LoggingConfig mirrors the telemetry logging settings.
type LoggingConfig struct {
	Level        string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format       string `yaml:"format" validate:"omitempty,oneof=json console"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// TracingConfig mirrors the telemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Exporter   string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// MetricsConfig mirrors the telemetry metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Paths: PathsConfig{
			TemplatesDir:   "terraform",
			DeploymentsDir: "deployment_states",
			AuditDB:        filepath.Join("deployment_states", "audit.db"),
		},
		Defaults: DefaultsConfig{
			Location:            "swedencentral",
			OpenAIModelName:     "gpt-4.1-mini",
			OpenAIDeploymentSKU: "GlobalStandard",
			ModelDeploymentName: "chat-model",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "none",
			SampleRate: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load layers the configuration: defaults, then the YAML file (an empty
// path skips it), then PROVISIO_* environment overrides; the merged result
// is validated once.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnvOverrides(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides file values from the environment. Only set,
// non-empty variables take effect.
func (c *Config) applyEnvOverrides(getenv func(string) string) {
	set := func(target *string, key string) {
		if v := getenv(key); v != "" {
			*target = v
		}
	}
	set(&c.Server.Addr, "PROVISIO_SERVER_ADDR")
	set(&c.Paths.TemplatesDir, "PROVISIO_TEMPLATES_DIR")
	set(&c.Paths.DeploymentsDir, "PROVISIO_DEPLOYMENTS_DIR")
	set(&c.Paths.AuditDB, "PROVISIO_AUDIT_DB")
	set(&c.Logging.Level, "PROVISIO_LOG_LEVEL")
	set(&c.Logging.Format, "PROVISIO_LOG_FORMAT")
	set(&c.Tracing.Endpoint, "PROVISIO_TRACING_ENDPOINT")
	set(&c.Metrics.Path, "PROVISIO_METRICS_PATH")
	set(&c.Defaults.Location, "PROVISIO_DEFAULT_LOCATION")
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ApplyDefaults fills empty deployment parameters from the configured
// defaults.
func (c *Config) ApplyDefaults(p *engine.Parameters) {
	if p.Location == "" {
		p.Location = c.Defaults.Location
	}
	if p.OpenAIModelName == "" {
		p.OpenAIModelName = c.Defaults.OpenAIModelName
	}
	if p.OpenAIDeploymentSKU == "" {
		p.OpenAIDeploymentSKU = c.Defaults.OpenAIDeploymentSKU
	}
	if p.ModelDeploymentName == "" && p.EnableModelDeployment {
		p.ModelDeploymentName = c.Defaults.ModelDeploymentName
	}
}

// Telemetry converts the ambient sections into a telemetry configuration.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	tc.Logging.EnableCaller = c.Logging.EnableCaller
	tc.Tracing.Enabled = c.Tracing.Enabled
	if c.Tracing.Exporter != "" {
		tc.Tracing.Exporter = c.Tracing.Exporter
	}
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SampleRate
	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.Path = c.Metrics.Path
	return tc
}
