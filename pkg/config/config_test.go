package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/provisio/provisio/pkg/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Paths.TemplatesDir != "terraform" {
		t.Errorf("templates_dir = %q", cfg.Paths.TemplatesDir)
	}
	if cfg.Paths.DeploymentsDir != "deployment_states" {
		t.Errorf("deployments_dir = %q", cfg.Paths.DeploymentsDir)
	}
	if cfg.Defaults.Location != "swedencentral" {
		t.Errorf("default location = %q", cfg.Defaults.Location)
	}
	if cfg.Defaults.OpenAIModelName != "gpt-4.1-mini" {
		t.Errorf("default model = %q", cfg.Defaults.OpenAIModelName)
	}
	if cfg.Tracing.Enabled {
		t.Error("tracing enabled by default")
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("metrics defaults: %+v", cfg.Metrics)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
paths:
  deployments_dir: /var/lib/provisio/states
defaults:
  location: westeurope
logging:
  level: debug
  format: console
tracing:
  enabled: true
  exporter: otlp
  endpoint: localhost:4317
  sample_rate: 0.5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Paths.DeploymentsDir != "/var/lib/provisio/states" {
		t.Errorf("deployments_dir = %q", cfg.Paths.DeploymentsDir)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Paths.TemplatesDir != "terraform" {
		t.Errorf("templates_dir lost default: %q", cfg.Paths.TemplatesDir)
	}
	if cfg.Defaults.Location != "westeurope" {
		t.Errorf("location = %q", cfg.Defaults.Location)
	}
	if cfg.Defaults.OpenAIModelName != "gpt-4.1-mini" {
		t.Errorf("model lost default: %q", cfg.Defaults.OpenAIModelName)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.SampleRate != 0.5 {
		t.Errorf("tracing = %+v", cfg.Tracing)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad exporter", "tracing:\n  exporter: carrier-pigeon\n"},
		{"sample rate out of range", "tracing:\n  sample_rate: 2.0\n"},
		{"empty addr", "server:\n  addr: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [not a map")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default()

	p := engine.Parameters{
		ResourceGroupBase:     "myenv",
		EnableModelDeployment: true,
	}
	cfg.ApplyDefaults(&p)

	if p.Location != "swedencentral" {
		t.Errorf("location = %q", p.Location)
	}
	if p.OpenAIModelName != "gpt-4.1-mini" {
		t.Errorf("model = %q", p.OpenAIModelName)
	}
	if p.OpenAIDeploymentSKU != "GlobalStandard" {
		t.Errorf("sku = %q", p.OpenAIDeploymentSKU)
	}
	if p.ModelDeploymentName != "chat-model" {
		t.Errorf("deployment name = %q", p.ModelDeploymentName)
	}
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Default()

	p := engine.Parameters{
		Location:        "westeurope",
		OpenAIModelName: "gpt-4o",
	}
	cfg.ApplyDefaults(&p)

	if p.Location != "westeurope" || p.OpenAIModelName != "gpt-4o" {
		t.Errorf("explicit values overwritten: %+v", p)
	}
	// Deployment name stays empty when model deployment is disabled.
	if p.ModelDeploymentName != "" {
		t.Errorf("deployment name = %q, want empty", p.ModelDeploymentName)
	}
}

func TestTelemetryMapping(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "console"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "collector:4317"
	cfg.Tracing.SampleRate = 0.25

	tc := cfg.Telemetry("1.2.3")

	if tc.ServiceVersion != "1.2.3" {
		t.Errorf("service version = %q", tc.ServiceVersion)
	}
	if tc.Logging.Level != "warn" || tc.Logging.Format != "console" {
		t.Errorf("logging = %+v", tc.Logging)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "otlp" {
		t.Errorf("tracing = %+v", tc.Tracing)
	}
	if tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("endpoint = %q", tc.Tracing.Endpoint)
	}
	if tc.Tracing.SamplingRate != 0.25 {
		t.Errorf("sampling rate = %v", tc.Tracing.SamplingRate)
	}
}

func TestLoadEnvOverridesFileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":7000"
logging:
  level: info
`)
	t.Setenv("PROVISIO_SERVER_ADDR", ":9100")
	t.Setenv("PROVISIO_LOG_LEVEL", "debug")
	t.Setenv("PROVISIO_DEPLOYMENTS_DIR", "/var/lib/provisio")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9100" {
		t.Errorf("addr = %q, env override must beat the file", cfg.Server.Addr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Paths.DeploymentsDir != "/var/lib/provisio" {
		t.Errorf("deployments dir = %q, env override must beat the default", cfg.Paths.DeploymentsDir)
	}
	// Untouched settings keep their layer.
	if cfg.Paths.TemplatesDir != "terraform" {
		t.Errorf("templates dir = %q, want the default", cfg.Paths.TemplatesDir)
	}
}

func TestLoadEnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("PROVISIO_SERVER_ADDR", ":9200")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9200" {
		t.Errorf("addr = %q, want :9200", cfg.Server.Addr)
	}
}

func TestLoadRejectsInvalidEnvValues(t *testing.T) {
	t.Setenv("PROVISIO_LOG_LEVEL", "loud")

	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for bad env log level")
	}
}
