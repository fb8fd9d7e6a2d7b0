package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: ssl://broker.example.com:8883
  username: ingest
  password: secret
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.MQTT.Topic != "iot/failure" {
		t.Fatalf("expected default topic, got %q", cfg.MQTT.Topic)
	}
	if !cfg.MQTT.TLS.Enabled {
		t.Fatalf("tls should default to enabled")
	}
	if cfg.Pipeline.BatchSize != 100 {
		t.Fatalf("expected batch size 100, got %d", cfg.Pipeline.BatchSize)
	}
	if cfg.Pipeline.PollInterval != 500*time.Millisecond {
		t.Fatalf("unexpected poll interval %v", cfg.Pipeline.PollInterval)
	}
	if cfg.Storage.File.Path != "predictions_output.csv" {
		t.Fatalf("unexpected file path %q", cfg.Storage.File.Path)
	}
	if cfg.Pipeline.QueueCapacity != 0 {
		t.Fatalf("queue should default to unbounded, got %d", cfg.Pipeline.QueueCapacity)
	}
}

func TestLoadConfigParsesSections(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: ssl://broker.example.com:8883
  topic: plant/telemetry
  qos: 1
  connect_timeout: 3s
pipeline:
  batch_size: 25
  queue_capacity: 5000
model:
  script_path: /etc/risk/model.js
  timeout: 250ms
validation:
  ranges:
    - field: TemperatureC
      min: -10
      max: 60
storage:
  object:
    enabled: true
    endpoint: minio:9000
    bucket: predictions
    prefix: plant-a/
  database:
    enabled: true
    type: postgresql
    dsn: postgres://u:p@db:5432/risk?sslmode=disable
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.MQTT.QoS != 1 || cfg.MQTT.ConnectTimeout != 3*time.Second {
		t.Fatalf("unexpected mqtt config: %+v", cfg.MQTT)
	}
	if cfg.Pipeline.BatchSize != 25 || cfg.Pipeline.QueueCapacity != 5000 {
		t.Fatalf("unexpected pipeline config: %+v", cfg.Pipeline)
	}
	if cfg.Model.Timeout != 250*time.Millisecond {
		t.Fatalf("unexpected model timeout %v", cfg.Model.Timeout)
	}
	if len(cfg.Validation.Ranges) != 1 || cfg.Validation.Ranges[0].Field != "TemperatureC" || cfg.Validation.Ranges[0].Max != 60 {
		t.Fatalf("unexpected ranges: %+v", cfg.Validation.Ranges)
	}
	if !cfg.Storage.Object.Enabled || cfg.Storage.Object.Prefix != "plant-a/" {
		t.Fatalf("unexpected object config: %+v", cfg.Storage.Object)
	}
	if cfg.Storage.Database.Type != "postgresql" {
		t.Fatalf("unexpected database config: %+v", cfg.Storage.Database)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("RISKSTREAM_MQTT_PASSWORD", "from-env")
	path := writeConfig(t, `
mqtt:
  broker: ssl://broker.example.com:8883
  password: from-file
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MQTT.Password != "from-env" {
		t.Fatalf("expected env override, got %q", cfg.MQTT.Password)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  batch_size: 0
storage:
  object:
    enabled: true
    endpoint: ""
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"mqtt.broker", "batch_size", "storage.object.endpoint"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadEnvFile(t *testing.T) {
	// t.Setenv restores the original values once the test ends
	t.Setenv("RISKSTREAM_MQTT_PASSWORD", "")
	os.Unsetenv("RISKSTREAM_MQTT_PASSWORD")
	t.Setenv("RISKSTREAM_MQTT_USERNAME", "from-shell")

	envPath := filepath.Join(t.TempDir(), ".env")
	body := "RISKSTREAM_MQTT_PASSWORD=from-file\nRISKSTREAM_MQTT_USERNAME=ignored\n"
	if err := os.WriteFile(envPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnvFile(envPath); err != nil {
		t.Fatalf("load env: %v", err)
	}

	cfg, err := LoadConfig(writeConfig(t, "mqtt:\n  broker: ssl://b:8883\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.MQTT.Password != "from-file" {
		t.Fatalf("expected password from env file, got %q", cfg.MQTT.Password)
	}
	if cfg.MQTT.Username != "from-shell" {
		t.Fatalf("process environment must win over the env file, got %q", cfg.MQTT.Username)
	}

	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored, got %v", err)
	}
}
