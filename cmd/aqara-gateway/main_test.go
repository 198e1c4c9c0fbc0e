package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "mqtt:\n  enabled: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" {
		t.Errorf("listen = %q", cfg.Web.Listen)
	}
	if cfg.Store.Path != "aqara-gateway.db" || cfg.MQTT.TopicPrefix != "aqara" || cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if len(cfg.Engine.OccupancyTimeout) != 0 {
		t.Errorf("occupancy timeout = %v, want unset", cfg.Engine.OccupancyTimeout)
	}
}

func TestLoadConfigValues(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
mqtt:
  enabled: true
  broker: tcp://192.168.1.10:1883
  topic_prefix: gw
engine:
  queue_depth: 512
  occupancy_timeout: [60, 120, 300]
influx:
  enabled: true
  url: http://localhost:8086
  bucket: aqara
  flush_interval: 5
web:
  metrics: true
log:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MQTT.Broker != "tcp://192.168.1.10:1883" || cfg.MQTT.TopicPrefix != "gw" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.Engine.QueueDepth != 512 || len(cfg.Engine.OccupancyTimeout) != 3 || cfg.Engine.OccupancyTimeout[2] != 300 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if !cfg.Influx.Enabled || cfg.Influx.Bucket != "aqara" || cfg.Influx.FlushInterval != 5 {
		t.Errorf("influx = %+v", cfg.Influx)
	}
	if !cfg.Web.Metrics {
		t.Error("web.metrics not set")
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadConfigScalarTimeout(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "engine:\n  occupancy_timeout: 45\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Engine.OccupancyTimeout) != 1 || cfg.Engine.OccupancyTimeout[0] != 45 {
		t.Errorf("occupancy timeout = %v", cfg.Engine.OccupancyTimeout)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := loadConfig(writeConfig(t, "mqtt: [\n")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, true},
		{"wildcard prefix", func(c *Config) {
			c.MQTT.Enabled = true
			c.MQTT.Broker = "tcp://b:1883"
			c.MQTT.TopicPrefix = "aqara/#"
		}, true},
		{"negative queue", func(c *Config) { c.Engine.QueueDepth = -1 }, true},
		{"doubling timeout", func(c *Config) { c.Engine.OccupancyTimeout = []float64{-60} }, false},
		{"influx without url", func(c *Config) {
			c.Influx.Enabled = true
			c.Influx.Bucket = "b"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, "{}\n"))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			if err := cfg.validate(); (err != nil) != tt.wantErr {
				t.Errorf("validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := &Config{}
		cfg.Log.Level = tt.level
		cfg.Log.Format = "json"
		logger := newLogger(cfg)
		ctx := context.Background()
		if !logger.Enabled(ctx, tt.want) {
			t.Errorf("level %q: %v not enabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && logger.Enabled(ctx, tt.want-1) {
			t.Errorf("level %q: below %v enabled", tt.level, tt.want)
		}
	}
}
