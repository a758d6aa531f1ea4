package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/vinayprograms/agentwatch/errors"
)

func writeFile(t *testing.T, name, content string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q, want :8080", cfg.Listen)
	}
	if cfg.ScanPeriod.Duration != 10*time.Second {
		t.Errorf("ScanPeriod = %v, want 10s", cfg.ScanPeriod)
	}
	if cfg.Alerts.MaxQueueSize != 1000 {
		t.Errorf("MaxQueueSize = %d, want 1000", cfg.Alerts.MaxQueueSize)
	}
	if cfg.Alerts.QueueTTL.Duration != time.Hour {
		t.Errorf("QueueTTL = %v, want 1h", cfg.Alerts.QueueTTL)
	}
	if cfg.NATS.ReportSubject != "agentwatch.report" || cfg.NATS.AlertSubject != "agentwatch.alerts" {
		t.Errorf("unexpected NATS subjects %+v", cfg.NATS)
	}
	if cfg.RateLimit.Reports != 30 || cfg.RateLimit.Window.Duration != time.Minute {
		t.Errorf("RateLimit = %+v, want 30 per minute", cfg.RateLimit)
	}
	if err := cfg.Validate(); !errors.Is(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("default config without cluster_id should fail validation, got %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "agentwatch.toml", `
cluster_id = "prod-east"
listen = ":9090"
scan_period = "5s"
notify_mode_changes = true

[alerts]
endpoint = "https://alerts.example.com/hook"
max_queue_size = 50
queue_ttl = "30m"

[nats]
url = "nats://localhost:4222"
`, 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClusterID != "prod-east" || cfg.Listen != ":9090" {
		t.Errorf("unexpected top level %+v", cfg)
	}
	if cfg.ScanPeriod.Duration != 5*time.Second {
		t.Errorf("ScanPeriod = %v, want 5s", cfg.ScanPeriod)
	}
	if !cfg.NotifyModeChanges {
		t.Error("NotifyModeChanges should be true")
	}
	if cfg.Alerts.MaxQueueSize != 50 || cfg.Alerts.QueueTTL.Duration != 30*time.Minute {
		t.Errorf("unexpected alerts %+v", cfg.Alerts)
	}
	// Unset keys keep their defaults.
	if cfg.Alerts.Timeout.Duration != 10*time.Second {
		t.Errorf("Timeout = %v, want default 10s", cfg.Alerts.Timeout)
	}
	if cfg.NATS.URL != "nats://localhost:4222" || cfg.NATS.ReportSubject != "agentwatch.report" {
		t.Errorf("unexpected nats %+v", cfg.NATS)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "agentwatch.yaml", `
cluster_id: prod-west
scan_period: 2s
alerts:
  endpoint: https://alerts.example.com/hook
  timeout: 3s
telemetry:
  endpoint: localhost:4318
  protocol: http
  insecure: true
`, 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClusterID != "prod-west" {
		t.Errorf("ClusterID = %q", cfg.ClusterID)
	}
	if cfg.ScanPeriod.Duration != 2*time.Second {
		t.Errorf("ScanPeriod = %v, want 2s", cfg.ScanPeriod)
	}
	if cfg.Alerts.Timeout.Duration != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", cfg.Alerts.Timeout)
	}
	if cfg.Telemetry.Protocol != "http" || !cfg.Telemetry.Insecure {
		t.Errorf("unexpected telemetry %+v", cfg.Telemetry)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown extension", "agentwatch.json", `{}`},
		{"bad toml", "agentwatch.toml", `cluster_id = `},
		{"bad duration", "agentwatch.yaml", "cluster_id: c\nscan_period: soon\n"},
		{"missing cluster", "agentwatch.toml", `listen = ":1"`},
		{"bad protocol", "agentwatch.toml", "cluster_id = \"c\"\n[telemetry]\nprotocol = \"udp\"\n"},
		{"bad level", "agentwatch.toml", "cluster_id = \"c\"\nlog_level = \"loud\"\n"},
		{"negative rate", "agentwatch.toml", "cluster_id = \"c\"\n[ratelimit]\nreports = -1\n"},
		{"zero queue", "agentwatch.toml", "cluster_id = \"c\"\n[alerts]\nmax_queue_size = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content, 0600)
			_, err := Load(path)
			if !errors.Is(err, errors.ErrCodeInvalidConfig) {
				t.Errorf("Load() error = %v, want INVALID_CONFIG", err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"AGENTWATCH_CLUSTER_ID":           "from-env",
		"AGENTWATCH_SCAN_PERIOD":          "1m",
		"AGENTWATCH_NOTIFY_MODE_CHANGES":  "true",
		"AGENTWATCH_ALERT_MAX_QUEUE_SIZE": "7",
		"AGENTWATCH_NATS_URL":             "nats://bus:4222",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.ClusterID != "from-env" || cfg.ScanPeriod.Duration != time.Minute {
		t.Errorf("unexpected %+v", cfg)
	}
	if !cfg.NotifyModeChanges || cfg.Alerts.MaxQueueSize != 7 || cfg.NATS.URL != "nats://bus:4222" {
		t.Errorf("unexpected overrides %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	env["AGENTWATCH_ALERT_MAX_QUEUE_SIZE"] = "lots"
	if err := Default().ApplyEnv(lookup); !errors.Is(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("bad integer should be INVALID_CONFIG, got %v", err)
	}

	if err := Default().ApplyEnv(noEnv); err != nil {
		t.Errorf("empty env: %v", err)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "agentwatch.toml", "cluster_id = \"file\"\n", 0600)
	t.Setenv("AGENTWATCH_CLUSTER_ID", "env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClusterID != "env" {
		t.Errorf("ClusterID = %q, want env", cfg.ClusterID)
	}
}

func TestValidateTokenConflict(t *testing.T) {
	cfg := Default()
	cfg.ClusterID = "c"
	cfg.Alerts.Token = "a"
	cfg.Alerts.TokenFile = "/tmp/b"
	if err := cfg.Validate(); !errors.Is(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("token and token_file together should fail, got %v", err)
	}
}

func TestLoadToken(t *testing.T) {
	path := writeFile(t, "token", "  s3cret\n", 0400)
	token, err := LoadToken(path)
	if err != nil {
		t.Fatalf("LoadToken: %v", err)
	}
	if token != "s3cret" {
		t.Errorf("token = %q, want s3cret", token)
	}

	cfg := Default()
	cfg.Alerts.TokenFile = path
	if got, err := cfg.AlertToken(); err != nil || got != "s3cret" {
		t.Errorf("AlertToken() = %q, %v", got, err)
	}
}

func TestLoadTokenInsecure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission check is Unix only")
	}
	path := writeFile(t, "token", "s3cret", 0644)
	_, err := LoadToken(path)
	if err == nil {
		t.Fatal("mode 0644 should be rejected")
	}
	if !errors.Is(err, errors.ErrCodeInvalidConfig) {
		t.Errorf("error = %v, want INVALID_CONFIG", err)
	}
}

func TestLoadTokenEmpty(t *testing.T) {
	path := writeFile(t, "token", "   \n", 0400)
	if _, err := LoadToken(path); err == nil {
		t.Error("empty token file should be rejected")
	}
}
