// Package config loads agentwatch settings from TOML or YAML with
// AGENTWATCH_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/agentwatch/errors"
	"github.com/vinayprograms/agentwatch/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AGENTWATCH_"

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Config is the service configuration.
type Config struct {
	ClusterID         string   `toml:"cluster_id" yaml:"cluster_id"`
	Listen            string   `toml:"listen" yaml:"listen"`
	ScanPeriod        Duration `toml:"scan_period" yaml:"scan_period"`
	LogLevel          string   `toml:"log_level" yaml:"log_level"`
	AdminToken        string   `toml:"admin_token" yaml:"admin_token"`
	NotifyModeChanges bool     `toml:"notify_mode_changes" yaml:"notify_mode_changes"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`

	Alerts    AlertsConfig    `toml:"alerts" yaml:"alerts"`
	NATS      NATSConfig      `toml:"nats" yaml:"nats"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
	RateLimit RateLimitConfig `toml:"ratelimit" yaml:"ratelimit"`
}

// AlertsConfig configures outbound delivery.
type AlertsConfig struct {
	Endpoint     string   `toml:"endpoint" yaml:"endpoint"`
	Token        string   `toml:"token" yaml:"token"`
	TokenFile    string   `toml:"token_file" yaml:"token_file"`
	MaxQueueSize int      `toml:"max_queue_size" yaml:"max_queue_size"`
	QueueTTL     Duration `toml:"queue_ttl" yaml:"queue_ttl"`
	Timeout      Duration `toml:"timeout" yaml:"timeout"`
}

// NATSConfig configures the optional bus. An empty URL disables it.
type NATSConfig struct {
	URL           string `toml:"url" yaml:"url"`
	ReportSubject string `toml:"report_subject" yaml:"report_subject"`
	AlertSubject  string `toml:"alert_subject" yaml:"alert_subject"`
	Queue         string `toml:"queue" yaml:"queue"`
}

// TelemetryConfig configures OTLP trace export. An empty endpoint
// disables it unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
type TelemetryConfig struct {
	Endpoint string `toml:"endpoint" yaml:"endpoint"`
	Protocol string `toml:"protocol" yaml:"protocol"`
	Insecure bool   `toml:"insecure" yaml:"insecure"`
}

// RateLimitConfig caps reports per agent. Zero reports disables the cap.
type RateLimitConfig struct {
	Reports int      `toml:"reports" yaml:"reports"`
	Window  Duration `toml:"window" yaml:"window"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Listen:          ":8080",
		ScanPeriod:      Duration{10 * time.Second},
		LogLevel:        "info",
		ShutdownTimeout: Duration{30 * time.Second},
		Alerts: AlertsConfig{
			MaxQueueSize: 1000,
			QueueTTL:     Duration{time.Hour},
			Timeout:      Duration{10 * time.Second},
		},
		NATS: NATSConfig{
			ReportSubject: "agentwatch.report",
			AlertSubject:  "agentwatch.alerts",
			Queue:         "agentwatch",
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
		},
		RateLimit: RateLimitConfig{
			Reports: 30,
			Window:  Duration{time.Minute},
		},
	}
}

// Load reads path (TOML or YAML by extension) over the defaults, applies
// environment overrides and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, c); err != nil {
			return errors.InvalidConfig("reading "+path, errors.WithCause(err))
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.InvalidConfig("reading "+path, errors.WithCause(err))
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return errors.InvalidConfig("reading "+path, errors.WithCause(err))
		}
	default:
		return errors.InvalidConfig(fmt.Sprintf("unsupported config format %q (use .toml, .yaml or .yml)", filepath.Ext(path)))
	}
	return nil
}

// ApplyEnv overrides fields from AGENTWATCH_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(p *string) func(string) error {
		return func(v string) error { *p = v; return nil }
	}
	dur := func(p *Duration) func(string) error {
		return func(v string) error { return p.UnmarshalText([]byte(v)) }
	}
	boolean := func(p *bool) func(string) error {
		return func(v string) error {
			b, err := strconv.ParseBool(v)
			*p = b
			return err
		}
	}
	integer := func(p *int) func(string) error {
		return func(v string) error {
			n, err := strconv.Atoi(v)
			*p = n
			return err
		}
	}

	overrides := []struct {
		name string
		set  func(string) error
	}{
		{"CLUSTER_ID", str(&c.ClusterID)},
		{"LISTEN", str(&c.Listen)},
		{"SCAN_PERIOD", dur(&c.ScanPeriod)},
		{"LOG_LEVEL", str(&c.LogLevel)},
		{"ADMIN_TOKEN", str(&c.AdminToken)},
		{"NOTIFY_MODE_CHANGES", boolean(&c.NotifyModeChanges)},
		{"SHUTDOWN_TIMEOUT", dur(&c.ShutdownTimeout)},
		{"ALERT_ENDPOINT", str(&c.Alerts.Endpoint)},
		{"ALERT_TOKEN", str(&c.Alerts.Token)},
		{"ALERT_TOKEN_FILE", str(&c.Alerts.TokenFile)},
		{"ALERT_MAX_QUEUE_SIZE", integer(&c.Alerts.MaxQueueSize)},
		{"ALERT_QUEUE_TTL", dur(&c.Alerts.QueueTTL)},
		{"ALERT_TIMEOUT", dur(&c.Alerts.Timeout)},
		{"NATS_URL", str(&c.NATS.URL)},
		{"NATS_QUEUE", str(&c.NATS.Queue)},
		{"TELEMETRY_ENDPOINT", str(&c.Telemetry.Endpoint)},
		{"TELEMETRY_PROTOCOL", str(&c.Telemetry.Protocol)},
		{"TELEMETRY_INSECURE", boolean(&c.Telemetry.Insecure)},
		{"RATELIMIT_REPORTS", integer(&c.RateLimit.Reports)},
		{"RATELIMIT_WINDOW", dur(&c.RateLimit.Window)},
	}

	for _, o := range overrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			return errors.InvalidConfig(EnvPrefix+o.name+" is invalid", errors.WithCause(err))
		}
	}
	return nil
}

// Validate reports the first problem found.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.ClusterID) == "":
		return errors.InvalidConfig("cluster_id is required")
	case c.Listen == "":
		return errors.InvalidConfig("listen address is required")
	case c.ScanPeriod.Duration <= 0:
		return errors.InvalidConfig("scan_period must be positive")
	case c.ShutdownTimeout.Duration <= 0:
		return errors.InvalidConfig("shutdown_timeout must be positive")
	case c.Alerts.MaxQueueSize <= 0:
		return errors.InvalidConfig("alerts.max_queue_size must be positive")
	case c.Alerts.QueueTTL.Duration <= 0:
		return errors.InvalidConfig("alerts.queue_ttl must be positive")
	case c.Alerts.Timeout.Duration <= 0:
		return errors.InvalidConfig("alerts.timeout must be positive")
	case c.RateLimit.Reports < 0:
		return errors.InvalidConfig("ratelimit.reports must not be negative")
	case c.RateLimit.Reports > 0 && c.RateLimit.Window.Duration <= 0:
		return errors.InvalidConfig("ratelimit.window must be positive")
	case c.Alerts.Token != "" && c.Alerts.TokenFile != "":
		return errors.InvalidConfig("set alerts.token or alerts.token_file, not both")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return errors.InvalidConfig("log_level is invalid", errors.WithCause(err))
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return errors.InvalidConfig(fmt.Sprintf("telemetry.protocol %q is invalid (use grpc or http)", c.Telemetry.Protocol))
	}
	return nil
}

// AlertToken returns the bearer token for the alert endpoint, reading
// token_file when set.
func (c *Config) AlertToken() (string, error) {
	if c.Alerts.TokenFile != "" {
		return LoadToken(c.Alerts.TokenFile)
	}
	return c.Alerts.Token, nil
}
