package config

import (
	"time"

	"github.com/mattjoyce/toolgate/internal/health"
)

// Config represents the complete toolgate configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service" toml:"service"`
	Dispatch DispatchConfig `yaml:"dispatch" toml:"dispatch"`
	Protocol ProtocolConfig `yaml:"protocol" toml:"protocol"`
	Ledger   LedgerConfig   `yaml:"ledger" toml:"ledger"`
	Health   HealthConfig   `yaml:"health" toml:"health"`
	API      APIConfig      `yaml:"api,omitempty" toml:"api"`
	NATS     NATSConfig     `yaml:"nats,omitempty" toml:"nats"`
	Webhooks WebhooksConfig `yaml:"webhooks,omitempty" toml:"webhooks"`
	Workers  []WorkerConf   `yaml:"workers" toml:"workers"`

	// Schedules submit work on a fixed interval.
	Schedules []ScheduleConf `yaml:"schedules,omitempty" toml:"schedules"`

	// SourcePath is the file the configuration was loaded from, if any.
	SourcePath string `yaml:"-" toml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name" toml:"name"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`
	LogFormat string `yaml:"log_format" toml:"log_format"`

	// PIDFile, when set, makes serve hold an exclusive lock on it.
	PIDFile string `yaml:"pid_file,omitempty" toml:"pid_file"`
}

// DispatchConfig tunes the work dispatcher.
type DispatchConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	WorkerTimeout   time.Duration `yaml:"worker_timeout" toml:"worker_timeout"`
	ResultCapacity  int           `yaml:"result_capacity" toml:"result_capacity"`
	MailboxCapacity int           `yaml:"mailbox_capacity" toml:"mailbox_capacity"`
	WaitTimeout     time.Duration `yaml:"wait_timeout" toml:"wait_timeout"`
}

// ProtocolConfig defines protocol server settings.
type ProtocolConfig struct {
	InvokeTimeout time.Duration  `yaml:"invoke_timeout" toml:"invoke_timeout"`
	MaxLineBytes  int            `yaml:"max_line_bytes" toml:"max_line_bytes"`
	Features      map[string]any `yaml:"features,omitempty" toml:"features"`
}

// LedgerConfig defines execution history settings.
type LedgerConfig struct {
	Capacity int `yaml:"capacity" toml:"capacity"`

	// ArchivePath enables the SQLite archive when set.
	ArchivePath      string        `yaml:"archive_path,omitempty" toml:"archive_path"`
	ArchiveRetention time.Duration `yaml:"archive_retention,omitempty" toml:"archive_retention"`
}

// HealthConfig defines the health monitor.
type HealthConfig struct {
	Interval   time.Duration     `yaml:"interval" toml:"interval"`
	Thresholds health.Thresholds `yaml:"thresholds" toml:"thresholds"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Listen  string `yaml:"listen" toml:"listen"`
}

// NATSConfig defines the NATS request/reply bridge.
type NATSConfig struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	URL            string        `yaml:"url" toml:"url"`
	Subject        string        `yaml:"subject" toml:"subject"`
	QueueGroup     string        `yaml:"queue_group,omitempty" toml:"queue_group"`
	RequestTimeout time.Duration `yaml:"request_timeout" toml:"request_timeout"`
}

// WebhooksConfig defines the signed inbound webhook listener. Each endpoint
// turns a verified POST body into a work item.
type WebhooksConfig struct {
	Enabled   bool              `yaml:"enabled" toml:"enabled"`
	Listen    string            `yaml:"listen" toml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints,omitempty" toml:"endpoints"`
}

// WebhookEndpoint maps one URL path to a work type.
type WebhookEndpoint struct {
	Path            string `yaml:"path" toml:"path"`
	Type            string `yaml:"type" toml:"type"`
	Priority        int    `yaml:"priority,omitempty" toml:"priority"`
	Secret          string `yaml:"secret" toml:"secret"`
	SignatureHeader string `yaml:"signature_header" toml:"signature_header"`

	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix. Default 1MB.
	MaxBodySize string `yaml:"max_body_size,omitempty" toml:"max_body_size"`
}

// ScheduleConf submits one work item every interval.
type ScheduleConf struct {
	ID string `yaml:"id" toml:"id"`

	// Every is a Go duration or one of hourly, daily, weekly.
	Every    string         `yaml:"every" toml:"every"`
	Jitter   time.Duration  `yaml:"jitter,omitempty" toml:"jitter"`
	Type     string         `yaml:"type" toml:"type"`
	Priority int            `yaml:"priority,omitempty" toml:"priority"`
	Input    map[string]any `yaml:"input,omitempty" toml:"input"`
	Params   map[string]any `yaml:"params,omitempty" toml:"params"`

	// Deadline is relative to each submission.
	Deadline time.Duration `yaml:"deadline,omitempty" toml:"deadline"`
}

// Worker kinds.
const (
	WorkerEcho = "echo"
	WorkerExec = "exec"
)

// WorkerConf defines one worker registered at startup.
type WorkerConf struct {
	ID           string            `yaml:"id" toml:"id"`
	Kind         string            `yaml:"kind" toml:"kind"`
	Capabilities []string          `yaml:"capabilities" toml:"capabilities"`
	Timeout      time.Duration     `yaml:"timeout,omitempty" toml:"timeout"`
	Command      string            `yaml:"command,omitempty" toml:"command"`
	Args         []string          `yaml:"args,omitempty" toml:"args"`
	Env          map[string]string `yaml:"env,omitempty" toml:"env"`
	Dir          string            `yaml:"dir,omitempty" toml:"dir"`
	Config       map[string]any    `yaml:"config,omitempty" toml:"config"`
	GracePeriod  time.Duration     `yaml:"grace_period,omitempty" toml:"grace_period"`
}

// Defaults returns a Config with the built-in defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "toolgate",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Dispatch: DispatchConfig{
			PollInterval:    time.Second,
			WorkerTimeout:   5 * time.Minute,
			ResultCapacity:  10000,
			MailboxCapacity: 256,
			WaitTimeout:     30 * time.Second,
		},
		Protocol: ProtocolConfig{
			InvokeTimeout: 60 * time.Second,
			MaxLineBytes:  4 << 20,
			Features:      map[string]any{},
		},
		Ledger: LedgerConfig{
			Capacity:         1000,
			ArchiveRetention: 30 * 24 * time.Hour,
		},
		Health: HealthConfig{
			Interval:   30 * time.Second,
			Thresholds: health.DefaultThresholds(),
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			Subject:        "toolgate.requests",
			RequestTimeout: 30 * time.Second,
		},
		Webhooks: WebhooksConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8091",
		},
	}
}
