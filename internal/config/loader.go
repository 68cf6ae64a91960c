package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/toolgate/internal/log"
)

// EnvPrefix prefixes every environment override, e.g. TOOLGATE_LOG_LEVEL.
const EnvPrefix = "TOOLGATE"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates and decodes the configuration file at path, applies
// environment overrides and validates the result. The format is chosen by
// extension: .yaml/.yml or .toml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s\n"+
				"Hint: Check the path or run with --config flag", absPath)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
	}

	if _, err := VerifyChecksum(absPath); err != nil {
		return nil, err
	}

	cfg, err := Parse(filepath.Ext(absPath), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDefaults returns the defaults with environment overrides applied, for
// running without a config file.
func LoadDefaults() (*Config, error) {
	cfg := Defaults()
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes data in the format named by ext on top of Defaults. ${VAR}
// references are replaced before decoding.
func Parse(ext string, data []byte) (*Config, error) {
	cfg := Defaults()
	interpolated := interpolateEnv(string(data))

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(interpolated), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(interpolated, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			log.Warn("ignoring unknown config keys", "keys", keys)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", ext)
	}

	applyConfigDefaults(cfg)
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// envOverrides are the settings that may be overridden from the environment.
// Unset variables leave the pointer nil and the file value untouched.
type envOverrides struct {
	LogLevel       *string        `envconfig:"LOG_LEVEL"`
	LogFormat      *string        `envconfig:"LOG_FORMAT"`
	PIDFile        *string        `envconfig:"PID_FILE"`
	InvokeTimeout  *time.Duration `envconfig:"INVOKE_TIMEOUT"`
	WorkerTimeout  *time.Duration `envconfig:"WORKER_TIMEOUT"`
	LedgerCapacity *int           `envconfig:"LEDGER_CAPACITY"`
	ArchivePath    *string        `envconfig:"ARCHIVE_PATH"`
	APIEnabled     *bool          `envconfig:"API_ENABLED"`
	APIListen      *string        `envconfig:"API_LISTEN"`
	NATSEnabled    *bool          `envconfig:"NATS_ENABLED"`
	NATSURL        *string        `envconfig:"NATS_URL"`
	NATSSubject    *string        `envconfig:"NATS_SUBJECT"`
	HooksEnabled   *bool          `envconfig:"WEBHOOKS_ENABLED"`
	HooksListen    *string        `envconfig:"WEBHOOKS_LISTEN"`
}

// ApplyEnv overlays TOOLGATE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	setString(&cfg.Service.LogLevel, o.LogLevel)
	setString(&cfg.Service.LogFormat, o.LogFormat)
	setString(&cfg.Service.PIDFile, o.PIDFile)
	setString(&cfg.Ledger.ArchivePath, o.ArchivePath)
	setString(&cfg.API.Listen, o.APIListen)
	setString(&cfg.NATS.URL, o.NATSURL)
	setString(&cfg.NATS.Subject, o.NATSSubject)
	setString(&cfg.Webhooks.Listen, o.HooksListen)
	if o.InvokeTimeout != nil {
		cfg.Protocol.InvokeTimeout = *o.InvokeTimeout
	}
	if o.WorkerTimeout != nil {
		cfg.Dispatch.WorkerTimeout = *o.WorkerTimeout
	}
	if o.LedgerCapacity != nil {
		cfg.Ledger.Capacity = *o.LedgerCapacity
	}
	if o.APIEnabled != nil {
		cfg.API.Enabled = *o.APIEnabled
	}
	if o.NATSEnabled != nil {
		cfg.NATS.Enabled = *o.NATSEnabled
	}
	if o.HooksEnabled != nil {
		cfg.Webhooks.Enabled = *o.HooksEnabled
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// applyConfigDefaults fills zero values the file may have cleared explicitly.
func applyConfigDefaults(cfg *Config) {
	d := Defaults()
	if cfg.Service.Name == "" {
		cfg.Service.Name = d.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = d.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = d.Service.LogFormat
	}
	if cfg.Protocol.Features == nil {
		cfg.Protocol.Features = map[string]any{}
	}
	for i := range cfg.Workers {
		if cfg.Workers[i].Kind == "" {
			cfg.Workers[i].Kind = WorkerEcho
		}
	}
}

// Validate checks cfg and reports every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(cfg.Service.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("service.log_level: unknown level %q", cfg.Service.LogLevel)
	}
	switch strings.ToLower(cfg.Service.LogFormat) {
	case "json", "text":
	default:
		add("service.log_format: must be json or text, got %q", cfg.Service.LogFormat)
	}

	if cfg.Dispatch.PollInterval <= 0 {
		add("dispatch.poll_interval: must be positive")
	}
	if cfg.Dispatch.WorkerTimeout <= 0 {
		add("dispatch.worker_timeout: must be positive")
	}
	if cfg.Dispatch.ResultCapacity < 0 {
		add("dispatch.result_capacity: must not be negative")
	}
	if cfg.Dispatch.MailboxCapacity < 0 {
		add("dispatch.mailbox_capacity: must not be negative")
	}
	if cfg.Protocol.InvokeTimeout <= 0 {
		add("protocol.invoke_timeout: must be positive")
	}
	if cfg.Protocol.MaxLineBytes < 0 {
		add("protocol.max_line_bytes: must not be negative")
	}
	if cfg.Ledger.Capacity <= 0 {
		add("ledger.capacity: must be positive")
	}
	if cfg.Ledger.ArchiveRetention < 0 {
		add("ledger.archive_retention: must not be negative")
	}
	if cfg.Health.Interval <= 0 {
		add("health.interval: must be positive")
	}
	th := cfg.Health.Thresholds
	if th.ErrorRateDegraded < 0 || th.ErrorRateDegraded > 1 || th.ErrorRateUnhealthy < 0 || th.ErrorRateUnhealthy > 1 {
		add("health.thresholds: error rates must be fractions between 0 and 1")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		add("api.listen: required when api is enabled")
	}
	if cfg.NATS.Enabled {
		if cfg.NATS.URL == "" {
			add("nats.url: required when nats is enabled")
		}
		if cfg.NATS.Subject == "" {
			add("nats.subject: required when nats is enabled")
		}
	}

	if cfg.Webhooks.Enabled {
		if cfg.Webhooks.Listen == "" {
			add("webhooks.listen: required when webhooks are enabled")
		}
		if len(cfg.Webhooks.Endpoints) == 0 {
			add("webhooks.endpoints: at least one endpoint is required when webhooks are enabled")
		}
	}
	paths := make(map[string]bool, len(cfg.Webhooks.Endpoints))
	for i, ep := range cfg.Webhooks.Endpoints {
		label := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			add("%s.path: must start with /, got %q", label, ep.Path)
		} else if paths[ep.Path] {
			add("%s.path: duplicate path %q", label, ep.Path)
		}
		paths[ep.Path] = true
		if ep.Type == "" {
			add("%s.type: required", label)
		}
		if ep.Secret == "" {
			add("%s.secret: required", label)
		}
		if ep.SignatureHeader == "" {
			add("%s.signature_header: required", label)
		}
		if _, err := ParseByteSize(ep.MaxBodySize); err != nil {
			add("%s.max_body_size: %v", label, err)
		}
	}

	scheduleIDs := make(map[string]bool, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		label := fmt.Sprintf("schedules[%d]", i)
		if sc.ID == "" {
			add("%s.id: required", label)
		} else {
			label = fmt.Sprintf("schedules[%d] (%s)", i, sc.ID)
			if scheduleIDs[sc.ID] {
				add("%s: duplicate schedule id", label)
			}
			scheduleIDs[sc.ID] = true
		}
		if sc.Type == "" {
			add("%s.type: required", label)
		}
		if _, err := ParseInterval(sc.Every); err != nil {
			add("%s.every: %v", label, err)
		}
		if sc.Jitter < 0 {
			add("%s.jitter: must not be negative", label)
		}
		if sc.Deadline < 0 {
			add("%s.deadline: must not be negative", label)
		}
	}

	for _, ref := range unresolvedRefs(cfg) {
		add("%s: environment variable ${%s} is not set", ref[0], ref[1])
	}

	seen := make(map[string]bool, len(cfg.Workers))
	for i, w := range cfg.Workers {
		label := fmt.Sprintf("workers[%d]", i)
		if w.ID == "" {
			add("%s.id: required", label)
		} else {
			label = fmt.Sprintf("workers[%d] (%s)", i, w.ID)
			if seen[w.ID] {
				add("%s: duplicate worker id", label)
			}
			seen[w.ID] = true
		}
		if len(w.Capabilities) == 0 {
			add("%s.capabilities: at least one capability is required", label)
		}
		if w.Timeout < 0 {
			add("%s.timeout: must not be negative", label)
		}
		switch w.Kind {
		case WorkerEcho:
		case WorkerExec:
			if w.Command == "" {
				add("%s.command: required for exec workers", label)
			}
		default:
			add("%s.kind: unknown worker kind %q", label, w.Kind)
		}
	}

	return errors.Join(errs...)
}

// unresolvedRefs lists [field, variable] pairs still holding ${VAR} after interpolation.
func unresolvedRefs(cfg *Config) [][2]string {
	var out [][2]string
	check := func(field, value string) {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			out = append(out, [2]string{field, m[1]})
		}
	}
	check("ledger.archive_path", cfg.Ledger.ArchivePath)
	check("api.listen", cfg.API.Listen)
	check("nats.url", cfg.NATS.URL)
	for i, ep := range cfg.Webhooks.Endpoints {
		check(fmt.Sprintf("webhooks.endpoints[%d].secret", i), ep.Secret)
	}
	for i, w := range cfg.Workers {
		check(fmt.Sprintf("workers[%d].command", i), w.Command)
		for k, v := range w.Env {
			check(fmt.Sprintf("workers[%d].env.%s", i, k), v)
		}
	}
	return out
}

// ParseInterval converts a schedule interval to a duration. It accepts Go
// durations ("5m", "2h") and the names hourly, daily and weekly.
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
	}
	return d, nil
}

// DefaultMaxBodySize is the webhook body limit when none is configured.
const DefaultMaxBodySize int64 = 1 << 20

// ParseByteSize parses sizes like "1MB", "512KB" or "2048". Empty means
// DefaultMaxBodySize.
func ParseByteSize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", size)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive, got %q", size)
	}
	if value > (1<<62)/multiplier {
		return 0, fmt.Errorf("size %q is too large", size)
	}
	return value * multiplier, nil
}
