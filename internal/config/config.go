// Package config loads the kernel's YAML configuration file and applies
// ${VAR}/${VAR:-default} environment interpolation before unmarshaling,
// the way cklxx-elephant.ai's config loader resolves env placeholders
// (internal/config/env_expand.go) before handing values to callers.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level kernel configuration.
type Config struct {
	StorePath string `yaml:"store_path"`

	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Scheduler  []ScheduleEntry  `yaml:"scheduler"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	EventBus   EventBusConfig   `yaml:"eventbus"`
}

// Duration-valued fields are stored as strings so the scheduler's Nm/Nh/Nd
// trigger syntax (not standard Go duration syntax) can be reused for every
// duration in the config file — see ParseDuration.
type DispatcherConfig struct {
	WipLimits       map[string]int `yaml:"wip_limits"`
	LeaseTTL        string         `yaml:"lease_ttl"`
	PollInterval    string         `yaml:"poll_interval"`
	HeartbeatPeriod string         `yaml:"heartbeat_period"`
	HTTPEndpoint    string         `yaml:"http_endpoint"`
}

type WatchdogConfig struct {
	SweepInterval string `yaml:"sweep_interval"`
	GracePeriod   string `yaml:"grace_period"`
}

type ScheduleEntry struct {
	Name     string `yaml:"name"`
	Trigger  string `yaml:"trigger"`
	TaskType string `yaml:"task_type"`
	Backend  string `yaml:"backend"`
	Priority int32  `yaml:"priority"`
	Prompt   string `yaml:"prompt"`
	Enabled  bool   `yaml:"enabled"`
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type EventBusConfig struct {
	NATSURL string `yaml:"nats_url,omitempty"`
}

var defaultVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*):-([^}]*)\}`)

// interpolate resolves ${VAR:-default} first (os.Expand has no default
// syntax), then falls back to os.Expand for plain ${VAR}/$VAR references.
func interpolate(raw []byte) []byte {
	withDefaults := defaultVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		parts := defaultVarPattern.FindSubmatch(match)
		name, def := string(parts[1]), string(parts[2])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		return []byte(def)
	})
	return []byte(os.Expand(string(withDefaults), func(key string) string {
		if key == "" {
			return ""
		}
		return os.Getenv(key)
	}))
}

// Load reads path, applies environment interpolation, and unmarshals YAML.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(interpolate(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.StorePath == "" {
		cfg.StorePath = "flowkeeper.db"
	}
	if cfg.Dispatcher.LeaseTTL == "" {
		cfg.Dispatcher.LeaseTTL = "5m"
	}
	if cfg.Dispatcher.PollInterval == "" {
		cfg.Dispatcher.PollInterval = "2s"
	}
	if cfg.Dispatcher.HeartbeatPeriod == "" {
		cfg.Dispatcher.HeartbeatPeriod = "30s"
	}
	if cfg.Watchdog.SweepInterval == "" {
		cfg.Watchdog.SweepInterval = "30s"
	}
	if cfg.Watchdog.GracePeriod == "" {
		cfg.Watchdog.GracePeriod = "10s"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "flowkeeper-kernel"
	}
}

// ParseDuration parses the scheduler's duration-string grammar: an integer
// followed by one of s/m/h/d (seconds/minutes/hours/days). It also accepts
// plain Go duration syntax ("1h30m") as a superset, falling back to
// time.ParseDuration when the Nd-extended form doesn't match.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if len(s) >= 2 && s[len(s)-1] == 'd' {
		if n, err := strconv.Atoi(s[:len(s)-1]); err == nil {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
