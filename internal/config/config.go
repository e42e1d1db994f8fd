package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/timer24d/internal/mask"
	"github.com/dokzlo13/timer24d/internal/presence"
	"github.com/dokzlo13/timer24d/internal/schedule"
)

// Store modes
const (
	StoreModeRemote = "remote" // schedules live in Home Assistant (timer_24h integration)
	StoreModeLocal  = "local"  // schedules live in the local database
)

// Config represents the application configuration
type Config struct {
	HomeAssistant   HomeAssistantConfig `yaml:"homeassistant"`
	Store           StoreConfig         `yaml:"store"`
	Control         ControlConfig       `yaml:"control"`
	Presence        PresenceConfig      `yaml:"presence"`
	Timers          []TimerConfig       `yaml:"timers"`
	Timezone        string              `yaml:"timezone"`
	Database        DatabaseConfig      `yaml:"database"`
	Log             LogConfig           `yaml:"log"`
	MQTT            MQTTConfig          `yaml:"mqtt"`
	Ledger          LedgerConfig        `yaml:"ledger"`
	HTTP            HTTPConfig          `yaml:"http"`
	EventBus        EventBusConfig      `yaml:"eventbus"`
	ShutdownTimeout Duration            `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// HomeAssistantConfig contains Home Assistant connection settings
type HomeAssistantConfig struct {
	URL          string   `yaml:"url"`   // ws://host:8123/api/websocket
	Token        string   `yaml:"token"` // long-lived access token
	Timeout      Duration `yaml:"timeout"`
	PingInterval Duration `yaml:"ping_interval"`

	// Reconnect settings
	MinRetryBackoff Duration `yaml:"min_retry_backoff"` // Minimum backoff between reconnects (default: 1s)
	MaxRetryBackoff Duration `yaml:"max_retry_backoff"` // Maximum backoff between reconnects (default: 2m)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	MaxReconnects   int      `yaml:"max_reconnects"`    // Max reconnect attempts, 0 = infinite (default: 0)
}

// StoreConfig selects where schedules are kept
type StoreConfig struct {
	Mode string `yaml:"mode"` // remote | local
}

// ControlConfig contains decision engine settings
type ControlConfig struct {
	Cooldown     Duration `yaml:"cooldown"`       // Repeat-command suppression window (default: 30s)
	TickInterval Duration `yaml:"tick_interval"`  // How often slot boundaries are checked (default: 2m)
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // Service calls per second, per timer
}

// PresenceConfig contains presence sensor settings
type PresenceConfig struct {
	// Sensors whose "off" state means presence is satisfied, in addition to the built-in ones
	InvertedSensors []string `yaml:"inverted_sensors"`
}

// TimerConfig is one timer card instance
type TimerConfig struct {
	Title             string   `yaml:"title"`
	Entities          []string `yaml:"entities"`
	HomeSensors       []string `yaml:"home_sensors"`
	HomeLogic         string   `yaml:"home_logic"`
	SaveState         *bool    `yaml:"save_state"`
	ResolutionMinutes int      `yaml:"resolution_minutes"`
}

// ID returns the storage key derived from the title
func (t TimerConfig) ID() string {
	return schedule.NormalizeTimerID(t.Title)
}

// SavesState reports whether toggles are persisted (default: true)
func (t TimerConfig) SavesState() bool {
	return t.SaveState == nil || *t.SaveState
}

// Logic returns the parsed home_logic
func (t TimerConfig) Logic() presence.Logic {
	l, _ := presence.ParseLogic(t.HomeLogic)
	return l
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// MQTTConfig contains status publishing settings
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // tcp://host:1883; empty disables publishing
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Enabled reports whether a broker is configured
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// LedgerConfig contains command ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HTTPConfig contains HTTP API server settings
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads, parses and validates the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, applies defaults and validates
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./timer24d.sqlite"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if cfg.Store.Mode == "" {
		cfg.Store.Mode = StoreModeRemote
	}

	// Home Assistant defaults
	if cfg.HomeAssistant.Timeout == 0 {
		cfg.HomeAssistant.Timeout = Duration(10 * time.Second)
	}
	if cfg.HomeAssistant.PingInterval == 0 {
		cfg.HomeAssistant.PingInterval = Duration(30 * time.Second)
	}
	if cfg.HomeAssistant.MinRetryBackoff == 0 {
		cfg.HomeAssistant.MinRetryBackoff = Duration(1 * time.Second)
	}
	if cfg.HomeAssistant.MaxRetryBackoff == 0 {
		cfg.HomeAssistant.MaxRetryBackoff = Duration(2 * time.Minute)
	}
	if cfg.HomeAssistant.RetryMultiplier == 0 {
		cfg.HomeAssistant.RetryMultiplier = 2.0
	}
	// MaxReconnects defaults to 0 (infinite), no need to set

	// Control defaults
	if cfg.Control.Cooldown == 0 {
		cfg.Control.Cooldown = Duration(30 * time.Second)
	}
	if cfg.Control.TickInterval == 0 {
		cfg.Control.TickInterval = Duration(2 * time.Minute)
	}
	if cfg.Control.RateLimitRPS == 0 {
		cfg.Control.RateLimitRPS = 10.0
	}

	// Timer defaults
	for i := range cfg.Timers {
		if cfg.Timers[i].ResolutionMinutes == 0 {
			cfg.Timers[i].ResolutionMinutes = mask.DefaultResolution
		}
		if cfg.Timers[i].HomeLogic == "" {
			cfg.Timers[i].HomeLogic = string(presence.LogicOR)
		}
	}

	// MQTT defaults
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "timer24d"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "timer24d"
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// HTTP defaults
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 9090
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate reports every configuration problem at once
func (cfg *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}

	switch cfg.Store.Mode {
	case StoreModeRemote, StoreModeLocal:
	default:
		errs = append(errs, fmt.Errorf("store.mode: unknown mode %q", cfg.Store.Mode))
	}

	if cfg.HomeAssistant.URL == "" {
		errs = append(errs, errors.New("homeassistant.url is required"))
	}
	if cfg.HomeAssistant.Token == "" {
		errs = append(errs, errors.New("homeassistant.token is required"))
	}
	if cfg.HomeAssistant.MaxRetryBackoff < cfg.HomeAssistant.MinRetryBackoff {
		errs = append(errs, errors.New("homeassistant.max_retry_backoff must not be below min_retry_backoff"))
	}
	if cfg.Control.Cooldown < 0 {
		errs = append(errs, errors.New("control.cooldown must not be negative"))
	}
	if cfg.Control.TickInterval <= 0 {
		errs = append(errs, errors.New("control.tick_interval must be positive"))
	}
	if cfg.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos: %d is not 0, 1 or 2", cfg.MQTT.QoS))
	}

	if len(cfg.Timers) == 0 {
		errs = append(errs, errors.New("timers: at least one timer is required"))
	}
	seen := make(map[string]string, len(cfg.Timers))
	for i, t := range cfg.Timers {
		prefix := fmt.Sprintf("timers[%d]", i)
		if strings.TrimSpace(t.Title) == "" {
			errs = append(errs, fmt.Errorf("%s.title is required", prefix))
		}
		if err := mask.ValidateResolution(t.ResolutionMinutes); err != nil {
			errs = append(errs, fmt.Errorf("%s.resolution_minutes: %w", prefix, err))
		}
		if _, err := presence.ParseLogic(t.HomeLogic); err != nil {
			errs = append(errs, fmt.Errorf("%s.home_logic: %w", prefix, err))
		}
		for _, e := range t.Entities {
			if !strings.Contains(e, ".") {
				errs = append(errs, fmt.Errorf("%s.entities: %q is not an entity id", prefix, e))
			}
		}
		id := t.ID()
		if other, ok := seen[id]; ok {
			errs = append(errs, fmt.Errorf("%s: title %q collides with %q (both map to %q)", prefix, t.Title, other, id))
		}
		seen[id] = t.Title
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}
