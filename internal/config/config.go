package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/kquota/config.yaml"

// Config holds the complete application configuration
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Endpoints EndpointsConfig `mapstructure:"endpoints"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Admin     AdminConfig     `mapstructure:"admin"`
}

// EngineConfig defines enforcement timing and session selection
type EngineConfig struct {
	PollInterval           string   `mapstructure:"poll_interval"`
	SaveInterval           string   `mapstructure:"save_interval"`
	WarningThresholds      []string `mapstructure:"warning_thresholds"`
	FinalWarning           string   `mapstructure:"final_warning"`
	ControlledSessionTypes []string `mapstructure:"controlled_session_types"`
	ExcludedSessionTypes   []string `mapstructure:"excluded_session_types"`
	LoginManagerVT         uint32   `mapstructure:"login_manager_vt"`
	Phase1Delay            string   `mapstructure:"phase1_delay"`
	SeatRetryDelay         string   `mapstructure:"seat_retry_delay"`
	ActionTimeout          string   `mapstructure:"action_timeout"`
}

// EndpointConfig defines retry behaviour for one external service
type EndpointConfig struct {
	Retries        int    `mapstructure:"retries"`
	Backoff        string `mapstructure:"backoff"`
	DelayTicks     int    `mapstructure:"delay_ticks"`
	ConnectTimeout string `mapstructure:"connect_timeout"`
}

// EndpointsConfig groups the external services the daemon depends on
type EndpointsConfig struct {
	Session EndpointConfig `mapstructure:"session"`
	Notify  EndpointConfig `mapstructure:"notify"`
	Idle    EndpointConfig `mapstructure:"idle"`
}

// PolicyConfig defines where per-user policy files live
type PolicyConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// NotifyConfig defines desktop notification settings
type NotifyConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	AppName        string `mapstructure:"app_name"`
	ReplaceWindow  string `mapstructure:"replace_window"`
	ExpireTimeout  string `mapstructure:"expire_timeout"`
	DeliverTimeout string `mapstructure:"deliver_timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Path  string      `mapstructure:"path"`
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
}

// AdminConfig defines the local control socket
type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Socket     string `mapstructure:"socket"`
	SocketMode uint32 `mapstructure:"socket_mode"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("KQUOTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Engine defaults
	v.SetDefault("engine.poll_interval", "3s")
	v.SetDefault("engine.save_interval", "30s")
	v.SetDefault("engine.warning_thresholds", []string{"30m", "10m", "5m"})
	v.SetDefault("engine.final_warning", "60s")
	v.SetDefault("engine.controlled_session_types", []string{"x11", "wayland", "mir", "tty"})
	v.SetDefault("engine.excluded_session_types", []string{})
	v.SetDefault("engine.login_manager_vt", 1)
	v.SetDefault("engine.phase1_delay", "100ms")
	v.SetDefault("engine.seat_retry_delay", "1s")
	v.SetDefault("engine.action_timeout", "10s")

	// Endpoint defaults, staggered so dependent services are not probed
	// in lockstep at startup
	v.SetDefault("endpoints.session.retries", 5)
	v.SetDefault("endpoints.session.backoff", "5s")
	v.SetDefault("endpoints.session.delay_ticks", 0)
	v.SetDefault("endpoints.session.connect_timeout", "10s")
	v.SetDefault("endpoints.notify.retries", 3)
	v.SetDefault("endpoints.notify.backoff", "30s")
	v.SetDefault("endpoints.notify.delay_ticks", 2)
	v.SetDefault("endpoints.notify.connect_timeout", "5s")
	v.SetDefault("endpoints.idle.retries", 3)
	v.SetDefault("endpoints.idle.backoff", "20s")
	v.SetDefault("endpoints.idle.delay_ticks", 3)
	v.SetDefault("endpoints.idle.connect_timeout", "5s")

	// Policy defaults
	v.SetDefault("policy.dir", "/etc/kquota/users")
	v.SetDefault("policy.watch", true)

	// Notification defaults
	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.app_name", "kquota")
	v.SetDefault("notify.replace_window", "10s")
	v.SetDefault("notify.expire_timeout", "0s")
	v.SetDefault("notify.deliver_timeout", "5s")

	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/kquota/kquota.bolt")
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 4)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "kquota")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", "127.0.0.1:9464")

	// Admin defaults
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.socket", "/run/kquota/admin.sock")
	v.SetDefault("admin.socket_mode", 0o600)
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Keys returns every known configuration key.
func Keys() map[string]bool {
	v := viper.New()
	setDefaults(v)

	keys := make(map[string]bool)
	for _, k := range v.AllKeys() {
		keys[k] = true
	}
	return keys
}

// validate validates the configuration
func validate(cfg *Config) error {
	poll, err := time.ParseDuration(cfg.Engine.PollInterval)
	if err != nil || poll < time.Second {
		return fmt.Errorf("invalid poll interval %q: must be at least 1s", cfg.Engine.PollInterval)
	}

	save, err := time.ParseDuration(cfg.Engine.SaveInterval)
	if err != nil || save < poll {
		return fmt.Errorf("invalid save interval %q: must be at least the poll interval", cfg.Engine.SaveInterval)
	}

	if _, err := cfg.Engine.Thresholds(); err != nil {
		return err
	}

	if _, err := time.ParseDuration(cfg.Engine.FinalWarning); err != nil {
		return fmt.Errorf("invalid final warning %q: %w", cfg.Engine.FinalWarning, err)
	}

	if len(cfg.Engine.ControlledSessionTypes) == 0 {
		return fmt.Errorf("at least one controlled session type is required")
	}

	for name, ep := range map[string]EndpointConfig{
		"session": cfg.Endpoints.Session,
		"notify":  cfg.Endpoints.Notify,
		"idle":    cfg.Endpoints.Idle,
	} {
		if ep.Retries < 0 {
			return fmt.Errorf("invalid %s endpoint retries: %d", name, ep.Retries)
		}
		if ep.DelayTicks < 0 {
			return fmt.Errorf("invalid %s endpoint delay ticks: %d", name, ep.DelayTicks)
		}
	}

	if cfg.Policy.Dir == "" {
		return fmt.Errorf("policy directory is required")
	}

	switch cfg.Logging.Format {
	case "json", "text", "console":
	default:
		return fmt.Errorf("invalid logging format %q", cfg.Logging.Format)
	}

	if cfg.Admin.Enabled && cfg.Admin.Socket == "" {
		return fmt.Errorf("admin socket path is required")
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}

	switch cfg.Storage.Type {
	case "bolt":
		// Validate storage path
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}

		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	default:
		return fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}

	return nil
}

// Thresholds returns the warning thresholds sorted from largest to
// smallest.
func (e EngineConfig) Thresholds() ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(e.WarningThresholds))
	for _, s := range e.WarningThresholds {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid warning threshold %q", s)
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out, nil
}

// Duration parses s, returning fallback when it is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
