// Package config manages supervisor configuration
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tomyedwab/pinup/sidecarhost/paths"
)

// EnvPrefix prefixes every environment override, e.g. PINUP_SUPERVISOR_CONTROL_PORT.
const EnvPrefix = "PINUP_SUPERVISOR"

// Config holds the supervisor configuration
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Dev     bool          `mapstructure:"dev"`
	Control ControlConfig `mapstructure:"control"`
	Backend BackendConfig `mapstructure:"backend"`
	Health  HealthConfig  `mapstructure:"health"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Journal JournalConfig `mapstructure:"journal"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ControlConfig holds the local control API listener configuration
type ControlConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// BackendConfig holds how the backend process is located and started
type BackendConfig struct {
	Executable    string            `mapstructure:"executable"`
	Args          []string          `mapstructure:"args"`
	Env           map[string]string `mapstructure:"env"`
	PortMin       int               `mapstructure:"port_min"`
	PortMax       int               `mapstructure:"port_max"`
	FallbackPort  int               `mapstructure:"fallback_port"`
	KillTimeout   time.Duration     `mapstructure:"kill_timeout"`
	ShutdownGrace time.Duration     `mapstructure:"shutdown_grace"`
	LogBufferSize int               `mapstructure:"log_buffer_size"`
}

// HealthConfig holds health probe budgets
type HealthConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	StartupRetries int           `mapstructure:"startup_retries"`
	StartupDelay   time.Duration `mapstructure:"startup_delay"`
	RestartRetries int           `mapstructure:"restart_retries"`
	RestartDelay   time.Duration `mapstructure:"restart_delay"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
}

// AuthConfig holds bootstrap token configuration
type AuthConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	OverrideEnv string        `mapstructure:"override_env"`
}

// JournalConfig holds lifecycle journal configuration
type JournalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Retention time.Duration `mapstructure:"retention"`
}

// LoggingConfig holds supervisor log output configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// NewViper returns a viper instance with every default and environment override wired.
// Callers may bind command-line flags to it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", paths.DataDir())
	v.SetDefault("dev", false)
	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.port", 8110)
	v.SetDefault("backend.executable", "pinup-backend")
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.env", map[string]string{})
	v.SetDefault("backend.port_min", 0)
	v.SetDefault("backend.port_max", 0)
	v.SetDefault("backend.fallback_port", 8111)
	v.SetDefault("backend.kill_timeout", 5*time.Second)
	v.SetDefault("backend.shutdown_grace", 5*time.Second)
	v.SetDefault("backend.log_buffer_size", 1000)
	v.SetDefault("health.timeout", 2*time.Second)
	v.SetDefault("health.startup_retries", 15)
	v.SetDefault("health.startup_delay", 500*time.Millisecond)
	v.SetDefault("health.restart_retries", 10)
	v.SetDefault("health.restart_delay", 500*time.Millisecond)
	v.SetDefault("health.settle_delay", 500*time.Millisecond)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.override_env", "PINUP_API_TOKEN")
	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.retention", 30*24*time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("metrics.namespace", "sidecar")

	return v
}

// Load reads configFile (if set) into v and unmarshals the result.
// Without configFile, supervisor.yaml is looked up in the data directory and the
// working directory; a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("supervisor")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
		v.AddConfigPath(".")
	}

	// Read config file (ignore if not found - use defaults)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// Viper lowercases map keys; environment variable names are upper case.
	cfg.Backend.Env = upperKeys(cfg.Backend.Env)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the supervisor cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Control.Port <= 0 || c.Control.Port > 65535 {
		return fmt.Errorf("control.port %d out of range", c.Control.Port)
	}
	if c.Backend.PortMin != 0 || c.Backend.PortMax != 0 {
		if c.Backend.PortMin <= 0 || c.Backend.PortMax > 65535 || c.Backend.PortMin > c.Backend.PortMax {
			return fmt.Errorf("invalid backend port range [%d-%d]", c.Backend.PortMin, c.Backend.PortMax)
		}
	}
	if c.Backend.FallbackPort <= 0 || c.Backend.FallbackPort > 65535 {
		return fmt.Errorf("backend.fallback_port %d out of range", c.Backend.FallbackPort)
	}
	if c.Health.StartupRetries <= 0 || c.Health.RestartRetries <= 0 {
		return fmt.Errorf("health retries must be positive")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// LogFilePath returns the rotated supervisor log location.
func (c *Config) LogFilePath() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(c.DataDir, "logs", "supervisor.log")
}

func upperKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, val := range in {
		out[strings.ToUpper(k)] = val
	}
	return out
}
