// Package config provides configuration management for the hydrogen daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
	Kernel  KernelConfig  `mapstructure:"kernel"`
	Gateway GatewayConfig `mapstructure:"gateway"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// RequestTimeout bounds how long complete/inspect handlers wait for a reply.
	RequestTimeout int `mapstructure:"requestTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// KernelSpecConfig declares a kernel spec inline in the config file, in
// addition to the ones discovered on disk.
type KernelSpecConfig struct {
	Language      string            `mapstructure:"language"`
	DisplayName   string            `mapstructure:"displayName"`
	Argv          []string          `mapstructure:"argv"`
	Env           map[string]string `mapstructure:"env"`
	InterruptMode string            `mapstructure:"interruptMode"`
}

// KernelConfig holds local kernel launch and connection settings.
type KernelConfig struct {
	// SpecDirs are searched for <name>/kernel.json. Empty means the Jupyter defaults.
	SpecDirs      []string                    `mapstructure:"specDirs"`
	WatchSpecDirs bool                        `mapstructure:"watchSpecDirs"`
	Specs         map[string]KernelSpecConfig `mapstructure:"specs"`

	// LanguageMappings maps a kernel language to the editor language it serves,
	// e.g. {"python": "magicpython"}.
	LanguageMappings map[string]string `mapstructure:"languageMappings"`

	// StartupCode is executed right after a kernel starts, keyed by display name.
	StartupCode map[string]string `mapstructure:"startupCode"`

	StartDir   string `mapstructure:"startDir"`
	RuntimeDir string `mapstructure:"runtimeDir"`
	IP         string `mapstructure:"ip"`

	ConnectTimeout int `mapstructure:"connectTimeout"` // in seconds
	DialRetryMs    int `mapstructure:"dialRetryMs"`
}

// GatewayConfig points the daemon at a remote kernel gateway instead of
// launching local kernels.
type GatewayConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeoutDuration returns the reply wait bound as a time.Duration.
func (s *ServerConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

// ConnectTimeoutDuration returns the channel readiness bound as a time.Duration.
func (k *KernelConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(k.ConnectTimeout) * time.Second
}

// DialRetryDuration returns the pause between dial attempts.
func (k *KernelConfig) DialRetryDuration() time.Duration {
	return time.Duration(k.DialRetryMs) * time.Millisecond
}

// UsesGateway reports whether kernels are hosted by a remote gateway.
func (c *Config) UsesGateway() bool {
	return strings.TrimSpace(c.Gateway.URL) != ""
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("JUPYTER_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "hydrogen-runtime")
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("HYDROGEN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.requestTimeout", 10)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "hydrogen")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Kernel defaults
	v.SetDefault("kernel.specDirs", []string{})
	v.SetDefault("kernel.watchSpecDirs", true)
	v.SetDefault("kernel.startDir", "")
	v.SetDefault("kernel.runtimeDir", defaultRuntimeDir())
	v.SetDefault("kernel.ip", "127.0.0.1")
	v.SetDefault("kernel.connectTimeout", 30)
	v.SetDefault("kernel.dialRetryMs", 250)

	// Gateway defaults - empty URL means launch kernels locally
	v.SetDefault("gateway.url", "")
	v.SetDefault("gateway.token", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HYDROGEN_ with "." replaced by "_".
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HYDROGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE
	_ = v.BindEnv("kernel.connectTimeout", "HYDROGEN_KERNEL_CONNECT_TIMEOUT")
	_ = v.BindEnv("kernel.runtimeDir", "HYDROGEN_KERNEL_RUNTIME_DIR", "JUPYTER_RUNTIME_DIR")
	_ = v.BindEnv("kernel.startDir", "HYDROGEN_KERNEL_START_DIR")
	_ = v.BindEnv("nats.url", "HYDROGEN_NATS_URL", "NATS_URL")
	_ = v.BindEnv("gateway.url", "HYDROGEN_GATEWAY_URL", "JUPYTER_GATEWAY_URL")
	_ = v.BindEnv("gateway.token", "HYDROGEN_GATEWAY_TOKEN", "JUPYTER_GATEWAY_AUTH_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".hydrogen"))
	}
	v.AddConfigPath("/etc/hydrogen/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.RequestTimeout <= 0 {
		errs = append(errs, "server.requestTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Kernel.ConnectTimeout <= 0 {
		errs = append(errs, "kernel.connectTimeout must be positive")
	}
	if cfg.Kernel.DialRetryMs <= 0 {
		errs = append(errs, "kernel.dialRetryMs must be positive")
	}
	if strings.TrimSpace(cfg.Kernel.RuntimeDir) == "" {
		errs = append(errs, "kernel.runtimeDir is required")
	}
	for name, spec := range cfg.Kernel.Specs {
		if len(spec.Argv) == 0 {
			errs = append(errs, fmt.Sprintf("kernel.specs.%s.argv is required", name))
		}
		if spec.Language == "" {
			errs = append(errs, fmt.Sprintf("kernel.specs.%s.language is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
