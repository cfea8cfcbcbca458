package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	errs "github.com/dotnet/interactive-sub006/core/errors"
	"github.com/dotnet/interactive-sub006/core/logger"
	"github.com/dotnet/interactive-sub006/core/protocol"
)

// Config holds the application's configuration settings.
type Config struct {
	Environment string                            `mapstructure:"environment" yaml:"environment"`
	Host        HostConfig                        `mapstructure:"host" yaml:"host"`
	Logging     LoggingConfig                     `mapstructure:"logging" yaml:"logging"`
	Metrics     MetricsConfig                     `mapstructure:"metrics" yaml:"metrics"`
	Kernels     map[string]map[string]interface{} `mapstructure:"kernels" yaml:"kernels,omitempty"` // Generic per-kernel settings
	Timeouts    TimeoutsConfig                    `mapstructure:"timeouts" yaml:"timeouts"`

	mu    sync.Mutex
	hooks []func(*Config)
	v     *viper.Viper
}

// HostConfig names the local host and the peer it connects to.
type HostConfig struct {
	URI       string `mapstructure:"uri" yaml:"uri"`
	RemoteURI string `mapstructure:"remote_uri" yaml:"remote_uri"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// MetricsConfig controls the prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// TimeoutsConfig holds timeout settings for various operations.
type TimeoutsConfig struct {
	ConfigChange int `mapstructure:"config_change_seconds" yaml:"config_change_seconds"`
	Command      int `mapstructure:"command_seconds" yaml:"command_seconds"`
}

// KernelSettings is the part of a kernel's settings the host understands. Backends
// decode their own keys from the same map.
type KernelSettings struct {
	Aliases         []string `mapstructure:"aliases" yaml:"aliases,omitempty"`
	LanguageName    string   `mapstructure:"language_name" yaml:"language_name,omitempty"`
	LanguageVersion string   `mapstructure:"language_version" yaml:"language_version,omitempty"`
	Default         bool     `mapstructure:"default" yaml:"default,omitempty"`
	Remote          bool     `mapstructure:"remote" yaml:"remote,omitempty"`
}

// Load reads config.yaml from paths, or from ".", "./configs" and "/etc/interactive"
// when none are given. Environment variables prefixed INTERACTIVE_ override file values.
// A missing config file is not an error.
func Load(paths ...string) (*Config, error) {
	ctx := logger.WithComponentName(context.Background(), "config")
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./configs", "/etc/interactive"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("INTERACTIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("environment", "development")
	v.SetDefault("host.uri", "kernel://local")
	v.SetDefault("host.remote_uri", "kernel://remote")
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.address", "")
	v.SetDefault("timeouts.config_change_seconds", 5)
	v.SetDefault("timeouts.command_seconds", 30)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Info(ctx, "Config file not found, using defaults and environment variables")
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// File returns the config file that was read, if any.
func (c *Config) File() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// AddConfigChangeHook registers a function to be called when the configuration changes.
func (c *Config) AddConfigChangeHook(hook func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Watch reloads the configuration whenever the config file changes. Invalid
// changes are logged and ignored.
func (c *Config) Watch() {
	if c.File() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		c.reload(e.Name)
	})
	c.v.WatchConfig()
}

func (c *Config) reload(name string) {
	ctx := logger.WithComponentName(context.Background(), "config")
	logger.Info(ctx, "Config file changed", zap.String("file", name))

	next := &Config{}
	if err := c.v.Unmarshal(next); err != nil {
		logger.Error(ctx, "Failed to re-unmarshal config", zap.Error(err))
		return
	}
	if err := next.Validate(); err != nil {
		logger.Error(ctx, "Ignoring invalid config change", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.Environment = next.Environment
	c.Host = next.Host
	c.Logging = next.Logging
	c.Metrics = next.Metrics
	c.Kernels = next.Kernels
	c.Timeouts = next.Timeouts
	hooks := append([]func(*Config){}, c.hooks...)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook(c)
	}
}

// LogLevel returns the configured log level. Use it instead of Logging.Level once
// Watch has been called.
func (c *Config) LogLevel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Logging.Level
}

// KernelNames returns the configured kernel names in sorted order.
func (c *Config) KernelNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedNames(c.Kernels)
}

// KernelSettings decodes the host-level settings of the named kernel.
func (c *Config) KernelSettings(name string) (KernelSettings, error) {
	c.mu.Lock()
	raw, ok := c.Kernels[name]
	c.mu.Unlock()
	if !ok {
		return KernelSettings{}, &errs.KernelNotFoundError{Name: name}
	}
	return DecodeKernelSettings(raw)
}

// DefaultKernel returns the kernel marked default, or "" when none is.
func (c *Config) DefaultKernel() string {
	c.mu.Lock()
	kernels := c.Kernels
	c.mu.Unlock()
	for _, name := range sortedNames(kernels) {
		if s, err := DecodeKernelSettings(kernels[name]); err == nil && s.Default {
			return name
		}
	}
	return ""
}

func sortedNames(kernels map[string]map[string]interface{}) []string {
	names := make([]string, 0, len(kernels))
	for name := range kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeKernelSettings decodes a generic settings map.
func DecodeKernelSettings(raw map[string]interface{}) (KernelSettings, error) {
	var s KernelSettings
	if err := Decode(raw, &s); err != nil {
		return KernelSettings{}, err
	}
	return s, nil
}

// Decode decodes generic settings into target, converting scalar types where needed
// (a YAML 3.11 becomes the string "3.11").
func Decode(raw map[string]interface{}, target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	return nil
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
		// valid
	default:
		return fmt.Errorf("invalid environment: %q", c.Environment)
	}
	if _, err := protocol.NormalizeURI(c.Host.URI); err != nil {
		return fmt.Errorf("invalid host.uri: %w", err)
	}
	if c.Host.RemoteURI != "" {
		if _, err := protocol.NormalizeURI(c.Host.RemoteURI); err != nil {
			return fmt.Errorf("invalid host.remote_uri: %w", err)
		}
	}

	var defaults []string
	for _, name := range sortedNames(c.Kernels) {
		s, err := DecodeKernelSettings(c.Kernels[name])
		if err != nil {
			return fmt.Errorf("kernel %s: %w", name, err)
		}
		if s.LanguageVersion != "" {
			info := protocol.KernelInfo{LocalName: name, LanguageVersion: s.LanguageVersion}
			if _, err := info.LanguageSemver(); err != nil {
				return fmt.Errorf("invalid language_version: %w", err)
			}
		}
		if s.Default {
			defaults = append(defaults, name)
		}
	}
	if len(defaults) > 1 {
		return fmt.Errorf("more than one default kernel: %s", strings.Join(defaults, ", "))
	}
	return nil
}

// GenerateMinimalConfig creates a minimal config with one local and one remote kernel.
func GenerateMinimalConfig() *Config {
	return &Config{
		Environment: "development",
		Host: HostConfig{
			URI:       "kernel://local",
			RemoteURI: "kernel://remote",
		},
		Logging: LoggingConfig{Level: "info"},
		Kernels: map[string]map[string]interface{}{
			"value": {
				"aliases":          []string{"v"},
				"language_name":    "value",
				"language_version": "1.0.0",
				"default":          true,
			},
			"remote-value": {
				"aliases":          []string{"rv"},
				"language_name":    "value",
				"language_version": "1.0.0",
				"remote":           true,
			},
		},
		Timeouts: TimeoutsConfig{
			ConfigChange: 5,
			Command:      30,
		},
	}
}

// SaveGeneratedConfig saves a generated config to a file
func SaveGeneratedConfig(cfg *Config, filename string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	err = os.WriteFile(filename, data, 0644)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
