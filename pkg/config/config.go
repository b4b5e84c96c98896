// Package config loads and validates the fabstream configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (FABSTREAM_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/fabstream/internal/bytesize"
)

// Config represents the fabstream configuration shared by both
// personalities. The peer address comes only from the fput command line
// and is not part of Config; CLI flags are not written back into Config,
// the commands combine the two themselves.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Profiling controls continuous profiling.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Transfer contains the data-plane tunables.
	Transfer TransferConfig `mapstructure:"transfer" yaml:"transfer"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	// Enabled turns tracing on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true" yaml:"endpoint"`

	// Insecure disables TLS toward the collector.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the trace sampling rate between 0.0 and 1.0.
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate"`
}

// ProfilingConfig controls continuous profiling via Pyroscope.
type ProfilingConfig struct {
	// Enabled turns profiling on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ServerAddress is the Pyroscope server URL.
	ServerAddress string `mapstructure:"server_address" validate:"required_if=Enabled true" yaml:"server_address"`
}

// MetricsConfig contains Prometheus metrics server configuration.
type MetricsConfig struct {
	// Enabled turns the metrics endpoint on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddress is the metrics HTTP listen address.
	ListenAddress string `mapstructure:"listen_address" validate:"required_if=Enabled true" yaml:"listen_address"`
}

// TransferConfig contains the data-plane tunables.
type TransferConfig struct {
	// Service is the fabric-layer port both personalities rendezvous on.
	Service string `mapstructure:"service" validate:"required" yaml:"service"`

	// BindAddress is the local address fget listens on. Overridden by
	// the -b flag.
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`

	// Reregister registers each payload buffer immediately before it is
	// handed to the NIC and deregisters it on completion.
	Reregister bool `mapstructure:"reregister" yaml:"reregister"`

	// Contiguous forces single-segment RDMA writes.
	Contiguous bool `mapstructure:"contiguous" yaml:"contiguous"`

	// EntireLen is the total transfer length. Zero or missing selects
	// the default of 10000 repetitions of the test pattern.
	EntireLen bytesize.ByteSize `mapstructure:"entire_len" yaml:"entire_len"`
}

// Load loads configuration from file, environment, and defaults.
// configPath empty searches the default location and falls back to
// defaults when no file exists.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := Default()
		applyEnv(v, cfg)
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays environment variables onto a default config when no
// file exists.
func applyEnv(v *viper.Viper, cfg *Config) {
	if lvl := v.GetString("logging.level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format := v.GetString("logging.format"); format != "" {
		cfg.Logging.Format = format
	}
	if out := v.GetString("logging.output"); out != "" {
		cfg.Logging.Output = out
	}
	if svc := v.GetString("transfer.service"); svc != "" {
		cfg.Transfer.Service = svc
	}
	if addr := v.GetString("metrics.listen_address"); addr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = addr
	}
}

// Validate checks the configuration with struct tags.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Save writes cfg to path in YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// FABSTREAM_LOGGING_LEVEL=DEBUG, FABSTREAM_TRANSFER_SERVICE=4243, ...
	v.SetEnvPrefix("FABSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(DefaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// decodeHooks combines the custom decode hooks used when unmarshalling.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can say "1Gi" or plain byte counts.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64.
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// DefaultConfigDir returns the configuration directory:
// $XDG_CONFIG_HOME/fabstream, or ~/.config/fabstream.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "fabstream")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "fabstream")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
