package config

// DefaultService is the fabric-layer port of the transfer protocol.
const DefaultService = "4242"

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			SampleRate: 1.0,
		},
		Profiling: ProfilingConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
		Transfer: TransferConfig{
			Service: DefaultService,
		},
	}
}

// ApplyDefaults fills zero values of cfg with the baseline.
func ApplyDefaults(cfg *Config) {
	def := Default()

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = def.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = def.Logging.Output
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = def.Telemetry.SampleRate
	}
	if cfg.Transfer.Service == "" {
		cfg.Transfer.Service = def.Transfer.Service
	}
}
