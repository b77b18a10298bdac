package config

import "path/filepath"

// ObservabilityConfig holds logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	OTLPProtocol   string `mapstructure:"otlp_protocol"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`

	TraceSampleRatio float64 `mapstructure:"trace_sample_ratio"`
}

// ResolvedDataDir returns the data directory from config, or the default.
func (c Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataDir()
}

// DownloadDir is where transfers keep their payload. Probes and mining share
// it so a probe's pieces are still there when the swarm is mined.
func (c Config) DownloadDir() string {
	if c.Engine.DownloadDir != "" {
		return c.Engine.DownloadDir
	}
	return filepath.Join(c.ResolvedDataDir(), "downloads")
}

// ResumeDir is the default location of the fs resume store.
func (c Config) ResumeDir() string {
	return filepath.Join(c.ResolvedDataDir(), "resume")
}
