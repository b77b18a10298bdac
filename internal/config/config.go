package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/creditmine/internal/mining"
	"github.com/gezibash/creditmine/internal/policy"
	"github.com/gezibash/creditmine/internal/swarm"
)

// EnvPrefix prefixes every environment override, e.g. CREDITMINE_MINING_CAPACITY.
const EnvPrefix = "CREDITMINE"

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Mining        MiningConfig        `mapstructure:"mining"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
	Admission     AdmissionConfig     `mapstructure:"admission"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Resume        BackendConfig       `mapstructure:"resume"`
	Sources       []SourceConfig      `mapstructure:"sources"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type MiningConfig struct {
	Capacity        int           `mapstructure:"capacity"`
	MaxPerSource    int           `mapstructure:"max_per_source"`
	Policy          string        `mapstructure:"policy"`
	OldestFirst     bool          `mapstructure:"oldest_first"`
	Filter          string        `mapstructure:"filter"`
	Aggressiveness  int           `mapstructure:"aggressiveness"`
	ActivityTimeout time.Duration `mapstructure:"activity_timeout"`
	DefaultPriority int           `mapstructure:"default_priority"`
	ArchivePriority int           `mapstructure:"archive_priority"`
}

type CadenceConfig struct {
	Initial  time.Duration `mapstructure:"initial"`
	Interval time.Duration `mapstructure:"interval"`
}

type ScheduleConfig struct {
	Select        CadenceConfig `mapstructure:"select"`
	TrackerHealth CadenceConfig `mapstructure:"tracker_health"`
	Activity      CadenceConfig `mapstructure:"activity"`
	Rebalance     CadenceConfig `mapstructure:"rebalance"`
	ResumeDrain   CadenceConfig `mapstructure:"resume_drain"`
	Statistics    CadenceConfig `mapstructure:"statistics"`
}

type AdmissionConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	Pieces        int           `mapstructure:"pieces"`
	PiecePriority int           `mapstructure:"piece_priority"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	MaxDuration   time.Duration `mapstructure:"max_duration"`
	Grace         time.Duration `mapstructure:"grace"`
}

type EngineConfig struct {
	ListenPort      int    `mapstructure:"listen_port"`
	ProbeListenPort int    `mapstructure:"probe_listen_port"`
	NoDHT           bool   `mapstructure:"no_dht"`
	MaxConns        int    `mapstructure:"max_conns"`
	DownloadDir     string `mapstructure:"download_dir"`
}

type BackendConfig struct {
	Backend string            `mapstructure:"backend"`
	Config  map[string]string `mapstructure:"config"`
}

// SourceConfig declares one discovery source. Only directory sources are
// built in.
type SourceConfig struct {
	ID      string `mapstructure:"id"`
	Kind    string `mapstructure:"kind"`
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
	Archive bool   `mapstructure:"archive"`
}

// Source converts the entry to the descriptor the mining loop registers.
func (s SourceConfig) Source() (swarm.Source, error) {
	kind, ok := swarm.ParseSourceKind(s.Kind)
	if !ok {
		return swarm.Source{}, fmt.Errorf("source %q: unknown kind %q", s.ID, s.Kind)
	}
	return swarm.Source{ID: s.ID, Kind: kind, Enabled: s.Enabled, Archive: s.Archive}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", Common.DataDir)

	v.SetDefault("mining.capacity", MiningDefaults.Capacity)
	v.SetDefault("mining.max_per_source", MiningDefaults.MaxPerSource)
	v.SetDefault("mining.policy", MiningDefaults.Policy)
	v.SetDefault("mining.oldest_first", false)
	v.SetDefault("mining.filter", "")
	v.SetDefault("mining.aggressiveness", MiningDefaults.Aggressiveness)
	v.SetDefault("mining.activity_timeout", MiningDefaults.ActivityTimeout)
	v.SetDefault("mining.default_priority", MiningDefaults.DefaultPriority)
	v.SetDefault("mining.archive_priority", MiningDefaults.ArchivePriority)

	for task, c := range ScheduleDefaults {
		v.SetDefault("schedule."+task+".initial", c[0])
		v.SetDefault("schedule."+task+".interval", c[1])
	}

	v.SetDefault("admission.max_concurrent", AdmissionDefaults.MaxConcurrent)
	v.SetDefault("admission.retry_backoff", AdmissionDefaults.RetryBackoff)
	v.SetDefault("admission.pieces", AdmissionDefaults.Pieces)
	v.SetDefault("admission.piece_priority", AdmissionDefaults.PiecePriority)
	v.SetDefault("admission.check_interval", AdmissionDefaults.CheckInterval)
	v.SetDefault("admission.max_duration", AdmissionDefaults.MaxDuration)
	v.SetDefault("admission.grace", AdmissionDefaults.Grace)

	v.SetDefault("engine.listen_port", EngineDefaults.ListenPort)
	v.SetDefault("engine.probe_listen_port", EngineDefaults.ProbeListenPort)
	v.SetDefault("engine.no_dht", false)
	v.SetDefault("engine.max_conns", EngineDefaults.MaxConns)
	v.SetDefault("engine.download_dir", "")

	v.SetDefault("resume.backend", "fs")

	v.SetDefault("observability.log_level", Common.LogLevel)
	v.SetDefault("observability.log_format", Common.LogFormat)
	v.SetDefault("observability.metrics_addr", ":9090")
	v.SetDefault("observability.otlp_endpoint", "")
	v.SetDefault("observability.otlp_protocol", "http")
	v.SetDefault("observability.service_name", "creditmine")
	v.SetDefault("observability.service_version", "dev")
	v.SetDefault("observability.trace_sample_ratio", 1.0)
}

// BindStartFlags binds cobra flags to viper for the start command.
func BindStartFlags(cmd *cobra.Command, v *viper.Viper) {
	f := cmd.Flags()
	f.String("data-dir", "", "data directory (default ~/.creditmine)")
	f.String("config", "", "config file path")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-format", "", "log format (auto, json, text)")
	f.String("metrics-addr", "", "metrics HTTP listen address")
	f.Int("capacity", 0, "maximum concurrent mining transfers")
	f.String("policy", "", "selection policy")
	f.String("filter", "", "CEL expression candidates must satisfy")
	f.String("resume-backend", "", "resume state backend")

	_ = v.BindPFlag("data_dir", f.Lookup("data-dir"))
	_ = v.BindPFlag("observability.log_level", f.Lookup("log-level"))
	_ = v.BindPFlag("observability.log_format", f.Lookup("log-format"))
	_ = v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	_ = v.BindPFlag("mining.capacity", f.Lookup("capacity"))
	_ = v.BindPFlag("mining.policy", f.Lookup("policy"))
	_ = v.BindPFlag("mining.filter", f.Lookup("filter"))
	_ = v.BindPFlag("resume.backend", f.Lookup("resume-backend"))
}

// Load reads config from flags, env and file, returning the validated Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	setDefaults(v)
	if err := ReadIn(v, EnvPrefix, configFile, "$HOME/.creditmine", "/etc/creditmine"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Mining.Capacity < 0 {
		errs = append(errs, fmt.Errorf("mining.capacity must not be negative, got %d", c.Mining.Capacity))
	}
	if c.Mining.MaxPerSource < 0 {
		errs = append(errs, fmt.Errorf("mining.max_per_source must not be negative, got %d", c.Mining.MaxPerSource))
	}
	if !slices.Contains(policy.List(), c.Mining.Policy) {
		errs = append(errs, fmt.Errorf("mining.policy %q not one of %v", c.Mining.Policy, policy.List()))
	}
	if c.Mining.Aggressiveness < 0 || c.Mining.Aggressiveness >= len(mining.Multipliers) {
		errs = append(errs, fmt.Errorf("mining.aggressiveness must be in [0,%d], got %d", len(mining.Multipliers)-1, c.Mining.Aggressiveness))
	}
	if c.Admission.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("admission.max_concurrent must be positive, got %d", c.Admission.MaxConcurrent))
	}
	if c.Admission.CheckInterval <= 0 {
		errs = append(errs, errors.New("admission.check_interval must be positive"))
	}
	for name, cad := range c.Schedule.tasks() {
		if cad.Interval <= 0 {
			errs = append(errs, fmt.Errorf("schedule.%s.interval must be positive", name))
		}
	}
	if c.Resume.Backend == "" {
		errs = append(errs, errors.New("resume.backend is required"))
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: id is required", i))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate id %q", i, s.ID))
		}
		seen[s.ID] = true
		src, err := s.Source()
		if err != nil {
			errs = append(errs, err)
		} else if src.Kind == swarm.SourceDirectory && s.Path == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: directory source %q needs a path", i, s.ID))
		}
	}

	if r := c.Observability.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.trace_sample_ratio must be in [0,1], got %g", r))
	}

	switch c.Observability.OTLPProtocol {
	case "", "http", "grpc":
	default:
		errs = append(errs, fmt.Errorf("observability.otlp_protocol %q not one of http, grpc", c.Observability.OTLPProtocol))
	}
	return errors.Join(errs...)
}

func (s ScheduleConfig) tasks() map[string]CadenceConfig {
	return map[string]CadenceConfig{
		mining.TaskSelect:        s.Select,
		mining.TaskTrackerHealth: s.TrackerHealth,
		mining.TaskActivity:      s.Activity,
		mining.TaskRebalance:     s.Rebalance,
		mining.TaskResumeDrain:   s.ResumeDrain,
		mining.TaskStatistics:    s.Statistics,
	}
}

func (c CadenceConfig) cadence() mining.Cadence {
	return mining.Cadence{Initial: c.Initial, Interval: c.Interval}
}

// MiningConfig converts the loaded settings into the manager's config.
func (c Config) MiningConfig() mining.Config {
	return mining.Config{
		Capacity:        c.Mining.Capacity,
		MaxPerSource:    c.Mining.MaxPerSource,
		Policy:          c.Mining.Policy,
		OldestFirst:     c.Mining.OldestFirst,
		Filter:          c.Mining.Filter,
		Aggressiveness:  c.Mining.Aggressiveness,
		ActivityTimeout: c.Mining.ActivityTimeout,
		Lifecycle: mining.LifecycleConfig{
			SavePath:        c.DownloadDir(),
			DefaultPriority: c.Mining.DefaultPriority,
			ArchivePriority: c.Mining.ArchivePriority,
		},
		Admission: mining.AdmissionConfig{
			MaxConcurrent: c.Admission.MaxConcurrent,
			RetryBackoff:  c.Admission.RetryBackoff,
			Pieces:        c.Admission.Pieces,
			PiecePriority: c.Admission.PiecePriority,
			CheckInterval: c.Admission.CheckInterval,
			MaxDuration:   c.Admission.MaxDuration,
			Grace:         c.Admission.Grace,
			SavePath:      c.DownloadDir(),
		},
		Schedule: mining.Schedule{
			Select:        c.Schedule.Select.cadence(),
			TrackerHealth: c.Schedule.TrackerHealth.cadence(),
			Activity:      c.Schedule.Activity.cadence(),
			Rebalance:     c.Schedule.Rebalance.cadence(),
			ResumeDrain:   c.Schedule.ResumeDrain.cadence(),
			Statistics:    c.Schedule.Statistics.cadence(),
		},
	}
}

// ResumeBackend returns the resume store backend and its settings, filling
// the fs path from the data directory when unset.
func (c Config) ResumeBackend() (string, map[string]string) {
	cfg := make(map[string]string, len(c.Resume.Config)+1)
	for k, val := range c.Resume.Config {
		cfg[k] = val
	}
	if c.Resume.Backend == "fs" && cfg["path"] == "" {
		cfg["path"] = c.ResumeDir()
	}
	return c.Resume.Backend, cfg
}
