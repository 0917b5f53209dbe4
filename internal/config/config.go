package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the whole application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Recorder RecorderConfig `mapstructure:"recorder" yaml:"recorder"`
	Scoring  ScoringConfig  `mapstructure:"scoring" yaml:"scoring"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address" yaml:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RecorderConfig tunes the per-session decision pipeline.
type RecorderConfig struct {
	BufferCapacity        int           `mapstructure:"buffer_capacity" yaml:"buffer_capacity"`
	MinScore              float64       `mapstructure:"min_score" yaml:"min_score"`
	BurstThreshold        float64       `mapstructure:"burst_threshold" yaml:"burst_threshold"`
	SamplingInterval      time.Duration `mapstructure:"sampling_interval" yaml:"sampling_interval"`
	IdleWindow            time.Duration `mapstructure:"idle_window" yaml:"idle_window"`
	IdleThreshold         time.Duration `mapstructure:"idle_threshold" yaml:"idle_threshold"`
	SpikeThreshold        int           `mapstructure:"spike_threshold" yaml:"spike_threshold"`
	HistorySize           int           `mapstructure:"history_size" yaml:"history_size"`
	QueueSize             int           `mapstructure:"queue_size" yaml:"queue_size"`
	MutationBulkThreshold int           `mapstructure:"mutation_bulk_threshold" yaml:"mutation_bulk_threshold"`
}

// ScoringConfig is the weight table of the significance score. Every
// heuristic weight is named here so scoring is reproducible from config.
type ScoringConfig struct {
	CriticalRole     float64 `mapstructure:"critical_role" yaml:"critical_role"`         // button, link, input, select, textarea, form
	HighImpactRole   float64 `mapstructure:"high_impact_role" yaml:"high_impact_role"`   // dialog, alert, navigation, banner
	CommitEvent      float64 `mapstructure:"commit_event" yaml:"commit_event"`           // submit and change
	ClickEvent       float64 `mapstructure:"click_event" yaml:"click_event"`
	ShortText        float64 `mapstructure:"short_text" yaml:"short_text"`
	ShortTextMaxLen  int     `mapstructure:"short_text_max_len" yaml:"short_text_max_len"`
	ActionKeyword    float64 `mapstructure:"action_keyword" yaml:"action_keyword"`       // save/submit/apply/confirm/checkout
	DismissKeyword   float64 `mapstructure:"dismiss_keyword" yaml:"dismiss_keyword"`     // cancel/close
	SensitiveField   float64 `mapstructure:"sensitive_field" yaml:"sensitive_field"`     // password/email/username/search/address
	DangerClass      float64 `mapstructure:"danger_class" yaml:"danger_class"`           // danger/warning/error
	LowVisibility    float64 `mapstructure:"low_visibility" yaml:"low_visibility"`       // applied as a penalty
	VisibilityCutoff float64 `mapstructure:"visibility_cutoff" yaml:"visibility_cutoff"` // ratio below which the penalty applies
	Interactive      float64 `mapstructure:"interactive" yaml:"interactive"`
	DepthPerLevel    float64 `mapstructure:"depth_per_level" yaml:"depth_per_level"`
	DepthMax         float64 `mapstructure:"depth_max" yaml:"depth_max"`
	AdaptiveFactor   float64 `mapstructure:"adaptive_factor" yaml:"adaptive_factor"`
	AdaptiveFloor    float64 `mapstructure:"adaptive_floor" yaml:"adaptive_floor"`
	AdaptiveCeiling  float64 `mapstructure:"adaptive_ceiling" yaml:"adaptive_ceiling"`
}

// CaptureConfig configures the optional visual capture facility.
type CaptureConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	RemoteURL     string        `mapstructure:"remote_url" yaml:"remote_url"`
	Concurrency   int           `mapstructure:"concurrency" yaml:"concurrency"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "browsetrace-recorder")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.address", "127.0.0.1:8123")
	v.SetDefault("server.read_timeout", "5s")
	v.SetDefault("server.write_timeout", "5s")

	// -- Database --
	v.SetDefault("database.path", DefaultDatabasePath())

	// -- Recorder --
	v.SetDefault("recorder.buffer_capacity", 500)
	v.SetDefault("recorder.min_score", 0.3)
	v.SetDefault("recorder.burst_threshold", 0.7)
	v.SetDefault("recorder.sampling_interval", "300ms")
	v.SetDefault("recorder.idle_window", "4s")
	v.SetDefault("recorder.idle_threshold", "30s")
	v.SetDefault("recorder.spike_threshold", 5)
	v.SetDefault("recorder.history_size", 20)
	v.SetDefault("recorder.queue_size", 256)
	v.SetDefault("recorder.mutation_bulk_threshold", 50)

	// -- Scoring --
	v.SetDefault("scoring.critical_role", 0.35)
	v.SetDefault("scoring.high_impact_role", 0.20)
	v.SetDefault("scoring.commit_event", 0.20)
	v.SetDefault("scoring.click_event", 0.10)
	v.SetDefault("scoring.short_text", 0.05)
	v.SetDefault("scoring.short_text_max_len", 40)
	v.SetDefault("scoring.action_keyword", 0.25)
	v.SetDefault("scoring.dismiss_keyword", 0.10)
	v.SetDefault("scoring.sensitive_field", 0.15)
	v.SetDefault("scoring.danger_class", 0.10)
	v.SetDefault("scoring.low_visibility", 0.15)
	v.SetDefault("scoring.visibility_cutoff", 0.5)
	v.SetDefault("scoring.interactive", 0.10)
	v.SetDefault("scoring.depth_per_level", 0.005)
	v.SetDefault("scoring.depth_max", 0.20)
	v.SetDefault("scoring.adaptive_factor", 0.75)
	v.SetDefault("scoring.adaptive_floor", 0.2)
	v.SetDefault("scoring.adaptive_ceiling", 0.6)

	// -- Capture --
	v.SetDefault("capture.enabled", false)
	v.SetDefault("capture.remote_url", "ws://127.0.0.1:9222")
	v.SetDefault("capture.concurrency", 2)
	v.SetDefault("capture.rate_per_second", 5.0)
	v.SetDefault("capture.timeout", "2s")
}

// DefaultDatabasePath resolves the platform application directory the same
// way the agent always has, falling back to the working directory.
func DefaultDatabasePath() string {
	home, err := homedir.Dir()
	if err != nil {
		return "events.db"
	}
	var dir string
	switch runtime.GOOS {
	case "darwin":
		dir = filepath.Join(home, "Library", "Application Support", "BrowserTrace")
	case "windows":
		dir = filepath.Join(home, "AppData", "Roaming", "BrowserTrace")
	default: // linux and others
		dir = filepath.Join(home, ".local", "share", "BrowserTrace")
	}
	return filepath.Join(dir, "events.db")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	for _, p := range []*string{&cfg.Database.Path, &cfg.Logger.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if err := c.Recorder.Validate(); err != nil {
		return fmt.Errorf("recorder configuration invalid: %w", err)
	}
	if err := c.Scoring.Validate(); err != nil {
		return fmt.Errorf("scoring configuration invalid: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the recorder settings.
func (r *RecorderConfig) Validate() error {
	if r.BufferCapacity <= 0 {
		return fmt.Errorf("buffer_capacity must be a positive integer")
	}
	if r.MinScore < 0 || r.MinScore > 1 {
		return fmt.Errorf("min_score must be between 0.0 and 1.0")
	}
	if r.BurstThreshold < 0 || r.BurstThreshold > 1 {
		return fmt.Errorf("burst_threshold must be between 0.0 and 1.0")
	}
	if r.SamplingInterval < 0 || r.IdleWindow < 0 || r.IdleThreshold < 0 {
		return fmt.Errorf("sampling_interval, idle_window and idle_threshold must not be negative")
	}
	if r.SpikeThreshold <= 0 {
		return fmt.Errorf("spike_threshold must be a positive integer")
	}
	if r.HistorySize <= 0 {
		return fmt.Errorf("history_size must be a positive integer")
	}
	if r.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be a positive integer")
	}
	return nil
}

// Validate checks the adaptive threshold bounds.
func (s *ScoringConfig) Validate() error {
	if s.AdaptiveFloor < 0 || s.AdaptiveCeiling > 1 || s.AdaptiveFloor > s.AdaptiveCeiling {
		return fmt.Errorf("adaptive_floor and adaptive_ceiling must satisfy 0 <= floor <= ceiling <= 1")
	}
	if s.ShortTextMaxLen < 0 {
		return fmt.Errorf("short_text_max_len must not be negative")
	}
	return nil
}

// Validate checks the capture settings. Disabled capture is always valid.
func (c *CaptureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required when capture is enabled")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be a positive integer")
	}
	if c.RatePerSecond <= 0 {
		return fmt.Errorf("rate_per_second must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be a positive duration")
	}
	return nil
}
