// Package config loads kiln configuration with viper.
//
// Priority, highest first: environment variables (KILN_ prefix, "." becomes
// "_"), the YAML file named by the --config flag or KILN_CONFIG_PATH, then
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix     = "KILN"
	envConfigPath = "KILN_CONFIG_PATH"

	defaultListenAddr = ":8080"
	defaultDBPath     = "kiln.db"
	defaultExecutor   = "default"
)

// Config is the root configuration.
type Config struct {
	ListenAddr string         `mapstructure:"listen_addr"`
	DBPath     string         `mapstructure:"db_path"`
	LogLevel   string         `mapstructure:"log_level"`
	Jobs       JobsConfig     `mapstructure:"jobs"`
	Sequence   SequenceConfig `mapstructure:"sequence"`
	Notify     NotifyConfig   `mapstructure:"notify"`
	Executor   ExecutorConfig `mapstructure:"executor"`
}

// JobsConfig bounds the live job registry.
type JobsConfig struct {
	MaxJobs          int           `mapstructure:"max_jobs"`
	MaxArtifactCount int           `mapstructure:"max_artifact_count"`
	TTL              time.Duration `mapstructure:"ttl"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

// SequenceConfig configures sequence runs.
type SequenceConfig struct {
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

// NotifyConfig configures the notification gateway.
type NotifyConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	WebhookURL    string        `mapstructure:"webhook_url"`
}

// ExecutorConfig names the executor endpoints jobs and sequence items route to.
type ExecutorConfig struct {
	Default         string            `mapstructure:"default"`
	Endpoints       map[string]string `mapstructure:"endpoints"`
	DispatchTimeout time.Duration     `mapstructure:"dispatch_timeout"`
}

// Loader wraps a viper instance preloaded with defaults and env bindings.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader.
func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("log_level", "info")

	v.SetDefault("jobs.max_jobs", 100)
	v.SetDefault("jobs.max_artifact_count", 1000)
	v.SetDefault("jobs.ttl", 24*time.Hour)
	v.SetDefault("jobs.cleanup_interval", time.Hour)

	v.SetDefault("sequence.step_timeout", 120*time.Second)

	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.max_attempts", 3)
	v.SetDefault("notify.base_delay", 500*time.Millisecond)
	v.SetDefault("notify.backoff_factor", 2.0)
	v.SetDefault("notify.webhook_url", "")

	v.SetDefault("executor.default", defaultExecutor)
	v.SetDefault("executor.endpoints", map[string]string{})
	v.SetDefault("executor.dispatch_timeout", 10*time.Second)
}

// Load reads configuration. An empty path falls back to KILN_CONFIG_PATH; if
// that is unset too, only defaults and environment variables apply.
func (l *Loader) Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load is shorthand for NewLoader().Load(path).
func Load(path string) (Config, error) {
	return NewLoader().Load(path)
}

// Validate checks that limits and timeouts are usable.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if c.Jobs.MaxJobs <= 0 {
		errs = append(errs, fmt.Errorf("jobs.max_jobs must be positive, got %d", c.Jobs.MaxJobs))
	}
	if c.Jobs.MaxArtifactCount <= 0 {
		errs = append(errs, fmt.Errorf("jobs.max_artifact_count must be positive, got %d", c.Jobs.MaxArtifactCount))
	}
	if c.Jobs.TTL <= 0 {
		errs = append(errs, fmt.Errorf("jobs.ttl must be positive, got %s", c.Jobs.TTL))
	}
	if c.Jobs.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("jobs.cleanup_interval must be positive, got %s", c.Jobs.CleanupInterval))
	}
	if c.Sequence.StepTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sequence.step_timeout must be positive, got %s", c.Sequence.StepTimeout))
	}
	if c.Notify.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("notify.queue_size must be positive, got %d", c.Notify.QueueSize))
	}
	if c.Executor.Default == "" {
		errs = append(errs, errors.New("executor.default must not be empty"))
	}
	return errors.Join(errs...)
}

// Level returns the configured slog level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
