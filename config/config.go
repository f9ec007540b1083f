// Package config loads the experimenter's runtime configuration from a YAML
// file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// RunnerConfig is the configuration for the execution coordinator.
type RunnerConfig struct {
	CancelTimeout time.Duration `mapstructure:"cancel_timeout" yaml:"cancel_timeout"` // How long a cancelled execution may run before it is abandoned
	RunTimeout    time.Duration `mapstructure:"run_timeout" yaml:"run_timeout"`       // Overall per-execution deadline; zero disables it
	MaxConcurrent int           `mapstructure:"max_concurrent" yaml:"max_concurrent"` // Maximum number of experiments executing at once
	Retry         RetryConfig   `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig is the configuration for retrying failed execution procedures.
type RetryConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	MaxAttempts uint `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// ChannelConfig is the configuration for the synchronization channel.
type ChannelConfig struct {
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"` // Per-observer event queue depth before the observer is detached
}

// SnapshotConfig is the configuration for snapshot persistence.
//
// WARNING: PostgresDSN may embed credentials and should not be logged.
type SnapshotConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"` // Secret: Postgres connection string for the snapshot store
	Directory   string `mapstructure:"directory" yaml:"directory"`       // Directory for CSV experiment files
}

// LogConfig is the configuration for logging.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"` // Minimum level, e.g. "debug", "info", "warn"
}

// Config wraps the entire configuration for the experimenter.
type Config struct {
	Runner   RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	Channel  ChannelConfig  `mapstructure:"channel" yaml:"channel"`
	Snapshot SnapshotConfig `mapstructure:"snapshot" yaml:"snapshot"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// Validate checks the configuration for values that cannot be acted on.
func (c *Config) Validate() error {
	if c.Runner.CancelTimeout <= 0 {
		return errors.New("runner.cancel_timeout must be positive")
	}
	if c.Runner.RunTimeout < 0 {
		return errors.New("runner.run_timeout must not be negative")
	}
	if c.Runner.MaxConcurrent < 1 {
		return errors.New("runner.max_concurrent must be at least 1")
	}
	if c.Runner.Retry.Enabled && c.Runner.Retry.MaxAttempts < 1 {
		return errors.New("runner.retry.max_attempts must be at least 1 when retry is enabled")
	}
	if c.Channel.QueueSize < 1 {
		return errors.New("channel.queue_size must be at least 1")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

// Load loads the config from the file path, falling back to env vars if the
// file does not exist. If the file exists, any env vars that are set will
// override the values loaded from the file.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(filePath)

	setDefaults(v)

	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	// If the config file exists, we continue to read it, otherwise we fallback
	// to using environment variables
	if _, err := os.Stat(filePath); !errors.Is(err, fs.ErrNotExist) {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg)

	return cfg, err
}

// LoadEnv loads the config from defaults and environment variables only.
func LoadEnv() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	err := v.Unmarshal(cfg)

	return cfg, err
}

// setDefaults applies the built-in defaults to the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("runner.cancel_timeout", 10*time.Second)
	v.SetDefault("runner.run_timeout", time.Duration(0))
	v.SetDefault("runner.max_concurrent", 1)
	v.SetDefault("runner.retry.enabled", false)
	v.SetDefault("runner.retry.max_attempts", 3)
	v.SetDefault("channel.queue_size", 64)
	v.SetDefault("log.level", "info")
}

// envBindings maps config keys to the environment variables that can provide
// their values. Viper checks each listed variable in order and uses the first
// one that is set.
var envBindings = map[string][]string{
	"runner.cancel_timeout":     {"EXPERIMENTER_RUNNER_CANCEL_TIMEOUT"},
	"runner.run_timeout":        {"EXPERIMENTER_RUNNER_RUN_TIMEOUT"},
	"runner.max_concurrent":     {"EXPERIMENTER_RUNNER_MAX_CONCURRENT"},
	"runner.retry.enabled":      {"EXPERIMENTER_RUNNER_RETRY_ENABLED"},
	"runner.retry.max_attempts": {"EXPERIMENTER_RUNNER_RETRY_MAX_ATTEMPTS"},
	"channel.queue_size":        {"EXPERIMENTER_CHANNEL_QUEUE_SIZE"},
	"snapshot.postgres_dsn":     {"EXPERIMENTER_SNAPSHOT_POSTGRES_DSN"},
	"snapshot.directory":        {"EXPERIMENTER_SNAPSHOT_DIRECTORY"},
	"log.level":                 {"EXPERIMENTER_LOG_LEVEL"},
}

// bindEnvs binds the environment variables to the viper instance.
func bindEnvs(v *viper.Viper) error {
	for key, envs := range envBindings {
		inputs := slices.Insert(envs, 0, key)

		if err := v.BindEnv(inputs...); err != nil {
			return err
		}
	}

	return nil
}
