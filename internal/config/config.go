// Package config loads loopd settings from a YAML file, environment
// variables and built-in defaults, in increasing order of precedence
// below command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by Load.
const (
	EnvDatabase     = "LOOPD_DB"
	EnvLogLevel     = "LOOPD_LOG_LEVEL"
	EnvLogFile      = "LOOPD_LOG_FILE"
	EnvPollInterval = "LOOPD_POLL_INTERVAL"
	EnvConfig       = "LOOPD_CONFIG"
)

// Config holds all configuration values.
type Config struct {
	Database string       `yaml:"database"`
	RulesDir string       `yaml:"rules_dir"`
	Log      LogConfig    `yaml:"log"`
	Worker   WorkerConfig `yaml:"worker"`
	Defaults LoopDefaults `yaml:"defaults"`
	Collab   CollabConfig `yaml:"collaborators"`
}

// LogConfig selects log level and an optional JSON log file.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// SlogLevel returns the configured level.
func (c LogConfig) SlogLevel() slog.Level {
	return parseLogLevel(c.Level)
}

// WorkerConfig tunes the scheduler.
type WorkerConfig struct {
	PollInterval   Duration    `yaml:"poll_interval"`
	IterationDelay Duration    `yaml:"iteration_delay"` // Minimum spacing between external calls
	LeaseTTL       Duration    `yaml:"lease_ttl"`
	CallTimeout    Duration    `yaml:"call_timeout"` // Zero means no timeout
	DryRun         bool        `yaml:"dry_run"`
	Retry          RetryConfig `yaml:"retry"`
}

// RetryConfig controls retries of failed external calls.
// MaxRetries of zero disables retries.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
}

// LoopDefaults fill in fields omitted at submission.
type LoopDefaults struct {
	MaxIterations int      `yaml:"max_iterations"`
	Interval      Duration `yaml:"interval"` // Continuous mode
}

// CollabConfig configures the command-backed collaborators.
type CollabConfig struct {
	Engine    string            `yaml:"engine"`    // Decision engine command line
	Shell     string            `yaml:"shell"`     // Interpreter for shell actions and probes
	Observers map[string]string `yaml:"observers"` // Probe name to command
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: "loops.db",
		RulesDir: "rules",
		Log:      LogConfig{Level: "INFO"},
		Worker: WorkerConfig{
			PollInterval:   Duration(5 * time.Second),
			IterationDelay: Duration(2 * time.Second),
			LeaseTTL:       Duration(10 * time.Minute),
			Retry: RetryConfig{
				BaseDelay: Duration(2 * time.Second),
				MaxDelay:  Duration(time.Minute),
			},
		},
		Defaults: LoopDefaults{
			MaxIterations: 10,
			Interval:      Duration(60 * time.Second),
		},
		Collab: CollabConfig{Shell: "/bin/sh"},
	}
}

// Load builds the configuration from defaults, the YAML file at path and
// the environment. An empty path falls back to $LOOPD_CONFIG; when neither
// is set no file is read.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		// Unknown keys are an error.
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Database = getEnv(EnvDatabase, c.Database)
	c.Log.Level = getEnv(EnvLogLevel, c.Log.Level)
	c.Log.File = getEnv(EnvLogFile, c.Log.File)
	if v := os.Getenv(EnvPollInterval); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		c.Worker.PollInterval = Duration(d)
	}
	return nil
}

// Validate rejects settings the worker cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if c.Worker.LeaseTTL <= 0 {
		errs = append(errs, errors.New("worker.lease_ttl must be positive"))
	}
	for name, d := range map[string]Duration{
		"worker.iteration_delay":  c.Worker.IterationDelay,
		"worker.call_timeout":     c.Worker.CallTimeout,
		"worker.retry.base_delay": c.Worker.Retry.BaseDelay,
		"worker.retry.max_delay":  c.Worker.Retry.MaxDelay,
		"defaults.interval":       c.Defaults.Interval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Worker.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("worker.retry.max_retries must not be negative"))
	}
	if c.Defaults.MaxIterations <= 0 {
		errs = append(errs, errors.New("defaults.max_iterations must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
