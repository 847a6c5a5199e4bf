// Package config loads FlowForge process configuration: defaults, then an
// optional YAML file, then FLOWFORGE_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowforge/flowforge/workflow"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOWFORGE_"

type (
	// Config is the full process configuration.
	Config struct {
		// PostgresConnection is the instance store DSN.
		PostgresConnection string `yaml:"postgres_connection"`
		// RedisConnection is the queue/lock/heartbeat Redis address.
		RedisConnection string `yaml:"redis_connection"`

		Worker    Worker    `yaml:"worker"`
		Scheduler Scheduler `yaml:"scheduler"`
		Engine    Engine    `yaml:"engine"`
	}

	// Worker configures the worker pool.
	Worker struct {
		MaxConcurrency    int      `yaml:"max_concurrency"`
		HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	}

	// Scheduler configures the cron scheduler.
	Scheduler struct {
		Enabled           bool     `yaml:"enabled"`
		CheckInterval     Duration `yaml:"check_interval"`
		MaxStartsPerCheck int      `yaml:"max_starts_per_check"`
		Timezone          string   `yaml:"timezone"`
	}

	// Engine configures execution defaults.
	Engine struct {
		DefaultTimeout     Duration    `yaml:"default_timeout"`
		DefaultRetryPolicy RetryPolicy `yaml:"default_retry_policy"`
	}

	// RetryPolicy mirrors workflow.RetryPolicy in config form.
	RetryPolicy struct {
		MaxAttempts       int      `yaml:"max_attempts"`
		InitialDelay      Duration `yaml:"initial_delay"`
		MaxDelay          Duration `yaml:"max_delay"`
		BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	}

	// Duration parses Go duration strings ("30s", "5m") from YAML and env
	// values.
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the documented defaults.
func Default() Config {
	return Config{
		RedisConnection: "localhost:6379",
		Worker: Worker{
			MaxConcurrency:    10,
			HeartbeatInterval: Duration(30 * time.Second),
		},
		Scheduler: Scheduler{
			Enabled:           true,
			CheckInterval:     Duration(10 * time.Second),
			MaxStartsPerCheck: 100,
			Timezone:          "UTC",
		},
		Engine: Engine{
			DefaultTimeout: Duration(time.Hour),
			DefaultRetryPolicy: RetryPolicy{
				MaxAttempts:       3,
				InitialDelay:      Duration(time.Second),
				MaxDelay:          Duration(5 * time.Minute),
				BackoffMultiplier: 2,
			},
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// path is non-empty) and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	setString(&c.PostgresConnection, "POSTGRES_CONNECTION")
	setString(&c.RedisConnection, "REDIS_CONNECTION")
	err = firstErr(err, setInt(&c.Worker.MaxConcurrency, "WORKER_MAX_CONCURRENCY"))
	err = firstErr(err, setDuration(&c.Worker.HeartbeatInterval, "WORKER_HEARTBEAT_INTERVAL"))
	err = firstErr(err, setBool(&c.Scheduler.Enabled, "SCHEDULER_ENABLED"))
	err = firstErr(err, setDuration(&c.Scheduler.CheckInterval, "SCHEDULER_CHECK_INTERVAL"))
	err = firstErr(err, setInt(&c.Scheduler.MaxStartsPerCheck, "SCHEDULER_MAX_STARTS_PER_CHECK"))
	setString(&c.Scheduler.Timezone, "SCHEDULER_TIMEZONE")
	err = firstErr(err, setDuration(&c.Engine.DefaultTimeout, "ENGINE_DEFAULT_TIMEOUT"))
	err = firstErr(err, setInt(&c.Engine.DefaultRetryPolicy.MaxAttempts, "ENGINE_RETRY_MAX_ATTEMPTS"))
	err = firstErr(err, setDuration(&c.Engine.DefaultRetryPolicy.InitialDelay, "ENGINE_RETRY_INITIAL_DELAY"))
	err = firstErr(err, setDuration(&c.Engine.DefaultRetryPolicy.MaxDelay, "ENGINE_RETRY_MAX_DELAY"))
	err = firstErr(err, setFloat(&c.Engine.DefaultRetryPolicy.BackoffMultiplier, "ENGINE_RETRY_BACKOFF_MULTIPLIER"))
	return err
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Worker.MaxConcurrency <= 0 {
		return fmt.Errorf("worker.max_concurrency must be positive, got %d", c.Worker.MaxConcurrency)
	}
	if c.Scheduler.CheckInterval.Std() <= 0 {
		return fmt.Errorf("scheduler.check_interval must be positive")
	}
	if c.Engine.DefaultRetryPolicy.MaxAttempts <= 0 {
		return fmt.Errorf("engine.default_retry_policy.max_attempts must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the scheduler timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler.timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// WorkflowRetryPolicy converts the engine retry defaults to the workflow
// representation.
func (c *Config) WorkflowRetryPolicy() workflow.RetryPolicy {
	p := c.Engine.DefaultRetryPolicy
	return workflow.RetryPolicy{
		MaxAttempts:       p.MaxAttempts,
		InitialDelay:      p.InitialDelay.Std(),
		MaxDelay:          p.MaxDelay.Std(),
		BackoffMultiplier: p.BackoffMultiplier,
	}
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = f
	return nil
}

func setDuration(dst *Duration, key string) error {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = Duration(d)
	return nil
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
