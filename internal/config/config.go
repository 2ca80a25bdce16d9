// Package config loads storyforge settings from <dir>/config.yaml with
// STORYFORGE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/storyforge/internal/collab"
	"github.com/msageha/storyforge/internal/logging"
	"github.com/msageha/storyforge/internal/model"
)

const (
	FileName  = "config.yaml"
	EnvPrefix = "STORYFORGE_"

	maxConfigFileSize = 1024 * 1024
)

type Config struct {
	Project       ProjectConfig       `koanf:"project" yaml:"project"`
	Executor      ExecutorConfig      `koanf:"executor" yaml:"executor"`
	Lock          LockConfig          `koanf:"lock" yaml:"lock"`
	Store         StoreConfig         `koanf:"store" yaml:"store"`
	Escalation    EscalationConfig    `koanf:"escalation" yaml:"escalation"`
	Complexity    ComplexityConfig    `koanf:"complexity" yaml:"complexity"`
	Logging       logging.Config      `koanf:"logging" yaml:"logging"`
	API           APIConfig           `koanf:"api" yaml:"api"`
	Collaborators CollaboratorsConfig `koanf:"collaborators" yaml:"collaborators"`
	Metrics       MetricsConfig       `koanf:"metrics" yaml:"metrics"`
	Notify        NotifyConfig        `koanf:"notify" yaml:"notify"`
}

type ProjectConfig struct {
	Name string `koanf:"name" yaml:"name"`
	// Root is the code base the stories are about. Defaults to the
	// directory containing the state directory.
	Root string `koanf:"root" yaml:"root"`
}

type ExecutorConfig struct {
	MaxWorkers       int           `koanf:"max_workers" yaml:"max_workers"`
	MaxIterations    int           `koanf:"max_iterations" yaml:"max_iterations"`
	MaxDuration      time.Duration `koanf:"max_duration" yaml:"max_duration"`
	MaxStoryAttempts int           `koanf:"max_story_attempts" yaml:"max_story_attempts"`
	IdlePoll         time.Duration `koanf:"idle_poll" yaml:"idle_poll"`
}

type LockConfig struct {
	Timeout      time.Duration `koanf:"timeout" yaml:"timeout"`
	StaleAfter   time.Duration `koanf:"stale_after" yaml:"stale_after"`
	PollInterval time.Duration `koanf:"poll_interval" yaml:"poll_interval"`
}

type StoreConfig struct {
	RetryMaxTries   int           `koanf:"retry_max_tries" yaml:"retry_max_tries"`
	RetryBase       time.Duration `koanf:"retry_base" yaml:"retry_base"`
	RetryMax        time.Duration `koanf:"retry_max" yaml:"retry_max"`
	ClaimStaleAfter time.Duration `koanf:"claim_stale_after" yaml:"claim_stale_after"`
	JournalMaxSize  int64         `koanf:"journal_max_size" yaml:"journal_max_size"`
}

type EscalationConfig struct {
	MaxAttemptsPerStep int `koanf:"max_attempts_per_step" yaml:"max_attempts_per_step"`
	LevelAttempts      int `koanf:"level_attempts" yaml:"level_attempts"`
	StreakThreshold    int `koanf:"streak_threshold" yaml:"streak_threshold"`
}

type ComplexityConfig struct {
	Thresholds model.TierThresholds `koanf:"thresholds" yaml:"thresholds"`
}

type APIConfig struct {
	Addr            string        `koanf:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	// APIKey, when set, is required on every /api request as X-API-Key or
	// a bearer token.
	APIKey string `koanf:"api_key" yaml:"api_key,omitempty"`
}

type CollaboratorsConfig struct {
	// Planning turns an idea into stories; Planner splits a story into
	// steps.
	Planning  collab.Command `koanf:"planning" yaml:"planning"`
	Planner   collab.Command `koanf:"planner" yaml:"planner"`
	Generator collab.Command `koanf:"generator" yaml:"generator"`
	Verifier  collab.Command `koanf:"verifier" yaml:"verifier"`
	// Workspace is where verifier input is written before each run.
	Workspace string  `koanf:"workspace" yaml:"workspace"`
	RateLimit float64 `koanf:"rate_limit" yaml:"rate_limit"`
	Burst     int     `koanf:"burst" yaml:"burst"`
}

type MetricsConfig struct {
	// Window is how many recent records feed the policy engine.
	Window int `koanf:"window" yaml:"window"`
	// DisablePolicy runs with the configured values only.
	DisablePolicy bool `koanf:"disable_policy" yaml:"disable_policy"`
}

// NotifyConfig controls desktop notifications for blocked stories and
// finished runs.
type NotifyConfig struct {
	Enabled bool `koanf:"enabled" yaml:"enabled"`
}

func Default() Config {
	rc := model.DefaultRunConfig()
	return Config{
		Executor: ExecutorConfig{
			MaxWorkers:       rc.MaxWorkers,
			MaxIterations:    rc.MaxIterations,
			MaxDuration:      rc.MaxDuration,
			MaxStoryAttempts: rc.MaxStoryAttempts,
			IdlePoll:         500 * time.Millisecond,
		},
		Lock: LockConfig{
			Timeout:      rc.LockTimeout,
			StaleAfter:   10 * time.Minute,
			PollInterval: 25 * time.Millisecond,
		},
		Store: StoreConfig{
			RetryMaxTries:   3,
			RetryBase:       50 * time.Millisecond,
			RetryMax:        time.Second,
			ClaimStaleAfter: rc.ClaimStaleAfter,
			JournalMaxSize:  10 << 20,
		},
		Escalation: EscalationConfig{
			MaxAttemptsPerStep: rc.MaxAttemptsPerStep,
			LevelAttempts:      rc.LevelAttempts,
			StreakThreshold:    rc.StreakThreshold,
		},
		Complexity: ComplexityConfig{Thresholds: rc.Thresholds},
		Logging:    logging.DefaultConfig(),
		API:        APIConfig{Addr: "127.0.0.1:8420", ShutdownTimeout: 10 * time.Second},
		Collaborators: CollaboratorsConfig{
			RateLimit: collab.DefaultRateLimit,
			Burst:     collab.DefaultBurst,
		},
		Metrics: MetricsConfig{Window: 200},
	}
}

// Load reads path, or <dir>/config.yaml when path is empty, then applies
// environment overrides and defaults. A missing file is not an error.
//
// Environment variables map on the first underscore after the prefix:
//
//	STORYFORGE_EXECUTOR_MAX_WORKERS -> executor.max_workers
//	STORYFORGE_LOGGING_LEVEL        -> logging.level
func Load(dir, path string) (*Config, error) {
	k := koanf.New(".")
	if path == "" {
		path = filepath.Join(dir, FileName)
	}

	content, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Decoding over the defaults keeps explicit zeros such as
	// escalation.streak_threshold: 0.
	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if cfg.Project.Root == "" {
		cfg.Project.Root = filepath.Dir(filepath.Clean(dir))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// applyDefaults restores defaults for settings that must not be zero.
func applyDefaults(cfg *Config) {
	d := Default()
	setInt(&cfg.Executor.MaxWorkers, d.Executor.MaxWorkers)
	setInt(&cfg.Executor.MaxIterations, d.Executor.MaxIterations)
	setDuration(&cfg.Executor.MaxDuration, d.Executor.MaxDuration)
	setInt(&cfg.Executor.MaxStoryAttempts, d.Executor.MaxStoryAttempts)
	setDuration(&cfg.Executor.IdlePoll, d.Executor.IdlePoll)

	setDuration(&cfg.Lock.Timeout, d.Lock.Timeout)
	setDuration(&cfg.Lock.StaleAfter, d.Lock.StaleAfter)
	setDuration(&cfg.Lock.PollInterval, d.Lock.PollInterval)

	setInt(&cfg.Store.RetryMaxTries, d.Store.RetryMaxTries)
	setDuration(&cfg.Store.RetryBase, d.Store.RetryBase)
	setDuration(&cfg.Store.RetryMax, d.Store.RetryMax)
	setDuration(&cfg.Store.ClaimStaleAfter, d.Store.ClaimStaleAfter)
	if cfg.Store.JournalMaxSize == 0 {
		cfg.Store.JournalMaxSize = d.Store.JournalMaxSize
	}

	setInt(&cfg.Escalation.MaxAttemptsPerStep, d.Escalation.MaxAttemptsPerStep)
	setInt(&cfg.Escalation.LevelAttempts, d.Escalation.LevelAttempts)

	if cfg.Complexity.Thresholds == (model.TierThresholds{}) {
		cfg.Complexity.Thresholds = d.Complexity.Thresholds
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}

	if cfg.API.Addr == "" {
		cfg.API.Addr = d.API.Addr
	}
	setDuration(&cfg.API.ShutdownTimeout, d.API.ShutdownTimeout)

	if cfg.Collaborators.RateLimit == 0 {
		cfg.Collaborators.RateLimit = d.Collaborators.RateLimit
	}
	setInt(&cfg.Collaborators.Burst, d.Collaborators.Burst)

	setInt(&cfg.Metrics.Window, d.Metrics.Window)
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Executor.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("executor.max_workers must be at least 1, got %d", c.Executor.MaxWorkers))
	}
	if c.Executor.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("executor.max_iterations must not be negative"))
	}
	if c.Executor.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("executor.max_duration must not be negative"))
	}
	if c.Executor.MaxStoryAttempts < 1 {
		errs = append(errs, fmt.Errorf("executor.max_story_attempts must be at least 1"))
	}
	if c.Lock.Timeout < 0 {
		errs = append(errs, fmt.Errorf("lock.timeout must not be negative"))
	}
	if c.Store.RetryMaxTries < 1 {
		errs = append(errs, fmt.Errorf("store.retry_max_tries must be at least 1"))
	}
	if c.Escalation.MaxAttemptsPerStep < 1 {
		errs = append(errs, fmt.Errorf("escalation.max_attempts_per_step must be at least 1"))
	}
	if c.Escalation.LevelAttempts < 1 {
		errs = append(errs, fmt.Errorf("escalation.level_attempts must be at least 1"))
	}
	if c.Escalation.StreakThreshold < 0 {
		errs = append(errs, fmt.Errorf("escalation.streak_threshold must not be negative"))
	}
	th := c.Complexity.Thresholds
	if !(th.Simple >= 0 && th.Simple <= th.Moderate && th.Moderate <= th.Complex) {
		errs = append(errs, fmt.Errorf("complexity.thresholds must satisfy 0 <= simple <= moderate <= complex, got %.2f/%.2f/%.2f",
			th.Simple, th.Moderate, th.Complex))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Collaborators.Burst < 1 {
		errs = append(errs, fmt.Errorf("collaborators.burst must be at least 1"))
	}
	if c.Metrics.Window < 1 {
		errs = append(errs, fmt.Errorf("metrics.window must be at least 1"))
	}
	return errors.Join(errs...)
}

// RunConfig is the policy engine's base configuration.
func (c *Config) RunConfig() model.RunConfig {
	return model.RunConfig{
		MaxWorkers:         c.Executor.MaxWorkers,
		LockTimeout:        c.Lock.Timeout,
		MaxAttemptsPerStep: c.Escalation.MaxAttemptsPerStep,
		LevelAttempts:      c.Escalation.LevelAttempts,
		StreakThreshold:    c.Escalation.StreakThreshold,
		MaxStoryAttempts:   c.Executor.MaxStoryAttempts,
		MaxIterations:      c.Executor.MaxIterations,
		MaxDuration:        c.Executor.MaxDuration,
		ClaimStaleAfter:    c.Store.ClaimStaleAfter,
		Thresholds:         c.Complexity.Thresholds,
	}
}

// WriteDefault creates <dir>/config.yaml with the default settings unless it
// already exists.
func WriteDefault(dir string) (string, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	data, err := yamlv3.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
