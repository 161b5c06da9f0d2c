package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ApplydYAMLConfig represents the complete applyd.yaml file structure.
type ApplydYAMLConfig struct {
	System       *SystemYAMLConfig       `yaml:"system"`
	Pool         *PoolYAMLConfig         `yaml:"pool"`
	Sessions     *SessionYAMLConfig      `yaml:"session_defaults"`
	Intervention *InterventionYAMLConfig `yaml:"intervention"`
}

// SystemYAMLConfig groups system-wide infrastructure settings.
type SystemYAMLConfig struct {
	Timezone    string           `yaml:"timezone"`
	ExecutorURL string           `yaml:"executor_url"`
	ListenAddr  string           `yaml:"listen_addr"`
	DatabaseURL string           `yaml:"database_url"`
	Slack       *SlackYAMLConfig `yaml:"slack"`
}

// SlackYAMLConfig holds Slack notification settings from YAML.
type SlackYAMLConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// PoolYAMLConfig holds worker pool tuning from YAML. Durations are
// strings in Go duration syntax ("1s", "10m").
type PoolYAMLConfig struct {
	WorkerCount            int    `yaml:"worker_count"`
	PollInterval           string `yaml:"poll_interval"`
	PollIntervalJitter     string `yaml:"poll_interval_jitter"`
	MaxItemDuration        string `yaml:"max_item_duration"`
	ShutdownWindow         string `yaml:"shutdown_window"`
	HeartbeatInterval      string `yaml:"heartbeat_interval"`
	OrphanThreshold        string `yaml:"orphan_threshold"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
}

// SessionYAMLConfig holds default session limits from YAML.
type SessionYAMLConfig struct {
	MaxItems       int     `yaml:"max_items"`
	MaxDuration    string  `yaml:"max_duration"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	BudgetCost     float64 `yaml:"budget_cost"`
}

// InterventionYAMLConfig holds human-in-the-loop settings from YAML.
type InterventionYAMLConfig struct {
	Timeout string `yaml:"timeout"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load applyd.yaml, effort_policy.yaml, stealth.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge with built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"workers", cfg.Pool.WorkerCount,
		"upgrade_rules", len(cfg.EffortPolicy.UpgradeRules),
		"downgrade_rules", len(cfg.EffortPolicy.DowngradeRules),
		"qa_rules", len(cfg.EffortPolicy.QARules),
		"stealth_domains", len(cfg.Stealth.Domains),
		"timezone", cfg.Location().String())

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	// 1. Load applyd.yaml (system, pool, session defaults, intervention)
	applydConfig, err := loader.loadApplydYAML()
	if err != nil {
		return nil, NewLoadError("applyd.yaml", err)
	}

	// 2. Load effort_policy.yaml (optional; built-in default applies)
	effortPolicy, err := loader.loadEffortPolicyYAML()
	if err != nil {
		return nil, NewLoadError("effort_policy.yaml", err)
	}

	// 3. Load stealth.yaml (optional; default policy applies everywhere)
	stealthRaw, err := loader.loadStealthYAML()
	if err != nil {
		return nil, NewLoadError("stealth.yaml", err)
	}
	stealth, err := resolveStealth(stealthRaw)
	if err != nil {
		return nil, NewLoadError("stealth.yaml", err)
	}

	cfg := &Config{
		System:       resolveSystemConfig(applydConfig.System),
		Pool:         resolvePoolConfig(applydConfig.Pool),
		Sessions:     resolveSessionDefaults(applydConfig.Sessions),
		Intervention: resolveInterventionConfig(applydConfig.Intervention),
		EffortPolicy: effortPolicy,
		Stealth:      stealth,
	}
	cfg.resolveLocation()
	return cfg, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through original data on parse/execution errors,
	// letting the YAML parser produce a clearer error message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadApplydYAML() (*ApplydYAMLConfig, error) {
	var config ApplydYAMLConfig
	if err := l.loadYAML("applyd.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

func (l *configLoader) loadEffortPolicyYAML() (*EffortPolicyConfig, error) {
	var config EffortPolicyConfig
	if err := l.loadYAML("effort_policy.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return DefaultEffortPolicyConfig(), nil
		}
		return nil, err
	}
	if config.Thresholds == nil {
		config.Thresholds = DefaultEffortPolicyConfig().Thresholds
	}
	if config.CostCeilings == nil {
		config.CostCeilings = DefaultEffortPolicyConfig().CostCeilings
	}
	return &config, nil
}

func (l *configLoader) loadStealthYAML() (*stealthYAML, error) {
	var config stealthYAML
	if err := l.loadYAML("stealth.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &config, nil
}

// resolveSystemConfig resolves system configuration from YAML, applying defaults.
func resolveSystemConfig(sys *SystemYAMLConfig) *SystemConfig {
	cfg := DefaultSystemConfig()
	cfg.Slack = SlackConfig{TokenEnv: "SLACK_BOT_TOKEN"}

	if sys == nil {
		return cfg
	}

	if sys.Timezone != "" {
		cfg.Timezone = sys.Timezone
	}
	if sys.ExecutorURL != "" {
		cfg.ExecutorURL = sys.ExecutorURL
	}
	if sys.ListenAddr != "" {
		cfg.ListenAddr = sys.ListenAddr
	}
	if sys.DatabaseURL != "" {
		cfg.DatabaseURL = sys.DatabaseURL
	}

	if s := sys.Slack; s != nil {
		if s.Enabled != nil {
			cfg.Slack.Enabled = *s.Enabled
		}
		if s.TokenEnv != "" {
			cfg.Slack.TokenEnv = s.TokenEnv
		}
		if s.Channel != "" {
			cfg.Slack.Channel = s.Channel
		}
	}

	return cfg
}

// resolvePoolConfig resolves pool configuration from YAML, applying defaults.
func resolvePoolConfig(p *PoolYAMLConfig) *PoolConfig {
	cfg := DefaultPoolConfig()
	if p == nil {
		return cfg
	}

	if p.WorkerCount > 0 {
		cfg.WorkerCount = p.WorkerCount
	}
	if p.MaxConsecutiveFailures > 0 {
		cfg.MaxConsecutiveFailures = p.MaxConsecutiveFailures
	}
	overrideDuration(&cfg.PollInterval, p.PollInterval, "pool.poll_interval")
	overrideDuration(&cfg.PollIntervalJitter, p.PollIntervalJitter, "pool.poll_interval_jitter")
	overrideDuration(&cfg.MaxItemDuration, p.MaxItemDuration, "pool.max_item_duration")
	overrideDuration(&cfg.ShutdownWindow, p.ShutdownWindow, "pool.shutdown_window")
	overrideDuration(&cfg.HeartbeatInterval, p.HeartbeatInterval, "pool.heartbeat_interval")
	overrideDuration(&cfg.OrphanThreshold, p.OrphanThreshold, "pool.orphan_threshold")
	return cfg
}

// resolveSessionDefaults resolves session limit defaults from YAML.
func resolveSessionDefaults(s *SessionYAMLConfig) *SessionDefaults {
	cfg := DefaultSessionDefaults()
	if s == nil {
		return cfg
	}

	if s.MaxItems > 0 {
		cfg.MaxItems = s.MaxItems
	}
	if s.MaxConcurrency > 0 {
		cfg.MaxConcurrency = s.MaxConcurrency
	}
	if s.BudgetCost > 0 {
		cfg.BudgetCost = s.BudgetCost
	}
	overrideDuration(&cfg.MaxDuration, s.MaxDuration, "session_defaults.max_duration")
	return cfg
}

// resolveInterventionConfig resolves intervention settings from YAML.
func resolveInterventionConfig(i *InterventionYAMLConfig) *InterventionConfig {
	cfg := DefaultInterventionConfig()
	if i == nil {
		return cfg
	}
	overrideDuration(&cfg.Timeout, i.Timeout, "intervention.timeout")
	return cfg
}

// overrideDuration replaces *dst with the parsed value when raw is a valid
// non-empty duration, keeping the default (and warning) otherwise.
func overrideDuration(dst *time.Duration, raw, field string) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field,
			"value", raw,
			"default", *dst,
			"error", err)
		return
	}
	*dst = d
}
