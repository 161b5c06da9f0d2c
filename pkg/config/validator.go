package config

import (
	"fmt"
	"strconv"

	"github.com/applyops/applyd/pkg/models"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validatePool(); err != nil {
		return fmt.Errorf("pool validation failed: %w", err)
	}

	if err := v.validateSessions(); err != nil {
		return fmt.Errorf("session defaults validation failed: %w", err)
	}

	if err := v.validateEffortPolicy(); err != nil {
		return fmt.Errorf("effort policy validation failed: %w", err)
	}

	if err := v.validateStealth(); err != nil {
		return fmt.Errorf("stealth validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validatePool() error {
	p := v.cfg.Pool
	if p.WorkerCount < 1 {
		return NewValidationError("pool", "pool", "worker_count", fmt.Errorf("must be at least 1"))
	}
	if p.PollInterval <= 0 {
		return NewValidationError("pool", "pool", "poll_interval", fmt.Errorf("must be positive"))
	}
	if p.PollIntervalJitter < 0 || p.PollIntervalJitter >= p.PollInterval {
		return NewValidationError("pool", "pool", "poll_interval_jitter",
			fmt.Errorf("must be in [0, poll_interval)"))
	}
	if p.MaxItemDuration <= 0 {
		return NewValidationError("pool", "pool", "max_item_duration", fmt.Errorf("must be positive"))
	}
	if p.ShutdownWindow <= 0 {
		return NewValidationError("pool", "pool", "shutdown_window", fmt.Errorf("must be positive"))
	}
	if p.HeartbeatInterval <= 0 {
		return NewValidationError("pool", "pool", "heartbeat_interval", fmt.Errorf("must be positive"))
	}
	if p.OrphanThreshold <= p.HeartbeatInterval {
		return NewValidationError("pool", "pool", "orphan_threshold",
			fmt.Errorf("must exceed heartbeat_interval"))
	}
	return nil
}

func (v *ConfigValidator) validateSessions() error {
	s := v.cfg.Sessions
	if s.MaxItems < 1 {
		return NewValidationError("session_defaults", "session_defaults", "max_items",
			fmt.Errorf("must be at least 1"))
	}
	if s.MaxConcurrency < 1 {
		return NewValidationError("session_defaults", "session_defaults", "max_concurrency",
			fmt.Errorf("must be at least 1"))
	}
	if s.MaxDuration <= 0 {
		return NewValidationError("session_defaults", "session_defaults", "max_duration",
			fmt.Errorf("must be positive"))
	}
	if s.BudgetCost < 0 {
		return NewValidationError("session_defaults", "session_defaults", "budget_cost",
			fmt.Errorf("must not be negative"))
	}
	return nil
}

func (v *ConfigValidator) validateEffortPolicy() error {
	ep := v.cfg.EffortPolicy

	st := ep.SkipThreshold()
	if st < 0 || st > 1 {
		return NewValidationError("effort_policy", "thresholds", SkipThresholdKey,
			fmt.Errorf("must be in [0, 1], got %v", st))
	}
	for name, val := range ep.Thresholds {
		if val < 0 || val > 1 {
			return NewValidationError("effort_policy", "thresholds", name,
				fmt.Errorf("must be in [0, 1], got %v", val))
		}
	}

	for i, rule := range ep.UpgradeRules {
		if err := validateEffortRule(rule, "upgrade_rules", i); err != nil {
			return err
		}
	}
	for i, rule := range ep.DowngradeRules {
		if err := validateEffortRule(rule, "downgrade_rules", i); err != nil {
			return err
		}
	}
	for i, rule := range ep.QARules {
		if rule.When == "" {
			return NewValidationError("effort_policy", "qa_rules["+strconv.Itoa(i)+"]", "when",
				fmt.Errorf("%w: predicate required", ErrMissingRequiredField))
		}
	}

	for effort, ceiling := range ep.CostCeilings {
		if !models.Effort(effort).Valid() {
			return NewValidationError("effort_policy", "cost_ceilings", effort,
				fmt.Errorf("%w: unknown effort level", ErrInvalidValue))
		}
		if ceiling < 0 {
			return NewValidationError("effort_policy", "cost_ceilings", effort,
				fmt.Errorf("must not be negative"))
		}
	}
	return nil
}

func validateEffortRule(rule EffortRule, section string, idx int) error {
	id := section + "[" + strconv.Itoa(idx) + "]"
	if rule.When == "" {
		return NewValidationError("effort_policy", id, "when",
			fmt.Errorf("%w: predicate required", ErrMissingRequiredField))
	}
	if !models.Effort(rule.To).Valid() {
		return NewValidationError("effort_policy", id, "to",
			fmt.Errorf("%w: unknown effort level %q", ErrInvalidValue, rule.To))
	}
	return nil
}

func (v *ConfigValidator) validateStealth() error {
	check := func(name string, p models.DomainPolicy) error {
		if p.MaxPerDay < 0 {
			return NewValidationError("stealth", name, "max_per_day", fmt.Errorf("must not be negative"))
		}
		if p.MinInterval < 0 {
			return NewValidationError("stealth", name, "min_interval_seconds", fmt.Errorf("must not be negative"))
		}
		if p.MaxConcurrent < 0 {
			return NewValidationError("stealth", name, "max_concurrent", fmt.Errorf("must not be negative"))
		}
		if p.Cooldown < 0 {
			return NewValidationError("stealth", name, "cooldown_seconds", fmt.Errorf("must not be negative"))
		}
		return nil
	}

	if err := check("default", v.cfg.Stealth.Default); err != nil {
		return err
	}
	for domain, p := range v.cfg.Stealth.Domains {
		if err := check(domain, p); err != nil {
			return err
		}
	}
	return nil
}
