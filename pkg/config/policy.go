package config

// EffortPolicyConfig is the raw effort_policy.yaml shape. Predicates are
// kept as strings here; pkg/policy compiles them at startup.
type EffortPolicyConfig struct {
	// Thresholds holds named score constants usable in rule predicates
	// (for example high_match, medium_match). skip_threshold is special:
	// items scoring strictly below it are skipped outright.
	Thresholds map[string]float64 `yaml:"thresholds"`

	// UpgradeRules run first, in order; the first matching rule wins and
	// may only raise effort, never lower it.
	UpgradeRules []EffortRule `yaml:"upgrade_rules"`

	// DowngradeRules run after upgrades, in order, first match wins.
	DowngradeRules []EffortRule `yaml:"downgrade_rules"`

	// QARules run last; any match flags the item for quality review.
	QARules []QARule `yaml:"qa_rules"`

	// CostCeilings caps the model spend per item at each effort level.
	CostCeilings map[string]float64 `yaml:"cost_ceilings"`
}

// EffortRule pairs a boolean predicate with a target effort level.
type EffortRule struct {
	When string `yaml:"when"`
	To   string `yaml:"to"`
}

// QARule is a predicate-only rule; matching flags the item for QA.
type QARule struct {
	When string `yaml:"when"`
}

// SkipThresholdKey is the reserved thresholds entry that gates outright
// skipping of low-match items.
const SkipThresholdKey = "skip_threshold"

// SkipThreshold returns the configured skip threshold, or the default.
func (c *EffortPolicyConfig) SkipThreshold() float64 {
	if v, ok := c.Thresholds[SkipThresholdKey]; ok {
		return v
	}
	return 0.20
}

// CostCeiling returns the spend cap for the given effort, 0 if uncapped.
func (c *EffortPolicyConfig) CostCeiling(effort string) float64 {
	return c.CostCeilings[effort]
}

// DefaultEffortPolicyConfig returns the policy used when effort_policy.yaml
// is absent: no rewrite rules, QA on high effort, conservative cost caps.
func DefaultEffortPolicyConfig() *EffortPolicyConfig {
	return &EffortPolicyConfig{
		Thresholds: map[string]float64{
			SkipThresholdKey: 0.20,
			"high_match":     0.85,
			"medium_match":   0.60,
		},
		QARules: []QARule{
			{When: `effort == "high"`},
		},
		CostCeilings: map[string]float64{
			"low":    0.02,
			"medium": 0.10,
			"high":   0.35,
		},
	}
}
