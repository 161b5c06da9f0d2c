package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/applyops/applyd/pkg/config"
	"github.com/applyops/applyd/pkg/models"
)

func testPolicyConfig() *config.EffortPolicyConfig {
	return &config.EffortPolicyConfig{
		Thresholds: map[string]float64{
			config.SkipThresholdKey: 0.20,
			"high_match":            0.85,
			"medium_match":          0.60,
		},
		UpgradeRules: []config.EffortRule{
			{When: `match_score >= high_match && company_tier == "top"`, To: "high"},
			{When: `match_score >= high_match`, To: "medium"},
		},
		DowngradeRules: []config.EffortRule{
			{When: `match_score < medium_match`, To: "low"},
		},
		QARules: []config.QARule{
			{When: `effort == "high"`},
		},
		CostCeilings: map[string]float64{
			"low":    0.02,
			"medium": 0.10,
			"high":   0.35,
		},
	}
}

func TestEvaluateAvoidTierSkips(t *testing.T) {
	e := New(testPolicyConfig())

	d := e.Evaluate(Input{HintEffort: models.EffortHigh, MatchScore: 0.95, CompanyTier: models.TierAvoid})
	assert.True(t, d.Skip)
	assert.Equal(t, models.ReasonAvoidCompany, d.SkipReason)
	assert.Equal(t, models.EffortLow, d.Effort)
	assert.False(t, d.QARequired)
}

func TestEvaluateAvoidDomainSkips(t *testing.T) {
	e := New(testPolicyConfig())

	d := e.Evaluate(Input{
		HintEffort:  models.EffortMedium,
		MatchScore:  0.9,
		CompanyTier: models.TierNormal,
		Domain:      models.DomainPolicy{Domain: "spam.example.com", Avoid: true},
	})
	assert.True(t, d.Skip)
	assert.Equal(t, models.ReasonAvoidCompany, d.SkipReason)
}

func TestEvaluateLowMatchSkips(t *testing.T) {
	e := New(testPolicyConfig())

	d := e.Evaluate(Input{HintEffort: models.EffortHigh, MatchScore: 0.19, CompanyTier: models.TierNormal})
	assert.True(t, d.Skip)
	assert.Equal(t, models.ReasonLowMatch, d.SkipReason)

	// Exactly at the threshold is not a skip.
	d = e.Evaluate(Input{HintEffort: models.EffortLow, MatchScore: 0.20, CompanyTier: models.TierNormal})
	assert.False(t, d.Skip)
}

func TestEvaluateUpgradeFirstMatchWins(t *testing.T) {
	e := New(testPolicyConfig())

	// Both upgrade rules match; the first one (to high) wins.
	d := e.Evaluate(Input{HintEffort: models.EffortLow, MatchScore: 0.9, CompanyTier: models.TierTop})
	assert.Equal(t, models.EffortHigh, d.Effort)
	assert.True(t, d.QARequired)
	assert.InDelta(t, 0.35, d.CostCeiling, 1e-9)

	// Only the second rule matches, and it may not lower a high hint.
	d = e.Evaluate(Input{HintEffort: models.EffortHigh, MatchScore: 0.9, CompanyTier: models.TierNormal})
	assert.Equal(t, models.EffortHigh, d.Effort)
}

func TestEvaluateDowngradeLowerOnly(t *testing.T) {
	e := New(testPolicyConfig())

	d := e.Evaluate(Input{HintEffort: models.EffortHigh, MatchScore: 0.5, CompanyTier: models.TierNormal})
	assert.Equal(t, models.EffortLow, d.Effort)
	assert.False(t, d.QARequired)
	assert.InDelta(t, 0.02, d.CostCeiling, 1e-9)
}

func TestEvaluateNoRuleMatchesKeepsHint(t *testing.T) {
	e := New(testPolicyConfig())

	d := e.Evaluate(Input{HintEffort: models.EffortMedium, MatchScore: 0.7, CompanyTier: models.TierNormal})
	assert.Equal(t, models.EffortMedium, d.Effort)
	assert.False(t, d.Skip)
	assert.False(t, d.QARequired)
	assert.InDelta(t, 0.10, d.CostCeiling, 1e-9)
}

func TestEvaluateInvalidHintDefaultsToMedium(t *testing.T) {
	e := New(testPolicyConfig())

	d := e.Evaluate(Input{HintEffort: "", MatchScore: 0.7, CompanyTier: models.TierNormal})
	assert.Equal(t, models.EffortMedium, d.Effort)
}

func TestEvaluateQAAgainstFinalEffort(t *testing.T) {
	e := New(testPolicyConfig())

	// Hint high, downgraded to low: QA rule on high must not fire.
	d := e.Evaluate(Input{HintEffort: models.EffortHigh, MatchScore: 0.5, CompanyTier: models.TierNormal})
	assert.False(t, d.QARequired)

	// Hint low, upgraded to high: QA rule fires on the upgraded effort.
	d = e.Evaluate(Input{HintEffort: models.EffortLow, MatchScore: 0.9, CompanyTier: models.TierTop})
	assert.True(t, d.QARequired)
}

func TestEvaluateUnparseablePredicateDisablesRule(t *testing.T) {
	cfg := testPolicyConfig()
	cfg.UpgradeRules = []config.EffortRule{
		{When: `match_score >>>= nonsense(`, To: "high"},
		{When: `match_score >= high_match`, To: "medium"},
	}
	e := New(cfg)

	// The broken rule never matches; the next one still applies.
	d := e.Evaluate(Input{HintEffort: models.EffortLow, MatchScore: 0.9, CompanyTier: models.TierTop})
	assert.Equal(t, models.EffortMedium, d.Effort)
}

func TestEvaluateUnknownIdentifierDisablesRule(t *testing.T) {
	cfg := testPolicyConfig()
	cfg.DowngradeRules = []config.EffortRule{
		{When: `phase_of_moon == "full"`, To: "low"},
	}
	e := New(cfg)

	d := e.Evaluate(Input{HintEffort: models.EffortMedium, MatchScore: 0.7, CompanyTier: models.TierNormal})
	assert.Equal(t, models.EffortMedium, d.Effort)
}
