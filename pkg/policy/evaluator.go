// Package policy implements the effort policy evaluator: a pure decision
// function mapping one queued application to the effort level to run it
// at, whether it needs quality review, and whether to skip it outright.
package policy

import (
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/applyops/applyd/pkg/config"
	"github.com/applyops/applyd/pkg/models"
)

// Input is everything the evaluator may consult for one item. Evaluation
// never reaches outside this snapshot.
type Input struct {
	HintEffort  models.Effort
	MatchScore  float64
	CompanyTier models.CompanyTier
	Domain      models.DomainPolicy
}

// Decision is the evaluator's verdict for one item.
type Decision struct {
	Effort     models.Effort
	QARequired bool

	// Skip marks the item as not worth attempting; SkipReason carries
	// the failure code to record (low_match, avoid_company).
	Skip       bool
	SkipReason string

	// CostCeiling is the model spend cap for the chosen effort, 0 if
	// uncapped.
	CostCeiling float64
}

type compiledRule struct {
	src     string
	to      models.Effort // zero for QA rules
	program *vm.Program   // nil when the predicate failed to compile
}

// Evaluator applies the configured rules. It is immutable after New and
// safe for concurrent use.
type Evaluator struct {
	skipThreshold float64
	thresholds    map[string]float64
	upgrades      []compiledRule
	downgrades    []compiledRule
	qa            []compiledRule
	ceilings      map[string]float64
}

// New compiles the configured rules. A predicate that does not compile
// disables its rule (it never matches); this is logged once here, not on
// every evaluation.
func New(cfg *config.EffortPolicyConfig) *Evaluator {
	e := &Evaluator{
		skipThreshold: cfg.SkipThreshold(),
		thresholds:    cfg.Thresholds,
		ceilings:      cfg.CostCeilings,
	}

	sample := e.envFor(Input{}, models.EffortLow)
	compile := func(section, src string, to models.Effort) compiledRule {
		program, err := expr.Compile(src, expr.Env(sample), expr.AsBool())
		if err != nil {
			slog.Warn("Disabling effort policy rule with invalid predicate",
				"section", section,
				"predicate", src,
				"error", err)
			return compiledRule{src: src, to: to}
		}
		return compiledRule{src: src, to: to, program: program}
	}

	for _, r := range cfg.UpgradeRules {
		e.upgrades = append(e.upgrades, compile("upgrade_rules", r.When, models.Effort(r.To)))
	}
	for _, r := range cfg.DowngradeRules {
		e.downgrades = append(e.downgrades, compile("downgrade_rules", r.When, models.Effort(r.To)))
	}
	for _, r := range cfg.QARules {
		e.qa = append(e.qa, compile("qa_rules", r.When, ""))
	}
	return e
}

// Evaluate decides effort, QA, and skip for one item.
//
// Order: avoid-tier skip, low-match skip, upgrade rules (first match wins,
// raise only), downgrade rules (first match wins, lower only), then QA
// rules against the final effort (any match flags QA).
func (e *Evaluator) Evaluate(in Input) Decision {
	if in.CompanyTier == models.TierAvoid || in.Domain.Avoid {
		return Decision{Effort: models.EffortLow, Skip: true, SkipReason: models.ReasonAvoidCompany}
	}
	if in.MatchScore < e.skipThreshold {
		return Decision{Effort: models.EffortLow, Skip: true, SkipReason: models.ReasonLowMatch}
	}

	effort := in.HintEffort
	if !effort.Valid() {
		effort = models.EffortMedium
	}

	for _, r := range e.upgrades {
		if e.matches(r, in, effort) {
			if r.to.Rank() > effort.Rank() {
				effort = r.to
			}
			break
		}
	}
	for _, r := range e.downgrades {
		if e.matches(r, in, effort) {
			if r.to.Rank() < effort.Rank() {
				effort = r.to
			}
			break
		}
	}

	qa := false
	for _, r := range e.qa {
		if e.matches(r, in, effort) {
			qa = true
			break
		}
	}

	return Decision{
		Effort:      effort,
		QARequired:  qa,
		CostCeiling: e.ceilings[string(effort)],
	}
}

// CostCeiling returns the spend cap for an effort level, 0 if uncapped.
func (e *Evaluator) CostCeiling(effort models.Effort) float64 {
	return e.ceilings[string(effort)]
}

// matches runs one compiled predicate. Disabled rules and runtime
// evaluation errors both count as no match.
func (e *Evaluator) matches(r compiledRule, in Input, effort models.Effort) bool {
	if r.program == nil {
		return false
	}
	out, err := expr.Run(r.program, e.envFor(in, effort))
	if err != nil {
		slog.Warn("Effort policy predicate failed at runtime, treating as no match",
			"predicate", r.src,
			"error", err)
		return false
	}
	matched, _ := out.(bool)
	return matched
}

// envFor builds the predicate environment: the item's fields plus every
// named threshold as a bare constant.
func (e *Evaluator) envFor(in Input, effort models.Effort) map[string]any {
	env := map[string]any{
		"match_score":        in.MatchScore,
		"hint_effort":        string(in.HintEffort),
		"effort":             string(effort),
		"company_tier":       string(in.CompanyTier),
		"domain":             in.Domain.Domain,
		"domain_avoid":       in.Domain.Avoid,
		"domain_max_per_day": in.Domain.MaxPerDay,
	}
	for name, val := range e.thresholds {
		if name == config.SkipThresholdKey {
			continue
		}
		env[name] = val
	}
	return env
}
