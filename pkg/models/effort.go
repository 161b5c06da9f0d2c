// Package models defines the domain entities shared across the control plane.
package models

import "fmt"

// Effort is the coarse three-level label controlling how much work the
// browser executor performs for one application.
type Effort string

// Effort levels, ordered low < medium < high.
const (
	EffortLow    Effort = "low"
	EffortMedium Effort = "medium"
	EffortHigh   Effort = "high"
)

// rank maps efforts to their ordering for upgrade/downgrade comparisons.
var effortRank = map[Effort]int{
	EffortLow:    0,
	EffortMedium: 1,
	EffortHigh:   2,
}

// Rank returns the ordinal position of the effort level.
func (e Effort) Rank() int {
	return effortRank[e]
}

// Valid reports whether e is one of the three known levels.
func (e Effort) Valid() bool {
	_, ok := effortRank[e]
	return ok
}

// ParseEffort validates and normalizes an effort string.
func ParseEffort(s string) (Effort, error) {
	e := Effort(s)
	if !e.Valid() {
		return "", fmt.Errorf("unknown effort level %q", s)
	}
	return e, nil
}

// CompanyTier classifies the employer for policy purposes.
type CompanyTier string

// Company tiers recognized by the effort policy.
const (
	TierTop    CompanyTier = "top"
	TierNormal CompanyTier = "normal"
	TierAvoid  CompanyTier = "avoid"
)
