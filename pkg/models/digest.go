package models

import (
	"time"

	"github.com/google/uuid"
)

// DomainStats is the per-domain breakdown in a session digest.
type DomainStats struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// FailureSample summarizes one failure kind with up to three example
// application ids for the digest.
type FailureSample struct {
	Count    int         `json:"count"`
	Examples []uuid.UUID `json:"examples,omitempty"`
}

// Digest is the per-session terminal summary persisted at completion.
type Digest struct {
	SessionID       uuid.UUID                `json:"session_id"`
	GeneratedAt     time.Time                `json:"generated_at"`
	Summary         string                   `json:"summary"`
	Counters        SessionCounters          `json:"counters"`
	AvgMatchScore   float64                  `json:"avg_match_score"`
	PerDomain       map[string]DomainStats   `json:"per_domain,omitempty"`
	PerEffort       map[Effort]int           `json:"per_effort,omitempty"`
	FailureTaxonomy map[string]FailureSample `json:"failure_taxonomy,omitempty"`
	Duration        time.Duration            `json:"duration"`
}
