package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

// Session lifecycle states. Draining, cancelling, and failing are
// transitional states on the way to their respective terminal states.
const (
	SessionPlanned    SessionStatus = "planned"
	SessionRunning    SessionStatus = "running"
	SessionPaused     SessionStatus = "paused"
	SessionDraining   SessionStatus = "draining"
	SessionCancelling SessionStatus = "cancelling"
	SessionFailing    SessionStatus = "failing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionCancelled  SessionStatus = "cancelled"
)

// sessionTransitions encodes the legal session state machine.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPlanned:    {SessionRunning, SessionCancelled, SessionFailed},
	SessionRunning:    {SessionPaused, SessionDraining, SessionCancelling, SessionFailing},
	SessionPaused:     {SessionRunning, SessionDraining, SessionCancelling, SessionFailing},
	SessionDraining:   {SessionCompleted, SessionCancelling, SessionFailing},
	SessionCancelling: {SessionCancelled, SessionFailing},
	SessionFailing:    {SessionFailed},
}

// Terminal reports whether the status admits no further transitions.
// Once terminal, counters are frozen; only a digest and linked events
// may still be written.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is a legal transition.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, t := range sessionTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// SessionLimits bounds one session run. Any limit tripping moves the
// session into draining.
type SessionLimits struct {
	MaxItems       int           `json:"max_items"`
	MaxDuration    time.Duration `json:"max_duration"`
	MaxConcurrency int           `json:"max_concurrency"`
	BudgetCost     float64       `json:"budget_cost"`
}

// SessionCounters are the additive accumulators on the session row.
// Invariant: Attempted = Succeeded + Failed + Skipped + Cancelled + InFlight.
type SessionCounters struct {
	Attempted    int     `json:"attempted"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	Skipped      int     `json:"skipped"`
	Cancelled    int     `json:"cancelled"`
	InFlight     int     `json:"in_flight"`
	LowEffort    int     `json:"low_effort"`
	MediumEffort int     `json:"medium_effort"`
	HighEffort   int     `json:"high_effort"`
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	Cost         float64 `json:"cost"`
}

// Add accumulates delta into c. Used for coalesced additive updates.
func (c *SessionCounters) Add(delta SessionCounters) {
	c.Attempted += delta.Attempted
	c.Succeeded += delta.Succeeded
	c.Failed += delta.Failed
	c.Skipped += delta.Skipped
	c.Cancelled += delta.Cancelled
	c.InFlight += delta.InFlight
	c.LowEffort += delta.LowEffort
	c.MediumEffort += delta.MediumEffort
	c.HighEffort += delta.HighEffort
	c.TokensIn += delta.TokensIn
	c.TokensOut += delta.TokensOut
	c.Cost += delta.Cost
}

// Session is one bounded orchestrated run.
type Session struct {
	ID              uuid.UUID       `json:"id"`
	UserID          uuid.UUID       `json:"user_id"`
	Name            string          `json:"name,omitempty"`
	Status          SessionStatus   `json:"status"`
	Limits          SessionLimits   `json:"limits"`
	Counters        SessionCounters `json:"counters"`
	ConfigSnapshot  map[string]any  `json:"config_snapshot,omitempty"`
	Timezone        string          `json:"timezone,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Location resolves the session timezone; UTC when unset or unknown.
func (s *Session) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
