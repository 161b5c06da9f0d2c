package models

import (
	"time"

	"github.com/google/uuid"
)

// ApplicationStatus represents the lifecycle state of one application item.
type ApplicationStatus string

// Application lifecycle states. Transitions are monotonic except the
// explicit paused <-> in_progress pair used for human intervention.
const (
	AppQueued     ApplicationStatus = "queued"
	AppInProgress ApplicationStatus = "in_progress"
	AppSubmitted  ApplicationStatus = "submitted"
	AppFailed     ApplicationStatus = "failed"
	AppPaused     ApplicationStatus = "paused"
	AppSkipped    ApplicationStatus = "skipped"
	AppCancelled  ApplicationStatus = "cancelled"
)

var applicationTransitions = map[ApplicationStatus][]ApplicationStatus{
	AppQueued:     {AppInProgress, AppSkipped, AppFailed, AppCancelled},
	AppInProgress: {AppSubmitted, AppFailed, AppPaused, AppCancelled},
	AppPaused:     {AppInProgress, AppFailed, AppSkipped, AppCancelled},
}

// Terminal reports whether the application reached a final state.
func (s ApplicationStatus) Terminal() bool {
	switch s {
	case AppSubmitted, AppFailed, AppSkipped, AppCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is legal.
func (s ApplicationStatus) CanTransitionTo(next ApplicationStatus) bool {
	for _, t := range applicationTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Failure reason codes recorded on failed or skipped applications.
const (
	ReasonLowMatch            = "low_match"
	ReasonAvoidCompany        = "avoid_company"
	ReasonPolicyError         = "policy_error"
	ReasonRateRejected        = "rate_rejected"
	ReasonWorkerException     = "worker_exception"
	ReasonInterventionTimeout = "intervention_timeout"
	ReasonInterventionSkip    = "intervention_skip"
	ReasonInterventionAbort   = "intervention_abort"
	ReasonSessionCancelled    = "session_cancelled"
	ReasonItemTimeout         = "timeout"
	ReasonOrphaned            = "orphaned"
	ReasonProcessDied         = "process_died"
	ReasonUnknown             = "unknown"
)

// Application is one attempt at one job posting by one user within one session.
type Application struct {
	ID            uuid.UUID         `json:"id"`
	SessionID     uuid.UUID         `json:"session_id"`
	UserID        uuid.UUID         `json:"user_id"`
	JobURL        string            `json:"job_url"`
	JobTitle      string            `json:"job_title,omitempty"`
	Company       string            `json:"company,omitempty"`
	CompanyTier   CompanyTier       `json:"company_tier,omitempty"`
	Domain        string            `json:"domain"`
	EffortHint    Effort            `json:"effort_hint"`
	Effort        Effort            `json:"effort,omitempty"`
	QARequired    bool              `json:"qa_required"`
	MatchScore    float64           `json:"match_score"`
	ResumeRef     string            `json:"resume_ref,omitempty"`
	ProfileRef    string            `json:"profile_ref,omitempty"`
	Status        ApplicationStatus `json:"status"`
	FailureCode   string            `json:"failure_code,omitempty"`
	FailureDetail string            `json:"failure_detail,omitempty"`
	TokensIn      int64             `json:"tokens_in"`
	TokensOut     int64             `json:"tokens_out"`
	Cost          float64           `json:"cost"`
	Requeues      int               `json:"requeues"`
	NotBefore     *time.Time        `json:"not_before,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	SubmittedAt   *time.Time        `json:"submitted_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ScoreBucket groups the match score into deciles for dispatch ordering:
// higher-quality items go first without letting a tiny score gap starve
// older items.
func (a *Application) ScoreBucket() int {
	b := int(a.MatchScore * 10)
	if b > 9 {
		b = 9
	}
	if b < 0 {
		b = 0
	}
	return b
}

// StatusChange is one row of the append-only status history.
type StatusChange struct {
	ID            uuid.UUID         `json:"id"`
	ApplicationID uuid.UUID         `json:"application_id"`
	From          ApplicationStatus `json:"from"`
	To            ApplicationStatus `json:"to"`
	Reason        string            `json:"reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
