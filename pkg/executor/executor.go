// Package executor defines the contract with the browser executor
// service that actually fills and submits applications, plus the HTTP
// client for the real service and a scripted stub for tests and dry runs.
package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/applyops/applyd/pkg/models"
)

// Task is one submission job handed to the executor.
type Task struct {
	ApplicationID uuid.UUID     `json:"application_id"`
	SessionID     uuid.UUID     `json:"session_id"`
	JobURL        string        `json:"job_url"`
	Effort        models.Effort `json:"effort"`
	QARequired    bool          `json:"qa_required"`
	ResumeRef     string        `json:"resume_ref,omitempty"`
	ProfileRef    string        `json:"profile_ref,omitempty"`
	// CostCeiling caps model spend for this item, 0 for uncapped.
	CostCeiling float64 `json:"cost_ceiling,omitempty"`
}

// StreamEventType identifies one mid-run event on the wire.
type StreamEventType string

const (
	// StreamCaptcha and StreamTwoFactor are prompts: the worker must
	// reply before the executor continues.
	StreamCaptcha   StreamEventType = "captcha_detected"
	StreamTwoFactor StreamEventType = "two_factor_requested"
	// StreamQuestion reports one filled form field for audit.
	StreamQuestion StreamEventType = "question"
	// StreamUsage reports one model call for cost accounting.
	StreamUsage StreamEventType = "usage"
	// StreamOutcome terminates the stream.
	StreamOutcome StreamEventType = "outcome"
)

// StreamEvent is one ndjson line from the executor.
type StreamEvent struct {
	Type     StreamEventType    `json:"type"`
	Detail   string             `json:"detail,omitempty"`
	Question *models.Question   `json:"question,omitempty"`
	Usage    *models.ModelUsage `json:"usage,omitempty"`
	Outcome  *Outcome           `json:"outcome,omitempty"`
}

// PromptReply answers a captcha or two-factor prompt. Proceed false
// tells the executor to abandon the item.
type PromptReply struct {
	Proceed bool   `json:"proceed"`
	Value   string `json:"value,omitempty"`
}

// OutcomeStatus is the terminal status of one run.
type OutcomeStatus string

const (
	// OutcomeSubmitted means the application went through.
	OutcomeSubmitted OutcomeStatus = "submitted"
	// OutcomeFailed means the attempt failed for this item only.
	OutcomeFailed OutcomeStatus = "failed"
	// OutcomeBlocked means the target site pushed back (rate limit,
	// captcha wall); the domain should cool down.
	OutcomeBlocked OutcomeStatus = "blocked"
	// OutcomeAbandoned means the run stopped on a prompt reply or
	// cancellation before submission.
	OutcomeAbandoned OutcomeStatus = "abandoned"
)

// Outcome is the terminal result of one executor run.
type Outcome struct {
	Status        OutcomeStatus `json:"status"`
	FailureCode   string        `json:"failure_code,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`
	TokensIn      int64         `json:"tokens_in"`
	TokensOut     int64         `json:"tokens_out"`
	Cost          float64       `json:"cost"`
}

// EventHandler consumes one mid-run event. For prompt events the reply
// is sent back to the executor; for others it is ignored.
type EventHandler func(ctx context.Context, ev StreamEvent) (PromptReply, error)

// Executor drives one application end to end.
type Executor interface {
	Run(ctx context.Context, task Task, onEvent EventHandler) (*Outcome, error)
}
