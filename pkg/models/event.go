package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the closed vocabulary of audit log event types.
type EventType string

// Event types. New types must be added here; the event log rejects
// anything outside this set.
const (
	EventItemQueued            EventType = "item_queued"
	EventItemStarted           EventType = "item_started"
	EventItemSubmitted         EventType = "item_submitted"
	EventItemFailed            EventType = "item_failed"
	EventItemSkipped           EventType = "item_skipped"
	EventCaptchaDetected       EventType = "captcha_detected"
	EventCaptchaSolved         EventType = "captcha_solved"
	EventCaptchaFailed         EventType = "captcha_failed"
	EventTwoFactorRequested    EventType = "two_factor_requested"
	EventTwoFactorSupplied     EventType = "two_factor_supplied"
	EventRateLimitApplied      EventType = "rate_limit_applied"
	EventDomainBlocked         EventType = "domain_blocked"
	EventWorkerCrashed         EventType = "worker_crashed"
	EventSessionPaused         EventType = "session_paused"
	EventSessionResumed        EventType = "session_resumed"
	EventSessionCompleted      EventType = "session_completed"
	EventInterventionRequested EventType = "intervention_requested"
	EventInterventionResolved  EventType = "intervention_resolved"
	EventInterventionTimeout   EventType = "intervention_timeout"
)

var eventTypes = map[EventType]struct{}{
	EventItemQueued: {}, EventItemStarted: {}, EventItemSubmitted: {},
	EventItemFailed: {}, EventItemSkipped: {}, EventCaptchaDetected: {},
	EventCaptchaSolved: {}, EventCaptchaFailed: {}, EventTwoFactorRequested: {},
	EventTwoFactorSupplied: {}, EventRateLimitApplied: {}, EventDomainBlocked: {},
	EventWorkerCrashed: {}, EventSessionPaused: {}, EventSessionResumed: {},
	EventSessionCompleted: {}, EventInterventionRequested: {},
	EventInterventionResolved: {}, EventInterventionTimeout: {},
}

// Valid reports whether t belongs to the closed vocabulary.
func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Event is one append-only audit record. Events are never updated or
// deleted; ordering within a session is by the log-assigned sequence.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	SessionID     uuid.UUID      `json:"session_id"`
	ApplicationID *uuid.UUID     `json:"application_id,omitempty"`
	Sequence      int64          `json:"sequence"`
	Type          EventType      `json:"type"`
	Detail        string         `json:"detail,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}
