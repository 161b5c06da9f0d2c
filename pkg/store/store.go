// Package store defines the persistence contract of the control plane.
// Two implementations exist: the Postgres store used in production and an
// in-memory store used by tests and dry runs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/applyops/applyd/pkg/models"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a compare-and-set update lost: the row's
	// current status did not match the expected one.
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrIllegalTransition indicates the requested status change is not
	// part of the state machine.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListSessions(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error)

	// TransitionSession applies from -> to with compare-and-set
	// semantics: ErrConflict when the stored status is not from,
	// ErrIllegalTransition when the state machine forbids the move.
	// Terminal targets also set ended_at.
	TransitionSession(ctx context.Context, id uuid.UUID, from, to models.SessionStatus) error

	// AddSessionCounters applies an additive counter delta.
	AddSessionCounters(ctx context.Context, id uuid.UUID, delta models.SessionCounters) error

	// TouchSessionHeartbeat refreshes the liveness timestamp.
	TouchSessionHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error

	// StaleActiveSessions returns non-terminal sessions whose heartbeat
	// is older than cutoff, for startup crash recovery.
	StaleActiveSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error)
}

// ApplicationStore persists application items and their status history.
type ApplicationStore interface {
	EnqueueApplications(ctx context.Context, apps []*models.Application) error
	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)
	ListApplications(ctx context.Context, sessionID uuid.UUID, statuses ...models.ApplicationStatus) ([]*models.Application, error)

	// NextQueued returns up to limit queued items eligible to run at
	// now (not_before elapsed), best first: score bucket descending,
	// then enqueue time ascending.
	NextQueued(ctx context.Context, sessionID uuid.UUID, now time.Time, limit int) ([]*models.Application, error)

	// TransitionApplication applies from -> to and appends the status
	// history row atomically. Compare-and-set like TransitionSession.
	// reason becomes the failure code on failed/skipped targets.
	TransitionApplication(ctx context.Context, id uuid.UUID, from, to models.ApplicationStatus, reason, detail string) error

	// UpdateApplicationPlan records the policy decision for an item.
	UpdateApplicationPlan(ctx context.Context, id uuid.UUID, effort models.Effort, qaRequired bool) error

	// UpdateApplicationResult records executor usage on completion.
	UpdateApplicationResult(ctx context.Context, id uuid.UUID, tokensIn, tokensOut int64, cost float64, submittedAt *time.Time) error

	// RequeueApplication returns an in_progress item to queued with a
	// not-before hold, bumping the requeue counter.
	RequeueApplication(ctx context.Context, id uuid.UUID, notBefore time.Time) error

	// ListStatusHistory returns the append-only history, oldest first.
	ListStatusHistory(ctx context.Context, applicationID uuid.UUID) ([]*models.StatusChange, error)
}

// EventStore persists the append-only audit log.
type EventStore interface {
	// InsertEvent appends one event. The caller (the event log) assigns
	// the session-scoped sequence.
	InsertEvent(ctx context.Context, e *models.Event) error

	// MaxEventSequence returns the highest sequence recorded for the
	// session, 0 when none.
	MaxEventSequence(ctx context.Context, sessionID uuid.UUID) (int64, error)

	// ListEvents returns events with sequence > afterSeq, ascending.
	ListEvents(ctx context.Context, sessionID uuid.UUID, afterSeq int64, limit int) ([]*models.Event, error)
}

// QuestionStore persists the per-application form audit trail.
type QuestionStore interface {
	// InsertQuestions appends questions, assigning consecutive step
	// indexes after the highest existing one.
	InsertQuestions(ctx context.Context, applicationID uuid.UUID, qs []*models.Question) error
	ListQuestions(ctx context.Context, applicationID uuid.UUID) ([]*models.Question, error)

	InsertModelUsage(ctx context.Context, u *models.ModelUsage) error
	ListModelUsage(ctx context.Context, sessionID uuid.UUID) ([]*models.ModelUsage, error)
}

// DigestStore persists session digests.
type DigestStore interface {
	SaveDigest(ctx context.Context, d *models.Digest) error
	GetDigest(ctx context.Context, sessionID uuid.UUID) (*models.Digest, error)
}

// DomainStore persists cross-session governor state so restarts keep
// daily caps and cooldown blocks.
type DomainStore interface {
	// UpsertDomainBlock records a cooldown; a nil until clears it.
	UpsertDomainBlock(ctx context.Context, domain string, until *time.Time) error
	ListDomainBlocks(ctx context.Context) (map[string]time.Time, error)

	// IncrementDomainDailyCount bumps the per-day attempt counter.
	IncrementDomainDailyCount(ctx context.Context, domain string, day time.Time) error
	DomainDailyCounts(ctx context.Context, day time.Time) (map[string]int, error)
}

// Store is the full persistence surface.
type Store interface {
	SessionStore
	ApplicationStore
	EventStore
	QuestionStore
	DigestStore
	DomainStore

	Close()
}
