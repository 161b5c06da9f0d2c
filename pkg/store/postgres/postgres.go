// Package postgres implements the repository contract on PostgreSQL via
// pgx. Status transitions use compare-and-set updates so concurrent
// workers and processes never double-claim an item.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/applyops/applyd/pkg/models"
	"github.com/applyops/applyd/pkg/store"
)

// Store is the PostgreSQL-backed repository.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New creates a store over an initialized connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const sessionColumns = `id, user_id, name, status,
	max_items, max_duration_secs, max_concurrency, budget_cost,
	attempted, succeeded, failed, skipped, cancelled, in_flight,
	low_effort, medium_effort, high_effort, tokens_in, tokens_out, cost,
	config_snapshot, timezone, started_at, ended_at, last_heartbeat_at,
	created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	var maxDurationSecs int64
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.Name, &sess.Status,
		&sess.Limits.MaxItems, &maxDurationSecs, &sess.Limits.MaxConcurrency, &sess.Limits.BudgetCost,
		&sess.Counters.Attempted, &sess.Counters.Succeeded, &sess.Counters.Failed,
		&sess.Counters.Skipped, &sess.Counters.Cancelled, &sess.Counters.InFlight,
		&sess.Counters.LowEffort, &sess.Counters.MediumEffort, &sess.Counters.HighEffort,
		&sess.Counters.TokensIn, &sess.Counters.TokensOut, &sess.Counters.Cost,
		&sess.ConfigSnapshot, &sess.Timezone, &sess.StartedAt, &sess.EndedAt, &sess.LastHeartbeatAt,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.Limits.MaxDuration = time.Duration(maxDurationSecs) * time.Second
	return &sess, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = sess.CreatedAt

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (
			id, user_id, name, status,
			max_items, max_duration_secs, max_concurrency, budget_cost,
			config_snapshot, timezone, started_at, last_heartbeat_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		sess.ID, sess.UserID, sess.Name, sess.Status,
		sess.Limits.MaxItems, int64(sess.Limits.MaxDuration/time.Second),
		sess.Limits.MaxConcurrency, sess.Limits.BudgetCost,
		sess.ConfigSnapshot, sess.Timezone, sess.StartedAt, sess.LastHeartbeatAt,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		list := make([]string, len(statuses))
		for i, st := range statuses {
			list[i] = string(st)
		}
		args = append(args, list)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) TransitionSession(ctx context.Context, id uuid.UUID, from, to models.SessionStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("session %s -> %s: %w", from, to, store.ErrIllegalTransition)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			status = $3,
			updated_at = now(),
			started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			ended_at = CASE WHEN $4 THEN now() ELSE ended_at END
		WHERE id = $1 AND status = $2`,
		id, from, to, to.Terminal(),
	)
	if err != nil {
		return fmt.Errorf("transitioning session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.sessionConflict(ctx, id, from)
	}
	return nil
}

func (s *Store) sessionConflict(ctx context.Context, id uuid.UUID, expected models.SessionStatus) error {
	var current models.SessionStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying session status: %w", err)
	}
	return fmt.Errorf("session %s is %s, expected %s: %w", id, current, expected, store.ErrConflict)
}

func (s *Store) AddSessionCounters(ctx context.Context, id uuid.UUID, delta models.SessionCounters) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			attempted = attempted + $2,
			succeeded = succeeded + $3,
			failed = failed + $4,
			skipped = skipped + $5,
			cancelled = cancelled + $6,
			in_flight = in_flight + $7,
			low_effort = low_effort + $8,
			medium_effort = medium_effort + $9,
			high_effort = high_effort + $10,
			tokens_in = tokens_in + $11,
			tokens_out = tokens_out + $12,
			cost = cost + $13,
			updated_at = now()
		WHERE id = $1`,
		id, delta.Attempted, delta.Succeeded, delta.Failed, delta.Skipped,
		delta.Cancelled, delta.InFlight, delta.LowEffort, delta.MediumEffort,
		delta.HighEffort, delta.TokensIn, delta.TokensOut, delta.Cost,
	)
	if err != nil {
		return fmt.Errorf("updating session counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) TouchSessionHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_heartbeat_at = $2, updated_at = now() WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touching heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) StaleActiveSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status NOT IN ('planned', 'completed', 'failed', 'cancelled')
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning stale session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

const applicationColumns = `id, session_id, user_id, job_url, job_title, company, company_tier,
	domain, effort_hint, effort, qa_required, match_score, resume_ref, profile_ref,
	status, failure_code, failure_detail, tokens_in, tokens_out, cost,
	requeues, not_before, enqueued_at, started_at, submitted_at, updated_at`

func scanApplication(row pgx.Row) (*models.Application, error) {
	var app models.Application
	err := row.Scan(
		&app.ID, &app.SessionID, &app.UserID, &app.JobURL, &app.JobTitle,
		&app.Company, &app.CompanyTier, &app.Domain, &app.EffortHint, &app.Effort,
		&app.QARequired, &app.MatchScore, &app.ResumeRef, &app.ProfileRef,
		&app.Status, &app.FailureCode, &app.FailureDetail,
		&app.TokensIn, &app.TokensOut, &app.Cost,
		&app.Requeues, &app.NotBefore, &app.EnqueuedAt, &app.StartedAt,
		&app.SubmittedAt, &app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *Store) EnqueueApplications(ctx context.Context, apps []*models.Application) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning enqueue: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, app := range apps {
		if app.ID == uuid.Nil {
			app.ID = uuid.New()
		}
		if app.Status == "" {
			app.Status = models.AppQueued
		}
		if app.EnqueuedAt.IsZero() {
			app.EnqueuedAt = now
		}
		app.UpdatedAt = now

		_, err := tx.Exec(ctx, `
			INSERT INTO applications (
				id, session_id, user_id, job_url, job_title, company, company_tier,
				domain, effort_hint, effort, qa_required, match_score, resume_ref, profile_ref,
				status, failure_code, failure_detail, tokens_in, tokens_out, cost,
				requeues, not_before, enqueued_at, started_at, submitted_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
			app.ID, app.SessionID, app.UserID, app.JobURL, app.JobTitle,
			app.Company, app.CompanyTier, app.Domain, app.EffortHint, app.Effort,
			app.QARequired, app.MatchScore, app.ResumeRef, app.ProfileRef,
			app.Status, app.FailureCode, app.FailureDetail,
			app.TokensIn, app.TokensOut, app.Cost,
			app.Requeues, app.NotBefore, app.EnqueuedAt, app.StartedAt,
			app.SubmittedAt, app.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting application %s: %w", app.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("application %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying application: %w", err)
	}
	return app, nil
}

func (s *Store) ListApplications(ctx context.Context, sessionID uuid.UUID, statuses ...models.ApplicationStatus) ([]*models.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE session_id = $1`
	args := []any{sessionID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		list := make([]string, len(statuses))
		for i, st := range statuses {
			list[i] = string(st)
		}
		args = append(args, list)
	}
	query += ` ORDER BY enqueued_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing applications: %w", err)
	}
	defer rows.Close()

	var out []*models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning application: %w", err)
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func (s *Store) NextQueued(ctx context.Context, sessionID uuid.UUID, now time.Time, limit int) ([]*models.Application, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+applicationColumns+` FROM applications
		WHERE session_id = $1
		  AND status = 'queued'
		  AND (not_before IS NULL OR not_before <= $2)
		ORDER BY LEAST(GREATEST(floor(match_score * 10), 0), 9) DESC, enqueued_at ASC
		LIMIT $3`,
		sessionID, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting queued applications: %w", err)
	}
	defer rows.Close()

	var out []*models.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning queued application: %w", err)
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func (s *Store) TransitionApplication(ctx context.Context, id uuid.UUID, from, to models.ApplicationStatus, reason, detail string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("application %s -> %s: %w", from, to, store.ErrIllegalTransition)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transition: %w", err)
	}
	defer tx.Rollback(ctx)

	var current models.ApplicationStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM applications WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("application %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("locking application: %w", err)
	}
	if current != from {
		return fmt.Errorf("application %s is %s, expected %s: %w", id, current, from, store.ErrConflict)
	}

	terminalFailure := to == models.AppFailed || to == models.AppSkipped || to == models.AppCancelled
	_, err = tx.Exec(ctx, `
		UPDATE applications SET
			status = $2,
			updated_at = now(),
			started_at = CASE WHEN $2 = 'in_progress' AND started_at IS NULL THEN now() ELSE started_at END,
			failure_code = CASE WHEN $3 THEN $4 ELSE failure_code END,
			failure_detail = CASE WHEN $3 THEN $5 ELSE failure_detail END
		WHERE id = $1`,
		id, to, terminalFailure, reason, detail,
	)
	if err != nil {
		return fmt.Errorf("updating application status: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO application_status_history (id, application_id, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), id, from, to, reason,
	)
	if err != nil {
		return fmt.Errorf("appending status history: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateApplicationPlan(ctx context.Context, id uuid.UUID, effort models.Effort, qaRequired bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE applications SET effort = $2, qa_required = $3, updated_at = now() WHERE id = $1`,
		id, effort, qaRequired)
	if err != nil {
		return fmt.Errorf("updating application plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("application %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateApplicationResult(ctx context.Context, id uuid.UUID, tokensIn, tokensOut int64, cost float64, submittedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET
			tokens_in = tokens_in + $2,
			tokens_out = tokens_out + $3,
			cost = cost + $4,
			submitted_at = COALESCE($5, submitted_at),
			updated_at = now()
		WHERE id = $1`,
		id, tokensIn, tokensOut, cost, submittedAt)
	if err != nil {
		return fmt.Errorf("updating application result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("application %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) RequeueApplication(ctx context.Context, id uuid.UUID, notBefore time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning requeue: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE applications SET
			status = 'queued',
			requeues = requeues + 1,
			not_before = $2,
			updated_at = now()
		WHERE id = $1 AND status = 'in_progress'`,
		id, notBefore)
	if err != nil {
		return fmt.Errorf("requeueing application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current models.ApplicationStatus
		err := tx.QueryRow(ctx, `SELECT status FROM applications WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("application %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("querying application status: %w", err)
		}
		return fmt.Errorf("application %s is %s, expected in_progress: %w", id, current, store.ErrConflict)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO application_status_history (id, application_id, from_status, to_status, reason)
		VALUES ($1, $2, 'in_progress', 'queued', 'requeued')`,
		uuid.New(), id)
	if err != nil {
		return fmt.Errorf("appending requeue history: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ListStatusHistory(ctx context.Context, applicationID uuid.UUID) ([]*models.StatusChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, application_id, from_status, to_status, reason, created_at
		FROM application_status_history
		WHERE application_id = $1
		ORDER BY created_at ASC`,
		applicationID)
	if err != nil {
		return nil, fmt.Errorf("listing status history: %w", err)
	}
	defer rows.Close()

	var out []*models.StatusChange
	for rows.Next() {
		var sc models.StatusChange
		if err := rows.Scan(&sc.ID, &sc.ApplicationID, &sc.From, &sc.To, &sc.Reason, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning status change: %w", err)
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}

func (s *Store) InsertEvent(ctx context.Context, e *models.Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_events (id, session_id, application_id, sequence, type, detail, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.SessionID, e.ApplicationID, e.Sequence, e.Type, e.Detail, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func (s *Store) MaxEventSequence(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM session_events WHERE session_id = $1`,
		sessionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("querying max sequence: %w", err)
	}
	return max, nil
}

func (s *Store) ListEvents(ctx context.Context, sessionID uuid.UUID, afterSeq int64, limit int) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, application_id, sequence, type, detail, payload, created_at
		FROM session_events
		WHERE session_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3`,
		sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ApplicationID, &e.Sequence,
			&e.Type, &e.Detail, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) InsertQuestions(ctx context.Context, applicationID uuid.UUID, qs []*models.Question) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning question insert: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the application row so concurrent inserts assign disjoint
	// step index ranges.
	var exists uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM applications WHERE id = $1 FOR UPDATE`, applicationID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("application %s: %w", applicationID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("locking application: %w", err)
	}

	var next int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(step_index) + 1, 0)
		FROM application_questions WHERE application_id = $1`,
		applicationID).Scan(&next)
	if err != nil {
		return fmt.Errorf("querying next step index: %w", err)
	}

	now := time.Now().UTC()
	for _, q := range qs {
		if q.ID == uuid.Nil {
			q.ID = uuid.New()
		}
		q.ApplicationID = applicationID
		q.StepIndex = next
		q.CreatedAt = now
		next++

		field, err := json.Marshal(q.Field)
		if err != nil {
			return fmt.Errorf("encoding field descriptor: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO application_questions (
				id, application_id, step_index, field, value, source, confidence,
				validation_error, correction, corrected_by, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			q.ID, q.ApplicationID, q.StepIndex, field, q.Value, q.Source,
			q.Confidence, q.ValidationError, q.Correction, q.CorrectedBy, q.CreatedAt)
		if err != nil {
			return fmt.Errorf("inserting question: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListQuestions(ctx context.Context, applicationID uuid.UUID) ([]*models.Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, application_id, step_index, field, value, source, confidence,
			validation_error, correction, corrected_by, created_at
		FROM application_questions
		WHERE application_id = $1
		ORDER BY step_index ASC`,
		applicationID)
	if err != nil {
		return nil, fmt.Errorf("listing questions: %w", err)
	}
	defer rows.Close()

	var out []*models.Question
	for rows.Next() {
		var q models.Question
		var field []byte
		if err := rows.Scan(&q.ID, &q.ApplicationID, &q.StepIndex, &field, &q.Value,
			&q.Source, &q.Confidence, &q.ValidationError, &q.Correction,
			&q.CorrectedBy, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning question: %w", err)
		}
		if err := json.Unmarshal(field, &q.Field); err != nil {
			return nil, fmt.Errorf("decoding field descriptor: %w", err)
		}
		out = append(out, &q)
	}
	return out, rows.Err()
}

func (s *Store) InsertModelUsage(ctx context.Context, u *models.ModelUsage) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO model_usage (
			id, session_id, application_id, provider, model, purpose,
			tokens_in, tokens_out, cost, status, error_message, started_at, ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		u.ID, u.SessionID, u.ApplicationID, u.Provider, u.Model, u.Purpose,
		u.TokensIn, u.TokensOut, u.Cost, u.Status, u.ErrorMessage, u.StartedAt, u.EndedAt)
	if err != nil {
		return fmt.Errorf("inserting model usage: %w", err)
	}
	return nil
}

func (s *Store) ListModelUsage(ctx context.Context, sessionID uuid.UUID) ([]*models.ModelUsage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, application_id, provider, model, purpose,
			tokens_in, tokens_out, cost, status, error_message, started_at, ended_at
		FROM model_usage
		WHERE session_id = $1
		ORDER BY started_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing model usage: %w", err)
	}
	defer rows.Close()

	var out []*models.ModelUsage
	for rows.Next() {
		var u models.ModelUsage
		if err := rows.Scan(&u.ID, &u.SessionID, &u.ApplicationID, &u.Provider,
			&u.Model, &u.Purpose, &u.TokensIn, &u.TokensOut, &u.Cost,
			&u.Status, &u.ErrorMessage, &u.StartedAt, &u.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning model usage: %w", err)
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *Store) SaveDigest(ctx context.Context, d *models.Digest) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding digest: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO session_digests (session_id, generated_at, digest)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET generated_at = $2, digest = $3`,
		d.SessionID, d.GeneratedAt, payload)
	if err != nil {
		return fmt.Errorf("saving digest: %w", err)
	}
	return nil
}

func (s *Store) GetDigest(ctx context.Context, sessionID uuid.UUID) (*models.Digest, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT digest FROM session_digests WHERE session_id = $1`, sessionID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("digest for session %s: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying digest: %w", err)
	}
	var d models.Digest
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("decoding digest: %w", err)
	}
	return &d, nil
}

func (s *Store) UpsertDomainBlock(ctx context.Context, domain string, until *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO domain_blocks (domain, blocked_until)
		VALUES ($1, $2)
		ON CONFLICT (domain) DO UPDATE SET blocked_until = $2`,
		domain, until)
	if err != nil {
		return fmt.Errorf("upserting domain block: %w", err)
	}
	return nil
}

func (s *Store) ListDomainBlocks(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT domain, blocked_until FROM domain_blocks WHERE blocked_until IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing domain blocks: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var domain string
		var until time.Time
		if err := rows.Scan(&domain, &until); err != nil {
			return nil, fmt.Errorf("scanning domain block: %w", err)
		}
		out[domain] = until
	}
	return out, rows.Err()
}

func (s *Store) IncrementDomainDailyCount(ctx context.Context, domain string, day time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO domain_daily_counts (domain, day, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (domain, day) DO UPDATE SET count = domain_daily_counts.count + 1`,
		domain, day.Format(time.DateOnly))
	if err != nil {
		return fmt.Errorf("incrementing daily count: %w", err)
	}
	return nil
}

func (s *Store) DomainDailyCounts(ctx context.Context, day time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT domain, count FROM domain_daily_counts WHERE day = $1`,
		day.Format(time.DateOnly))
	if err != nil {
		return nil, fmt.Errorf("listing daily counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var domain string
		var count int
		if err := rows.Scan(&domain, &count); err != nil {
			return nil, fmt.Errorf("scanning daily count: %w", err)
		}
		out[domain] = count
	}
	return out, rows.Err()
}
