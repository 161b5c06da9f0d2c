// Package memory is the in-memory store implementation backing unit
// tests and --dry-run mode. It mirrors the Postgres store's semantics,
// including compare-and-set transitions and status history.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applyops/applyd/pkg/models"
	"github.com/applyops/applyd/pkg/store"
)

// Store keeps everything in maps behind one mutex. Good enough for the
// concurrency of one test process or a dry run.
type Store struct {
	mu sync.Mutex

	sessions     map[uuid.UUID]*models.Session
	applications map[uuid.UUID]*models.Application
	history      map[uuid.UUID][]*models.StatusChange // by application id
	events       map[uuid.UUID][]*models.Event        // by session id
	questions    map[uuid.UUID][]*models.Question     // by application id
	usage        map[uuid.UUID][]*models.ModelUsage   // by session id
	digests      map[uuid.UUID]*models.Digest
	blocks       map[string]time.Time
	dailyCounts  map[string]int // domain + "@" + date
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions:     make(map[uuid.UUID]*models.Session),
		applications: make(map[uuid.UUID]*models.Application),
		history:      make(map[uuid.UUID][]*models.StatusChange),
		events:       make(map[uuid.UUID][]*models.Event),
		questions:    make(map[uuid.UUID][]*models.Question),
		usage:        make(map[uuid.UUID][]*models.ModelUsage),
		digests:      make(map[uuid.UUID]*models.Digest),
		blocks:       make(map[string]time.Time),
		dailyCounts:  make(map[string]int),
	}
}

var _ store.Store = (*Store)(nil)

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}

func (s *Store) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) ListSessions(_ context.Context, statuses ...models.SessionStatus) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Session
	for _, sess := range s.sessions {
		if len(statuses) > 0 && !containsSessionStatus(statuses, sess.Status) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TransitionSession(_ context.Context, id uuid.UUID, from, to models.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("session %s -> %s: %w", from, to, store.ErrIllegalTransition)
	}
	if sess.Status != from {
		return fmt.Errorf("session %s is %s, expected %s: %w", id, sess.Status, from, store.ErrConflict)
	}

	now := time.Now().UTC()
	sess.Status = to
	sess.UpdatedAt = now
	if to == models.SessionRunning && sess.StartedAt == nil {
		sess.StartedAt = &now
	}
	if to.Terminal() {
		sess.EndedAt = &now
	}
	return nil
}

func (s *Store) AddSessionCounters(_ context.Context, id uuid.UUID, delta models.SessionCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	sess.Counters.Add(delta)
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) TouchSessionHeartbeat(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	sess.LastHeartbeatAt = &at
	return nil
}

func (s *Store) StaleActiveSessions(_ context.Context, cutoff time.Time) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Session
	for _, sess := range s.sessions {
		if sess.Status.Terminal() || sess.Status == models.SessionPlanned {
			continue
		}
		if sess.LastHeartbeatAt != nil && sess.LastHeartbeatAt.After(cutoff) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) EnqueueApplications(_ context.Context, apps []*models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		cp := *app
		s.applications[app.ID] = &cp
	}
	return nil
}

func (s *Store) GetApplication(_ context.Context, id uuid.UUID) (*models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[id]
	if !ok {
		return nil, fmt.Errorf("application %s: %w", id, store.ErrNotFound)
	}
	cp := *app
	return &cp, nil
}

func (s *Store) ListApplications(_ context.Context, sessionID uuid.UUID, statuses ...models.ApplicationStatus) ([]*models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Application
	for _, app := range s.applications {
		if app.SessionID != sessionID {
			continue
		}
		if len(statuses) > 0 && !containsAppStatus(statuses, app.Status) {
			continue
		}
		cp := *app
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out, nil
}

func (s *Store) NextQueued(_ context.Context, sessionID uuid.UUID, now time.Time, limit int) ([]*models.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Application
	for _, app := range s.applications {
		if app.SessionID != sessionID || app.Status != models.AppQueued {
			continue
		}
		if app.NotBefore != nil && app.NotBefore.After(now) {
			continue
		}
		cp := *app
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].ScoreBucket(), out[j].ScoreBucket()
		if bi != bj {
			return bi > bj
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TransitionApplication(_ context.Context, id uuid.UUID, from, to models.ApplicationStatus, reason, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[id]
	if !ok {
		return fmt.Errorf("application %s: %w", id, store.ErrNotFound)
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("application %s -> %s: %w", from, to, store.ErrIllegalTransition)
	}
	if app.Status != from {
		return fmt.Errorf("application %s is %s, expected %s: %w", id, app.Status, from, store.ErrConflict)
	}

	now := time.Now().UTC()
	app.Status = to
	app.UpdatedAt = now
	if to == models.AppInProgress && app.StartedAt == nil {
		app.StartedAt = &now
	}
	if to == models.AppFailed || to == models.AppSkipped || to == models.AppCancelled {
		app.FailureCode = reason
		app.FailureDetail = detail
	}
	s.history[id] = append(s.history[id], &models.StatusChange{
		ID:            uuid.New(),
		ApplicationID: id,
		From:          from,
		To:            to,
		Reason:        reason,
		CreatedAt:     now,
	})
	return nil
}

func (s *Store) UpdateApplicationPlan(_ context.Context, id uuid.UUID, effort models.Effort, qaRequired bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[id]
	if !ok {
		return fmt.Errorf("application %s: %w", id, store.ErrNotFound)
	}
	app.Effort = effort
	app.QARequired = qaRequired
	app.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateApplicationResult(_ context.Context, id uuid.UUID, tokensIn, tokensOut int64, cost float64, submittedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[id]
	if !ok {
		return fmt.Errorf("application %s: %w", id, store.ErrNotFound)
	}
	app.TokensIn += tokensIn
	app.TokensOut += tokensOut
	app.Cost += cost
	if submittedAt != nil {
		app.SubmittedAt = submittedAt
	}
	app.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) RequeueApplication(_ context.Context, id uuid.UUID, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.applications[id]
	if !ok {
		return fmt.Errorf("application %s: %w", id, store.ErrNotFound)
	}
	if app.Status != models.AppInProgress {
		return fmt.Errorf("application %s is %s, expected in_progress: %w", id, app.Status, store.ErrConflict)
	}

	now := time.Now().UTC()
	s.history[id] = append(s.history[id], &models.StatusChange{
		ID:            uuid.New(),
		ApplicationID: id,
		From:          app.Status,
		To:            models.AppQueued,
		Reason:        "requeued",
		CreatedAt:     now,
	})
	app.Status = models.AppQueued
	app.Requeues++
	app.NotBefore = &notBefore
	app.StartedAt = nil
	app.UpdatedAt = now
	return nil
}

func (s *Store) ListStatusHistory(_ context.Context, applicationID uuid.UUID) ([]*models.StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.StatusChange, 0, len(s.history[applicationID]))
	for _, h := range s.history[applicationID] {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) InsertEvent(_ context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	s.events[e.SessionID] = append(s.events[e.SessionID], &cp)
	return nil
}

func (s *Store) MaxEventSequence(_ context.Context, sessionID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max int64
	for _, e := range s.events[sessionID] {
		if e.Sequence > max {
			max = e.Sequence
		}
	}
	return max, nil
}

func (s *Store) ListEvents(_ context.Context, sessionID uuid.UUID, afterSeq int64, limit int) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Event
	for _, e := range s.events[sessionID] {
		if e.Sequence <= afterSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertQuestions(_ context.Context, applicationID uuid.UUID, qs []*models.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := 0
	for _, q := range s.questions[applicationID] {
		if q.StepIndex >= next {
			next = q.StepIndex + 1
		}
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
		cp := *q
		s.questions[applicationID] = append(s.questions[applicationID], &cp)
	}
	return nil
}

func (s *Store) ListQuestions(_ context.Context, applicationID uuid.UUID) ([]*models.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Question, 0, len(s.questions[applicationID]))
	for _, q := range s.questions[applicationID] {
		cp := *q
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *Store) InsertModelUsage(_ context.Context, u *models.ModelUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	cp := *u
	s.usage[u.SessionID] = append(s.usage[u.SessionID], &cp)
	return nil
}

func (s *Store) ListModelUsage(_ context.Context, sessionID uuid.UUID) ([]*models.ModelUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ModelUsage, 0, len(s.usage[sessionID]))
	for _, u := range s.usage[sessionID] {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) SaveDigest(_ context.Context, d *models.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *d
	s.digests[d.SessionID] = &cp
	return nil
}

func (s *Store) GetDigest(_ context.Context, sessionID uuid.UUID) (*models.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.digests[sessionID]
	if !ok {
		return nil, fmt.Errorf("digest for session %s: %w", sessionID, store.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (s *Store) UpsertDomainBlock(_ context.Context, domain string, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if until == nil {
		delete(s.blocks, domain)
		return nil
	}
	s.blocks[domain] = *until
	return nil
}

func (s *Store) ListDomainBlocks(_ context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.blocks))
	for d, t := range s.blocks {
		out[d] = t
	}
	return out, nil
}

func (s *Store) IncrementDomainDailyCount(_ context.Context, domain string, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dailyCounts[domain+"@"+day.Format(time.DateOnly)]++
	return nil
}

func (s *Store) DomainDailyCounts(_ context.Context, day time.Time) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	suffix := "@" + day.Format(time.DateOnly)
	out := make(map[string]int)
	for key, n := range s.dailyCounts {
		if len(key) > len(suffix) && key[len(key)-len(suffix):] == suffix {
			out[key[:len(key)-len(suffix)]] = n
		}
	}
	return out, nil
}

func containsSessionStatus(list []models.SessionStatus, s models.SessionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsAppStatus(list []models.ApplicationStatus, s models.ApplicationStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
