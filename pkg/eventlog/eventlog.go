// Package eventlog is the write-ahead audit log. Every state change in
// the control plane records its event here before the change is applied;
// the log assigns each session a gapless, monotonically increasing
// sequence.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/applyops/applyd/pkg/models"
	"github.com/applyops/applyd/pkg/store"
)

// retrySchedule is the fixed retry ladder for failed appends. After the
// last attempt the append fails for good and the session must fail.
var retrySchedule = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// scheduleBackOff walks a fixed list of waits once.
type scheduleBackOff struct {
	waits []time.Duration
	idx   int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if b.idx >= len(b.waits) {
		return backoff.Stop
	}
	d := b.waits[b.idx]
	b.idx++
	return d
}

func (b *scheduleBackOff) Reset() { b.idx = 0 }

type sessionSeq struct {
	mu     sync.Mutex
	loaded bool
	next   int64
}

// Log appends audit events through the store. Safe for concurrent use;
// appends within one session are serialized to keep sequences gapless.
type Log struct {
	store store.EventStore

	mu       sync.Mutex
	sessions map[uuid.UUID]*sessionSeq
}

// New creates an event log over the given store.
func New(st store.EventStore) *Log {
	return &Log{
		store:    st,
		sessions: make(map[uuid.UUID]*sessionSeq),
	}
}

// Append records one event, assigning its sequence. It retries transient
// store failures on a short fixed schedule; a returned error means the
// event is lost and the session must be failed by the caller.
func (l *Log) Append(ctx context.Context, sessionID uuid.UUID, applicationID *uuid.UUID, typ models.EventType, detail string, payload map[string]any) (*models.Event, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("event type %q outside the closed vocabulary", typ)
	}

	seq := l.sessionSeq(sessionID)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	if !seq.loaded {
		max, err := l.store.MaxEventSequence(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("loading event sequence for session %s: %w", sessionID, err)
		}
		seq.next = max + 1
		seq.loaded = true
	}

	e := &models.Event{
		ID:            uuid.New(),
		SessionID:     sessionID,
		ApplicationID: applicationID,
		Sequence:      seq.next,
		Type:          typ,
		Detail:        detail,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}

	attempt := 0
	op := func() error {
		attempt++
		err := l.store.InsertEvent(ctx, e)
		if err != nil {
			slog.Warn("Event append failed, retrying",
				"session_id", sessionID,
				"event_type", typ,
				"sequence", e.Sequence,
				"attempt", attempt,
				"error", err)
		}
		return err
	}
	b := backoff.WithContext(&scheduleBackOff{waits: retrySchedule}, ctx)
	if err := backoff.Retry(op, b); err != nil {
		slog.Error("Event append exhausted retries",
			"session_id", sessionID,
			"event_type", typ,
			"sequence", e.Sequence,
			"error", err)
		return nil, fmt.Errorf("appending %s event for session %s: %w", typ, sessionID, err)
	}

	seq.next++
	return e, nil
}

func (l *Log) sessionSeq(sessionID uuid.UUID) *sessionSeq {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.sessions[sessionID]
	if !ok {
		s = &sessionSeq{}
		l.sessions[sessionID] = s
	}
	return s
}

// Forget drops the cached sequence for a finished session.
func (l *Log) Forget(sessionID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}
