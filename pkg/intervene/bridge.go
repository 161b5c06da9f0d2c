// Package intervene is the human-in-the-loop bridge. A worker that hits
// a captcha or two-factor prompt parks its item here and blocks; a human
// (via the HTTP API or Slack) resolves it or the wait times out.
package intervene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is what the executor needs a human for.
type Kind string

const (
	KindCaptcha   Kind = "captcha"
	KindTwoFactor Kind = "two_factor"
)

// Action is the human's verdict.
type Action string

const (
	// ActionResolved means the blocker was cleared; the worker resumes.
	ActionResolved Action = "resolved"
	// ActionSkip abandons this item only.
	ActionSkip Action = "skip"
	// ActionAbort abandons the item and asks the session to stop.
	ActionAbort Action = "abort"
)

// Resolution is the human's answer to one pending intervention.
type Resolution struct {
	Action Action `json:"action"`
	// Value carries a supplied code for two-factor prompts.
	Value      string `json:"value,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// Request describes one pending intervention.
type Request struct {
	ApplicationID uuid.UUID `json:"application_id"`
	SessionID     uuid.UUID `json:"session_id"`
	Kind          Kind      `json:"kind"`
	Detail        string    `json:"detail,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

var (
	// ErrTimeout means no human answered within the window.
	ErrTimeout = errors.New("intervention timed out")

	// ErrNoPendingIntervention means the application has nothing waiting,
	// including the case where it was already resolved.
	ErrNoPendingIntervention = errors.New("no pending intervention")

	// ErrAlreadyPending means the application already has a waiter.
	ErrAlreadyPending = errors.New("intervention already pending")
)

type pending struct {
	req Request
	ch  chan Resolution
}

// Bridge matches blocked workers with human resolutions, keyed by
// application id. Safe for concurrent use.
type Bridge struct {
	timeout time.Duration

	mu      sync.Mutex
	waiting map[uuid.UUID]*pending
}

// New creates a bridge with the given default wait window.
func New(timeout time.Duration) *Bridge {
	return &Bridge{
		timeout: timeout,
		waiting: make(map[uuid.UUID]*pending),
	}
}

// Await registers the request and blocks until a resolution arrives, the
// window elapses (ErrTimeout), or ctx is cancelled. At most one waiter
// per application id.
func (b *Bridge) Await(ctx context.Context, req Request) (Resolution, error) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	p := &pending{req: req, ch: make(chan Resolution, 1)}

	b.mu.Lock()
	if _, exists := b.waiting[req.ApplicationID]; exists {
		b.mu.Unlock()
		return Resolution{}, fmt.Errorf("application %s: %w", req.ApplicationID, ErrAlreadyPending)
	}
	b.waiting[req.ApplicationID] = p
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.waiting[req.ApplicationID] == p {
			delete(b.waiting, req.ApplicationID)
		}
		b.mu.Unlock()
	}()

	slog.Info("Waiting for human intervention",
		"application_id", req.ApplicationID,
		"session_id", req.SessionID,
		"kind", req.Kind,
		"timeout", b.timeout)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		return res, nil
	case <-timer.C:
		return Resolution{}, ErrTimeout
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Resolve delivers a resolution to the waiter. The first resolution wins;
// later calls (or calls for unknown applications) get
// ErrNoPendingIntervention.
func (b *Bridge) Resolve(applicationID uuid.UUID, res Resolution) error {
	b.mu.Lock()
	p, ok := b.waiting[applicationID]
	if ok {
		delete(b.waiting, applicationID)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("application %s: %w", applicationID, ErrNoPendingIntervention)
	}

	p.ch <- res
	slog.Info("Intervention resolved",
		"application_id", applicationID,
		"action", res.Action,
		"resolved_by", res.ResolvedBy)
	return nil
}

// Pending lists the currently waiting requests, oldest first.
func (b *Bridge) Pending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Request, 0, len(b.waiting))
	for _, p := range b.waiting {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}
