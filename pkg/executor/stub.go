package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applyops/applyd/pkg/models"
)

// StubRun scripts the behavior of one stub execution.
type StubRun struct {
	// Events are replayed in order before the outcome.
	Events []StreamEvent
	// Outcome terminates the run. Zero value submits successfully.
	Outcome Outcome
	// Delay is applied before the outcome, after the events.
	Delay time.Duration
	// Err aborts the run as a transport-level failure.
	Err error
}

// Stub is a scriptable in-process executor for tests and --dry-run.
// Without a script every task submits successfully with token usage
// typical for its effort level.
type Stub struct {
	// Script picks the behavior for a task. Nil uses the default.
	Script func(Task) StubRun

	mu   sync.Mutex
	runs []Task
}

var _ Executor = (*Stub)(nil)

// NewStub creates a stub with default always-succeed behavior.
func NewStub() *Stub {
	return &Stub{}
}

// Runs returns the tasks executed so far.
func (s *Stub) Runs() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.runs))
	copy(out, s.runs)
	return out
}

func (s *Stub) Run(ctx context.Context, task Task, onEvent EventHandler) (*Outcome, error) {
	s.mu.Lock()
	s.runs = append(s.runs, task)
	script := s.Script
	s.mu.Unlock()

	run := defaultRun(task)
	if script != nil {
		run = script(task)
	}
	if run.Err != nil {
		return nil, run.Err
	}

	for _, ev := range run.Events {
		reply, err := onEvent(ctx, ev)
		if err != nil {
			return nil, err
		}
		if (ev.Type == StreamCaptcha || ev.Type == StreamTwoFactor) && !reply.Proceed {
			out := Outcome{Status: OutcomeAbandoned}
			return &out, nil
		}
	}

	if run.Delay > 0 {
		select {
		case <-time.After(run.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := run.Outcome
	if out.Status == "" {
		out.Status = OutcomeSubmitted
	}
	return &out, nil
}

// defaultRun submits successfully with usage scaled by effort.
func defaultRun(task Task) StubRun {
	tokens := map[models.Effort]int64{
		models.EffortLow:    800,
		models.EffortMedium: 3200,
		models.EffortHigh:   9000,
	}[task.Effort]
	cost := map[models.Effort]float64{
		models.EffortLow:    0.01,
		models.EffortMedium: 0.05,
		models.EffortHigh:   0.22,
	}[task.Effort]

	return StubRun{
		Events: []StreamEvent{{
			Type: StreamQuestion,
			Question: &models.Question{
				ID:            uuid.New(),
				ApplicationID: task.ApplicationID,
				Field:         models.FieldDescriptor{Type: "text", Label: "Full name", Required: true},
				Value:         "from profile",
				Source:        models.SourceProfile,
				Confidence:    1.0,
			},
		}},
		Outcome: Outcome{
			Status:    OutcomeSubmitted,
			TokensIn:  tokens,
			TokensOut: tokens / 4,
			Cost:      cost,
		},
	}
}
