package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/applyops/applyd/pkg/executor"
	"github.com/applyops/applyd/pkg/governor"
	"github.com/applyops/applyd/pkg/intervene"
	"github.com/applyops/applyd/pkg/models"
)

// requeueBackoff is the hold applied when an item is returned to the
// queue after an executor transport failure.
const requeueBackoff = 30 * time.Second

// Worker pulls assignments from the dispatcher and drives them through
// the executor. A worker that keeps failing at the transport level
// decommissions itself instead of burning through the queue.
type Worker struct {
	id         string
	deps       Deps
	dispatcher *Dispatcher
	session    *models.Session
	onAbort    func(reason string)
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	done       chan struct{}

	// Health tracking
	mu                  sync.RWMutex
	status              WorkerStatus
	currentApp          string
	itemsProcessed      int
	consecutiveFailures int
	lastActivity        time.Time
}

// NewWorker creates a pool worker. onAbort is invoked when a human
// intervention asks for the whole session to stop.
func NewWorker(id string, deps Deps, dispatcher *Dispatcher, session *models.Session, onAbort func(reason string)) *Worker {
	return &Worker{
		id:           id,
		deps:         deps,
		dispatcher:   dispatcher,
		session:      session,
		onAbort:      onAbort,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its
// current item. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Done is closed when the worker loop exits, for pool supervision.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                  w.id,
		Status:              w.status,
		CurrentApplication:  w.currentApp,
		ItemsProcessed:      w.itemsProcessed,
		ConsecutiveFailures: w.consecutiveFailures,
		LastActivity:        w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.done)

	log := slog.With("worker_id", w.id, "session_id", w.session.ID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if w.decommissioned() {
				log.Error("Worker decommissioned after repeated executor failures")
				return
			}
			assignment, err := w.dispatcher.Next(ctx)
			if err != nil {
				if errors.Is(err, ErrNoItemsAvailable) || errors.Is(err, ErrPaused) || errors.Is(err, ErrDraining) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error fetching next item", "error", err)
				w.sleep(time.Second) // Brief backoff on error
				continue
			}
			w.processAssignment(ctx, assignment)
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.deps.Pool.PollInterval
	jitter := w.deps.Pool.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) decommissioned() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status == WorkerStatusDecommissioned
}

// itemState tracks where an in-flight item is while the executor runs.
type itemState struct {
	mu        sync.Mutex
	current   models.ApplicationStatus
	directive intervene.Action // set when a prompt ends the run early
	timedOut  bool             // intervention wait expired
}

func (s *itemState) set(st models.ApplicationStatus) {
	s.mu.Lock()
	s.current = st
	s.mu.Unlock()
}

func (s *itemState) get() models.ApplicationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

type runResult struct {
	outcome *executor.Outcome
	err     error
	panic   any
}

// processAssignment drives one admitted item to a terminal status. The
// governor slot is released exactly once on every path.
func (w *Worker) processAssignment(ctx context.Context, a *Assignment) {
	log := slog.With("worker_id", w.id, "session_id", w.session.ID, "application_id", a.App.ID)
	w.setStatus(WorkerStatusWorking, a.App.ID.String())
	w.deps.Metrics.WorkersBusy.Inc()
	started := time.Now()
	defer func() {
		w.deps.Metrics.WorkersBusy.Dec()
		w.deps.Metrics.ItemDuration.Observe(time.Since(started).Seconds())
		w.setStatus(WorkerStatusIdle, "")
		w.dispatcher.release()
	}()

	itemCtx, cancelItem := context.WithTimeout(ctx, w.deps.Pool.MaxItemDuration)
	defer cancelItem()

	state := &itemState{current: models.AppInProgress}

	resultCh := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- runResult{panic: r}
			}
		}()
		out, err := w.deps.Executor.Run(itemCtx, executor.Task{
			ApplicationID: a.App.ID,
			SessionID:     a.App.SessionID,
			JobURL:        a.App.JobURL,
			Effort:        a.App.Effort,
			QARequired:    a.App.QARequired,
			ResumeRef:     a.App.ResumeRef,
			ProfileRef:    a.App.ProfileRef,
			CostCeiling:   a.CostCeiling,
		}, w.eventHandler(a, state))
		resultCh <- runResult{outcome: out, err: err}
	}()

	var res runResult
	select {
	case res = <-resultCh:
	case <-time.After(w.deps.Pool.MaxItemDuration + w.deps.Pool.ShutdownWindow):
		// The executor ignored its deadline; abandon the item and free
		// the worker. The run goroutine is left to die with its context.
		cancelItem()
		log.Error("Abandoning item: executor did not return within the shutdown window")
		w.finishFailure(a, state, models.ReasonItemTimeout, "executor unresponsive past deadline")
		w.deps.Governor.Release(a.App.Domain, governor.ReleaseOK)
		return
	}

	w.finish(ctx, a, state, res, log)
}

// finish maps the run result to a terminal item status and releases the
// governor slot.
func (w *Worker) finish(ctx context.Context, a *Assignment, state *itemState, res runResult, log *slog.Logger) {
	if res.panic != nil {
		log.Error("Worker recovered from panic during item processing", "panic", res.panic)
		w.deps.Metrics.WorkerCrashes.Inc()
		w.appendEvent(a, models.EventWorkerCrashed, fmt.Sprintf("%v", res.panic), map[string]any{"worker_id": w.id})
		w.finishFailure(a, state, models.ReasonWorkerException, fmt.Sprintf("panic: %v", res.panic))
		w.deps.Governor.Release(a.App.Domain, governor.ReleaseOK)
		return
	}

	if res.err != nil {
		w.deps.Governor.Release(a.App.Domain, governor.ReleaseOK)
		switch {
		case errors.Is(res.err, context.DeadlineExceeded):
			w.finishFailure(a, state, models.ReasonItemTimeout,
				fmt.Sprintf("item exceeded %v", w.deps.Pool.MaxItemDuration))
		case errors.Is(res.err, context.Canceled):
			w.finishCancelled(a, state)
		default:
			w.handleTransportFailure(ctx, a, state, res.err, log)
		}
		return
	}

	outcome := res.outcome
	switch outcome.Status {
	case executor.OutcomeSubmitted:
		w.deps.Governor.Release(a.App.Domain, governor.ReleaseOK)
		w.finishSubmitted(a, state, outcome)
		w.resetFailures()
	case executor.OutcomeBlocked:
		until, _ := w.deps.Governor.Release(a.App.Domain, governor.ReleaseBlocked)
		w.finishBlocked(ctx, a, state, outcome, until)
		w.resetFailures()
	case executor.OutcomeAbandoned:
		w.deps.Governor.Release(a.App.Domain, governor.ReleaseOK)
		w.finishAbandoned(a, state)
		w.resetFailures()
	default: // OutcomeFailed
		w.deps.Governor.Release(a.App.Domain, governor.ReleaseOK)
		code := outcome.FailureCode
		if code == "" {
			code = models.ReasonUnknown
		}
		w.recordUsage(a, outcome)
		w.finishFailure(a, state, code, outcome.FailureDetail)
		w.resetFailures()
	}
}

// eventHandler consumes mid-run executor events: audit records for
// questions and model usage, and the blocking intervention flow for
// captcha and two-factor prompts.
func (w *Worker) eventHandler(a *Assignment, state *itemState) executor.EventHandler {
	return func(ctx context.Context, ev executor.StreamEvent) (executor.PromptReply, error) {
		switch ev.Type {
		case executor.StreamQuestion:
			if ev.Question == nil {
				return executor.PromptReply{}, nil
			}
			if err := w.deps.Store.InsertQuestions(ctx, a.App.ID, []*models.Question{ev.Question}); err != nil {
				slog.Warn("Failed to record question", "application_id", a.App.ID, "error", err)
			}
			return executor.PromptReply{}, nil

		case executor.StreamUsage:
			if ev.Usage == nil {
				return executor.PromptReply{}, nil
			}
			ev.Usage.SessionID = a.App.SessionID
			ev.Usage.ApplicationID = &a.App.ID
			if err := w.deps.Store.InsertModelUsage(ctx, ev.Usage); err != nil {
				slog.Warn("Failed to record model usage", "application_id", a.App.ID, "error", err)
			}
			return executor.PromptReply{}, nil

		case executor.StreamCaptcha, executor.StreamTwoFactor:
			return w.handlePrompt(ctx, a, state, ev)

		default:
			return executor.PromptReply{}, nil
		}
	}
}

// handlePrompt pauses the item and waits for a human. The governor slot
// stays held for the whole wait so the domain's concurrency cap remains
// honest about the open browser session.
func (w *Worker) handlePrompt(ctx context.Context, a *Assignment, state *itemState, ev executor.StreamEvent) (executor.PromptReply, error) {
	kind := intervene.KindCaptcha
	detectEvent := models.EventCaptchaDetected
	resolveEvent := models.EventCaptchaSolved
	if ev.Type == executor.StreamTwoFactor {
		kind = intervene.KindTwoFactor
		detectEvent = models.EventTwoFactorRequested
		resolveEvent = models.EventTwoFactorSupplied
	}

	w.appendEvent(a, detectEvent, ev.Detail, nil)
	if kind == intervene.KindCaptcha {
		// No automatic solver; the captcha goes straight to a human.
		w.appendEvent(a, models.EventCaptchaFailed, "auto-solve unavailable", nil)
	}
	if err := w.deps.Store.TransitionApplication(ctx, a.App.ID, models.AppInProgress, models.AppPaused, "", ev.Detail); err != nil {
		slog.Warn("Failed to pause item for intervention", "application_id", a.App.ID, "error", err)
	} else {
		state.set(models.AppPaused)
	}

	req := intervene.Request{
		ApplicationID: a.App.ID,
		SessionID:     a.App.SessionID,
		Kind:          kind,
		Detail:        ev.Detail,
		RequestedAt:   time.Now().UTC(),
	}
	deadline := req.RequestedAt.Add(w.deps.Intervene.Timeout)
	w.appendEvent(a, models.EventInterventionRequested, ev.Detail, map[string]any{"kind": string(kind)})
	w.deps.Notifier.NotifyIntervention(ctx, req, deadline)

	res, err := w.deps.Bridge.Await(ctx, req)
	switch {
	case errors.Is(err, intervene.ErrTimeout):
		state.mu.Lock()
		state.timedOut = true
		state.mu.Unlock()
		w.appendEvent(a, models.EventInterventionTimeout, "", map[string]any{"kind": string(kind)})
		w.deps.Metrics.Interventions.WithLabelValues(string(kind), "timeout").Inc()
		return executor.PromptReply{Proceed: false}, nil
	case err != nil:
		// Session cancelled or stopped while waiting.
		return executor.PromptReply{Proceed: false}, nil
	}

	w.appendEvent(a, models.EventInterventionResolved, string(res.Action),
		map[string]any{"kind": string(kind), "resolved_by": res.ResolvedBy})
	w.deps.Metrics.Interventions.WithLabelValues(string(kind), string(res.Action)).Inc()

	if res.Action == intervene.ActionResolved {
		w.appendEvent(a, resolveEvent, "", nil)
		if err := w.deps.Store.TransitionApplication(ctx, a.App.ID, models.AppPaused, models.AppInProgress, "", ""); err != nil {
			slog.Warn("Failed to resume item after intervention", "application_id", a.App.ID, "error", err)
		} else {
			state.set(models.AppInProgress)
		}
		return executor.PromptReply{Proceed: true, Value: res.Value}, nil
	}

	state.mu.Lock()
	state.directive = res.Action
	state.mu.Unlock()
	return executor.PromptReply{Proceed: false}, nil
}

// handleTransportFailure requeues the item once with a short hold, then
// fails it. Repeated transport failures decommission the worker.
func (w *Worker) handleTransportFailure(ctx context.Context, a *Assignment, state *itemState, runErr error, log *slog.Logger) {
	w.mu.Lock()
	w.consecutiveFailures++
	failures := w.consecutiveFailures
	if failures >= w.deps.Pool.MaxConsecutiveFailures {
		w.status = WorkerStatusDecommissioned
	}
	w.mu.Unlock()

	log.Error("Executor run failed", "error", runErr, "consecutive_failures", failures)

	if a.App.Requeues == 0 && state.get() == models.AppInProgress {
		w.appendEvent(a, models.EventItemQueued, "requeued after executor failure",
			map[string]any{"requeues": a.App.Requeues + 1})
		if err := w.deps.Store.RequeueApplication(ctx, a.App.ID, time.Now().UTC().Add(requeueBackoff)); err == nil {
			w.deps.Metrics.RequeuedItems.Inc()
			// The item left the in-flight set without reaching a
			// terminal status; unwind its share of the counters.
			delta := models.SessionCounters{Attempted: -1, InFlight: -1}
			switch a.App.Effort {
			case models.EffortLow:
				delta.LowEffort = -1
			case models.EffortMedium:
				delta.MediumEffort = -1
			case models.EffortHigh:
				delta.HighEffort = -1
			}
			if err := w.deps.Store.AddSessionCounters(ctx, a.App.SessionID, delta); err != nil {
				slog.Warn("Failed to unwind session counters", "session_id", a.App.SessionID, "error", err)
			}
			return
		}
		log.Warn("Requeue failed, failing item instead")
	}

	w.finishFailure(a, state, models.ReasonWorkerException, runErr.Error())
}

func (w *Worker) finishSubmitted(a *Assignment, state *itemState, outcome *executor.Outcome) {
	now := time.Now().UTC()
	w.appendEvent(a, models.EventItemSubmitted, "", map[string]any{
		"tokens_in":  outcome.TokensIn,
		"tokens_out": outcome.TokensOut,
		"cost":       outcome.Cost,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.deps.Store.UpdateApplicationResult(ctx, a.App.ID, outcome.TokensIn, outcome.TokensOut, outcome.Cost, &now); err != nil {
		slog.Warn("Failed to record submission result", "application_id", a.App.ID, "error", err)
	}
	if err := w.deps.Store.TransitionApplication(ctx, a.App.ID, state.get(), models.AppSubmitted, "", ""); err != nil {
		slog.Error("Failed to mark item submitted", "application_id", a.App.ID, "error", err)
	}
	if err := w.deps.Store.AddSessionCounters(ctx, a.App.SessionID, models.SessionCounters{
		Succeeded: 1, InFlight: -1,
		TokensIn: outcome.TokensIn, TokensOut: outcome.TokensOut, Cost: outcome.Cost,
	}); err != nil {
		slog.Warn("Failed to update session counters", "session_id", a.App.SessionID, "error", err)
	}
	w.deps.Metrics.ItemsFinished.WithLabelValues(string(models.AppSubmitted), string(a.App.Effort)).Inc()
	w.deps.Metrics.ModelCost.Add(outcome.Cost)
	w.bumpProcessed()
}

func (w *Worker) finishFailure(a *Assignment, state *itemState, code, detail string) {
	w.appendEvent(a, models.EventItemFailed, code, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.deps.Store.TransitionApplication(ctx, a.App.ID, state.get(), models.AppFailed, code, detail); err != nil {
		slog.Error("Failed to mark item failed", "application_id", a.App.ID, "code", code, "error", err)
	}
	if err := w.deps.Store.AddSessionCounters(ctx, a.App.SessionID, models.SessionCounters{Failed: 1, InFlight: -1}); err != nil {
		slog.Warn("Failed to update session counters", "session_id", a.App.SessionID, "error", err)
	}
	w.deps.Metrics.ItemsFinished.WithLabelValues(string(models.AppFailed), string(a.App.Effort)).Inc()
	w.bumpProcessed()
}

func (w *Worker) finishCancelled(a *Assignment, state *itemState) {
	w.appendEvent(a, models.EventItemFailed, models.ReasonSessionCancelled, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.deps.Store.TransitionApplication(ctx, a.App.ID, state.get(), models.AppCancelled, models.ReasonSessionCancelled, ""); err != nil {
		slog.Error("Failed to mark item cancelled", "application_id", a.App.ID, "error", err)
	}
	if err := w.deps.Store.AddSessionCounters(ctx, a.App.SessionID, models.SessionCounters{Cancelled: 1, InFlight: -1}); err != nil {
		slog.Warn("Failed to update session counters", "session_id", a.App.SessionID, "error", err)
	}
	w.deps.Metrics.ItemsFinished.WithLabelValues(string(models.AppCancelled), string(a.App.Effort)).Inc()
	w.bumpProcessed()
}

// finishBlocked handles site pushback: the domain cools down and the
// item gets one retry after the cooldown.
func (w *Worker) finishBlocked(ctx context.Context, a *Assignment, state *itemState, outcome *executor.Outcome, until time.Time) {
	w.appendEvent(a, models.EventRateLimitApplied, outcome.FailureDetail, map[string]any{"domain": a.App.Domain})
	w.appendEvent(a, models.EventDomainBlocked, "", map[string]any{
		"domain":        a.App.Domain,
		"blocked_until": until.Format(time.RFC3339),
	})
	w.deps.Metrics.DomainBlocks.Inc()

	if err := w.deps.Store.UpsertDomainBlock(ctx, a.App.Domain, &until); err != nil {
		slog.Warn("Failed to persist domain block", "domain", a.App.Domain, "error", err)
	}

	if a.App.Requeues == 0 && state.get() == models.AppInProgress {
		if err := w.deps.Store.RequeueApplication(ctx, a.App.ID, until); err == nil {
			w.deps.Metrics.RequeuedItems.Inc()
			delta := models.SessionCounters{Attempted: -1, InFlight: -1}
			switch a.App.Effort {
			case models.EffortLow:
				delta.LowEffort = -1
			case models.EffortMedium:
				delta.MediumEffort = -1
			case models.EffortHigh:
				delta.HighEffort = -1
			}
			if err := w.deps.Store.AddSessionCounters(ctx, a.App.SessionID, delta); err != nil {
				slog.Warn("Failed to unwind session counters", "session_id", a.App.SessionID, "error", err)
			}
			return
		}
	}
	w.finishFailure(a, state, models.ReasonRateRejected, outcome.FailureDetail)
}

// finishAbandoned resolves a run that ended on a declined prompt. An
// unanswered intervention fails the item; an explicit human skip or
// abort marks it skipped.
func (w *Worker) finishAbandoned(a *Assignment, state *itemState) {
	state.mu.Lock()
	directive := state.directive
	timedOut := state.timedOut
	state.mu.Unlock()

	if timedOut {
		w.finishFailure(a, state, models.ReasonInterventionTimeout, "no resolution before the deadline")
		return
	}

	code := models.ReasonInterventionSkip
	if directive == intervene.ActionAbort {
		code = models.ReasonInterventionAbort
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w.appendEvent(a, models.EventItemSkipped, code, nil)
	if err := w.deps.Store.TransitionApplication(ctx, a.App.ID, state.get(), models.AppSkipped, code, ""); err != nil {
		slog.Error("Failed to mark item skipped", "application_id", a.App.ID, "error", err)
	}
	if err := w.deps.Store.AddSessionCounters(ctx, a.App.SessionID, models.SessionCounters{Skipped: 1, InFlight: -1}); err != nil {
		slog.Warn("Failed to update session counters", "session_id", a.App.SessionID, "error", err)
	}
	w.deps.Metrics.ItemsFinished.WithLabelValues(string(models.AppSkipped), string(a.App.Effort)).Inc()
	w.bumpProcessed()

	if directive == intervene.ActionAbort && w.onAbort != nil {
		w.onAbort(models.ReasonInterventionAbort)
	}
}

// recordUsage folds outcome usage into the session counters for failed
// runs, where no submitted path records it.
func (w *Worker) recordUsage(a *Assignment, outcome *executor.Outcome) {
	if outcome.TokensIn == 0 && outcome.TokensOut == 0 && outcome.Cost == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := w.deps.Store.UpdateApplicationResult(ctx, a.App.ID, outcome.TokensIn, outcome.TokensOut, outcome.Cost, nil); err != nil {
		slog.Warn("Failed to record usage on failed item", "application_id", a.App.ID, "error", err)
	}
	if err := w.deps.Store.AddSessionCounters(ctx, a.App.SessionID, models.SessionCounters{
		TokensIn: outcome.TokensIn, TokensOut: outcome.TokensOut, Cost: outcome.Cost,
	}); err != nil {
		slog.Warn("Failed to update session counters", "session_id", a.App.SessionID, "error", err)
	}
	w.deps.Metrics.ModelCost.Add(outcome.Cost)
}

// appendEvent records an audit event; a lost event is fatal for the
// session and is reported through the dispatcher.
func (w *Worker) appendEvent(a *Assignment, typ models.EventType, detail string, payload map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := w.deps.Log.Append(ctx, a.App.SessionID, &a.App.ID, typ, detail, payload); err != nil {
		w.dispatcher.fatal(err)
		return
	}
	w.deps.Metrics.EventsAppended.Inc()
}

func (w *Worker) bumpProcessed() {
	w.mu.Lock()
	w.itemsProcessed++
	w.mu.Unlock()
}

func (w *Worker) resetFailures() {
	w.mu.Lock()
	w.consecutiveFailures = 0
	w.mu.Unlock()
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, appID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// Decommissioning is sticky.
	if w.status == WorkerStatusDecommissioned {
		return
	}
	w.status = status
	w.currentApp = appID
	w.lastActivity = time.Now()
}
