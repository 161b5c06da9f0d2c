// Package session owns the session lifecycle: creation, enqueueing,
// start/pause/resume/stop/cancel, the heartbeat, terminal digests, and
// startup crash recovery.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applyops/applyd/pkg/config"
	"github.com/applyops/applyd/pkg/dispatch"
	"github.com/applyops/applyd/pkg/eventlog"
	"github.com/applyops/applyd/pkg/executor"
	"github.com/applyops/applyd/pkg/governor"
	"github.com/applyops/applyd/pkg/intervene"
	"github.com/applyops/applyd/pkg/metrics"
	"github.com/applyops/applyd/pkg/models"
	"github.com/applyops/applyd/pkg/notify"
	"github.com/applyops/applyd/pkg/policy"
	"github.com/applyops/applyd/pkg/store"
)

var (
	// ErrNotRunning indicates the session is not in a state that accepts
	// the requested lifecycle operation.
	ErrNotRunning = errors.New("session is not running")

	// ErrAlreadyStarted indicates Start was called on a session that
	// already left the planned state.
	ErrAlreadyStarted = errors.New("session already started")
)

// Controller drives sessions through their lifecycle. One controller
// serves the whole process; each started session gets its own
// dispatcher, worker pool, and heartbeat.
type Controller struct {
	cfg      *config.Config
	store    store.Store
	log      *eventlog.Log
	governor *governor.Governor
	policy   *policy.Evaluator
	executor executor.Executor
	bridge   *intervene.Bridge
	notifier *notify.Service
	metrics  *metrics.Metrics

	mu   sync.Mutex
	runs map[uuid.UUID]*run
}

// run is the live state of one started session.
type run struct {
	session    *models.Session
	dispatcher *dispatch.Dispatcher
	pool       *dispatch.Pool
	cancel     context.CancelFunc
	stopBeat   chan struct{}
	finishOnce sync.Once
	done       chan struct{}
}

// NewController wires a session controller. notifier may be nil.
func NewController(
	cfg *config.Config,
	st store.Store,
	log *eventlog.Log,
	gov *governor.Governor,
	pol *policy.Evaluator,
	exec executor.Executor,
	bridge *intervene.Bridge,
	notifier *notify.Service,
	m *metrics.Metrics,
) *Controller {
	return &Controller{
		cfg:      cfg,
		store:    st,
		log:      log,
		governor: gov,
		policy:   pol,
		executor: exec,
		bridge:   bridge,
		notifier: notifier,
		metrics:  m,
		runs:     make(map[uuid.UUID]*run),
	}
}

// CreateRequest describes a new session. Zero limits fall back to the
// configured session defaults.
type CreateRequest struct {
	UserID   uuid.UUID
	Name     string
	Limits   models.SessionLimits
	Timezone string
}

// Create registers a planned session.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*models.Session, error) {
	limits := req.Limits
	if limits.MaxItems <= 0 {
		limits.MaxItems = c.cfg.Sessions.MaxItems
	}
	if limits.MaxDuration <= 0 {
		limits.MaxDuration = c.cfg.Sessions.MaxDuration
	}
	if limits.MaxConcurrency <= 0 {
		limits.MaxConcurrency = c.cfg.Sessions.MaxConcurrency
	}
	if limits.BudgetCost <= 0 {
		limits.BudgetCost = c.cfg.Sessions.BudgetCost
	}
	tz := req.Timezone
	if tz == "" {
		tz = c.cfg.System.Timezone
	}

	sess := &models.Session{
		ID:       uuid.New(),
		UserID:   req.UserID,
		Name:     req.Name,
		Status:   models.SessionPlanned,
		Limits:   limits,
		Timezone: tz,
	}
	if err := c.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	slog.Info("Session created",
		"session_id", sess.ID,
		"max_items", limits.MaxItems,
		"budget_cost", limits.BudgetCost)
	return sess, nil
}

// EnqueueItem is one job posting to add to a session's queue.
type EnqueueItem struct {
	JobURL      string
	JobTitle    string
	Company     string
	CompanyTier models.CompanyTier
	EffortHint  models.Effort
	MatchScore  float64
	ResumeRef   string
	ProfileRef  string
}

// Enqueue adds items to a planned or running session. Each item gets its
// canonical domain derived from the job URL and an item_queued event.
func (c *Controller) Enqueue(ctx context.Context, sessionID uuid.UUID, items []EnqueueItem) ([]*models.Application, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != models.SessionPlanned && sess.Status != models.SessionRunning && sess.Status != models.SessionPaused {
		return nil, fmt.Errorf("session is %s: %w", sess.Status, ErrNotRunning)
	}

	apps := make([]*models.Application, 0, len(items))
	for _, item := range items {
		domain, err := models.CanonicalDomain(item.JobURL)
		if err != nil {
			return nil, fmt.Errorf("item %q: %w", item.JobURL, err)
		}
		apps = append(apps, &models.Application{
			ID:          uuid.New(),
			SessionID:   sessionID,
			UserID:      sess.UserID,
			JobURL:      item.JobURL,
			JobTitle:    item.JobTitle,
			Company:     item.Company,
			CompanyTier: item.CompanyTier,
			Domain:      domain,
			EffortHint:  item.EffortHint,
			MatchScore:  item.MatchScore,
			ResumeRef:   item.ResumeRef,
			ProfileRef:  item.ProfileRef,
			Status:      models.AppQueued,
		})
	}

	// The audit trail records the enqueue before the items become
	// claimable.
	for _, app := range apps {
		if _, err := c.log.Append(ctx, sessionID, &app.ID, models.EventItemQueued, "", map[string]any{
			"domain":      app.Domain,
			"match_score": app.MatchScore,
		}); err != nil {
			return nil, fmt.Errorf("recording item_queued: %w", err)
		}
		c.metrics.EventsAppended.Inc()
	}
	if err := c.store.EnqueueApplications(ctx, apps); err != nil {
		return nil, fmt.Errorf("enqueueing items: %w", err)
	}
	slog.Info("Items enqueued", "session_id", sessionID, "count", len(apps))
	return apps, nil
}

// Start moves a planned session to running and launches its worker pool.
func (c *Controller) Start(ctx context.Context, sessionID uuid.UUID) error {
	c.mu.Lock()
	if _, ok := c.runs[sessionID]; ok {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	if err := c.store.TransitionSession(ctx, sessionID, models.SessionPlanned, models.SessionRunning); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrIllegalTransition) {
			return fmt.Errorf("%w: %v", ErrAlreadyStarted, err)
		}
		return fmt.Errorf("starting session: %w", err)
	}
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	deps := dispatch.Deps{
		Store:     c.store,
		Log:       c.log,
		Governor:  c.governor,
		Policy:    c.policy,
		Executor:  c.executor,
		Bridge:    c.bridge,
		Notifier:  c.notifier,
		Metrics:   c.metrics,
		Pool:      c.cfg.Pool,
		Intervene: c.cfg.Intervention,
	}
	r := &run{
		session:  sess,
		cancel:   cancel,
		stopBeat: make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.dispatcher = dispatch.NewDispatcher(deps, c.cfg.Stealth, sess)
	r.dispatcher.OnLimit = func(reason dispatch.LimitReason) {
		go c.complete(r, string(reason))
	}
	r.dispatcher.OnFatal = func(err error) {
		go c.fail(r, err)
	}
	r.pool = dispatch.NewPool(deps, r.dispatcher, sess, func(reason string) {
		go c.complete(r, reason)
	})

	c.mu.Lock()
	c.runs[sessionID] = r
	c.mu.Unlock()

	if err := r.pool.Start(runCtx); err != nil {
		cancel()
		c.dropRun(sessionID)
		return err
	}
	go c.heartbeat(r)
	c.metrics.SessionsActive.Inc()

	slog.Info("Session started", "session_id", sessionID, "workers", c.cfg.Pool.WorkerCount)
	return nil
}

// Pause suspends assignment of new items; in-flight items keep running.
func (c *Controller) Pause(ctx context.Context, sessionID uuid.UUID) error {
	r, err := c.activeRun(sessionID)
	if err != nil {
		return err
	}
	if err := c.store.TransitionSession(ctx, sessionID, models.SessionRunning, models.SessionPaused); err != nil {
		return fmt.Errorf("pausing session: %w", err)
	}
	r.dispatcher.Pause()
	if _, err := c.log.Append(ctx, sessionID, nil, models.EventSessionPaused, "", nil); err != nil {
		go c.fail(r, err)
		return err
	}
	c.metrics.EventsAppended.Inc()
	slog.Info("Session paused", "session_id", sessionID)
	return nil
}

// Resume reverses Pause.
func (c *Controller) Resume(ctx context.Context, sessionID uuid.UUID) error {
	r, err := c.activeRun(sessionID)
	if err != nil {
		return err
	}
	if err := c.store.TransitionSession(ctx, sessionID, models.SessionPaused, models.SessionRunning); err != nil {
		return fmt.Errorf("resuming session: %w", err)
	}
	r.dispatcher.Resume()
	if _, err := c.log.Append(ctx, sessionID, nil, models.EventSessionResumed, "", nil); err != nil {
		go c.fail(r, err)
		return err
	}
	c.metrics.EventsAppended.Inc()
	slog.Info("Session resumed", "session_id", sessionID)
	return nil
}

// Stop drains the session gracefully: no new assignments, in-flight
// items finish, then the session completes. Stop returns once the drain
// is initiated; Wait blocks until the session is terminal.
func (c *Controller) Stop(ctx context.Context, sessionID uuid.UUID) error {
	r, err := c.activeRun(sessionID)
	if err != nil {
		return err
	}
	go c.complete(r, "operator_stop")
	return nil
}

// Cancel aborts the session: in-flight items are cancelled, queued items
// marked cancelled, and the session ends cancelled.
func (c *Controller) Cancel(ctx context.Context, sessionID uuid.UUID) error {
	r, err := c.activeRun(sessionID)
	if err != nil {
		return err
	}
	go c.cancelRun(r)
	return nil
}

// StopAll drains every live run and blocks until all are terminal, for
// process shutdown.
func (c *Controller) StopAll(ctx context.Context) {
	c.mu.Lock()
	live := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		live = append(live, r)
	}
	c.mu.Unlock()

	for _, r := range live {
		go c.complete(r, "process_shutdown")
	}
	for _, r := range live {
		select {
		case <-r.done:
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until the session's run finishes, for CLI and tests.
func (c *Controller) Wait(sessionID uuid.UUID) {
	c.mu.Lock()
	r, ok := c.runs[sessionID]
	c.mu.Unlock()
	if ok {
		<-r.done
	}
}

// PoolHealth returns worker pool health for an active session.
func (c *Controller) PoolHealth(sessionID uuid.UUID) (dispatch.PoolHealth, bool) {
	c.mu.Lock()
	r, ok := c.runs[sessionID]
	c.mu.Unlock()
	if !ok {
		return dispatch.PoolHealth{}, false
	}
	return r.pool.Health(), true
}

// complete drains and finishes the session as completed. Safe to call
// multiple times; only the first caller finalizes.
func (c *Controller) complete(r *run, reason string) {
	r.finishOnce.Do(func() {
		defer close(r.done)
		sessionID := r.session.ID
		slog.Info("Draining session", "session_id", sessionID, "reason", reason)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		r.dispatcher.Drain()
		// running|paused -> draining; ignore conflicts from races with
		// the limit path.
		c.transitionToDraining(ctx, sessionID)

		// Workers finish their current items before Stop returns.
		r.pool.Stop()
		close(r.stopBeat)
		r.cancel()

		if err := c.finalize(ctx, sessionID, models.SessionDraining, models.SessionCompleted, reason); err != nil {
			slog.Error("Failed to finalize session", "session_id", sessionID, "error", err)
		}
		c.dropRun(sessionID)
	})
}

// cancelRun aborts in-flight work and finishes the session as cancelled.
func (c *Controller) cancelRun(r *run) {
	r.finishOnce.Do(func() {
		defer close(r.done)
		sessionID := r.session.ID
		slog.Info("Cancelling session", "session_id", sessionID)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		r.dispatcher.Drain()
		for _, from := range []models.SessionStatus{models.SessionRunning, models.SessionPaused, models.SessionDraining} {
			if err := c.store.TransitionSession(ctx, sessionID, from, models.SessionCancelling); err == nil {
				break
			}
		}

		// Cancelling the run context unblocks executors and intervention
		// waits; workers record their items as cancelled.
		r.cancel()
		r.pool.Stop()
		close(r.stopBeat)

		c.cancelQueuedItems(ctx, sessionID)

		if err := c.finalize(ctx, sessionID, models.SessionCancelling, models.SessionCancelled, "cancelled"); err != nil {
			slog.Error("Failed to finalize cancelled session", "session_id", sessionID, "error", err)
		}
		c.dropRun(sessionID)
	})
}

// fail moves the session to failed after an unrecoverable error, such as
// a lost audit event.
func (c *Controller) fail(r *run, cause error) {
	r.finishOnce.Do(func() {
		defer close(r.done)
		sessionID := r.session.ID
		slog.Error("Session failing", "session_id", sessionID, "error", cause)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		r.dispatcher.Drain()
		for _, from := range []models.SessionStatus{models.SessionRunning, models.SessionPaused, models.SessionDraining, models.SessionCancelling} {
			if err := c.store.TransitionSession(ctx, sessionID, from, models.SessionFailing); err == nil {
				break
			}
		}

		r.cancel()
		r.pool.Stop()
		close(r.stopBeat)

		if err := c.store.TransitionSession(ctx, sessionID, models.SessionFailing, models.SessionFailed); err != nil {
			slog.Error("Failed to mark session failed", "session_id", sessionID, "error", err)
		}
		c.notifier.NotifyFatal(ctx, sessionID.String(), cause.Error())
		c.metrics.SessionsActive.Dec()
		c.log.Forget(sessionID)
		c.dropRun(sessionID)
	})
}

// finalize writes the digest and moves the session to its terminal
// status. The digest and the session_completed event are written after
// the terminal transition; counters are frozen by then.
func (c *Controller) finalize(ctx context.Context, sessionID uuid.UUID, from, to models.SessionStatus, reason string) error {
	if err := c.store.TransitionSession(ctx, sessionID, from, to); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	c.metrics.SessionsActive.Dec()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	digest, err := BuildDigest(ctx, c.store, sess)
	if err != nil {
		return fmt.Errorf("building digest: %w", err)
	}
	if err := c.store.SaveDigest(ctx, digest); err != nil {
		return fmt.Errorf("saving digest: %w", err)
	}

	if _, err := c.log.Append(ctx, sessionID, nil, models.EventSessionCompleted, reason, map[string]any{
		"status":    string(to),
		"attempted": sess.Counters.Attempted,
		"succeeded": sess.Counters.Succeeded,
		"cost":      sess.Counters.Cost,
	}); err != nil {
		slog.Error("Failed to record session completion", "session_id", sessionID, "error", err)
	} else {
		c.metrics.EventsAppended.Inc()
	}

	c.notifier.NotifyDigest(ctx, digest, to)
	c.log.Forget(sessionID)

	slog.Info("Session finished",
		"session_id", sessionID,
		"status", to,
		"attempted", sess.Counters.Attempted,
		"succeeded", sess.Counters.Succeeded,
		"failed", sess.Counters.Failed,
		"skipped", sess.Counters.Skipped,
		"cost", sess.Counters.Cost)
	return nil
}

func (c *Controller) transitionToDraining(ctx context.Context, sessionID uuid.UUID) {
	for _, from := range []models.SessionStatus{models.SessionRunning, models.SessionPaused} {
		if err := c.store.TransitionSession(ctx, sessionID, from, models.SessionDraining); err == nil {
			return
		}
	}
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil || sess.Status != models.SessionDraining {
		slog.Warn("Session not in a drainable state", "session_id", sessionID)
	}
}

// cancelQueuedItems marks every still-queued or paused item cancelled.
func (c *Controller) cancelQueuedItems(ctx context.Context, sessionID uuid.UUID) {
	apps, err := c.store.ListApplications(ctx, sessionID, models.AppQueued, models.AppPaused)
	if err != nil {
		slog.Warn("Failed to list queued items for cancellation", "session_id", sessionID, "error", err)
		return
	}
	cancelled := 0
	for _, app := range apps {
		// Same terminal event the worker path writes, event before state.
		if _, err := c.log.Append(ctx, sessionID, &app.ID, models.EventItemFailed, models.ReasonSessionCancelled, nil); err != nil {
			slog.Error("Failed to record item cancellation", "application_id", app.ID, "error", err)
			continue
		}
		c.metrics.EventsAppended.Inc()
		if err := c.store.TransitionApplication(ctx, app.ID, app.Status, models.AppCancelled, models.ReasonSessionCancelled, ""); err != nil {
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		if err := c.store.AddSessionCounters(ctx, sessionID, models.SessionCounters{Cancelled: cancelled}); err != nil {
			slog.Warn("Failed to update cancel counters", "session_id", sessionID, "error", err)
		}
	}
}

// heartbeat refreshes the session liveness timestamp while it runs.
func (c *Controller) heartbeat(r *run) {
	ticker := time.NewTicker(c.cfg.Pool.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopBeat:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.store.TouchSessionHeartbeat(ctx, r.session.ID, time.Now().UTC()); err != nil {
				slog.Warn("Failed to refresh session heartbeat", "session_id", r.session.ID, "error", err)
			}
			cancel()
		}
	}
}

func (c *Controller) activeRun(sessionID uuid.UUID) (*run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotRunning)
	}
	return r, nil
}

func (c *Controller) dropRun(sessionID uuid.UUID) {
	c.mu.Lock()
	delete(c.runs, sessionID)
	c.mu.Unlock()
}
