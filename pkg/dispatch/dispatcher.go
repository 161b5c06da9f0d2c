package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/applyops/applyd/pkg/config"
	"github.com/applyops/applyd/pkg/governor"
	"github.com/applyops/applyd/pkg/models"
	"github.com/applyops/applyd/pkg/policy"
	"github.com/applyops/applyd/pkg/store"
)

// selectionBatch bounds how many queued candidates one Next pass walks.
const selectionBatch = 16

type dispatchMode int

const (
	modeRunning dispatchMode = iota
	modePaused
	modeDraining
)

// Dispatcher picks the next admissible item for one session. Safe for
// concurrent use by all pool workers; the claim section is serialized so
// two workers never fight over one item.
type Dispatcher struct {
	deps    Deps
	stealth *config.StealthConfig
	session *models.Session
	limits  models.SessionLimits

	// OnLimit fires once when a session limit trips the drain.
	OnLimit func(LimitReason)
	// OnFatal fires when the dispatcher cannot keep the audit trail
	// intact; the session must fail.
	OnFatal func(error)

	mu        sync.Mutex
	mode      dispatchMode
	inFlight  int
	limitOnce sync.Once
	claimMu   sync.Mutex
}

// NewDispatcher creates a dispatcher for one session run.
func NewDispatcher(deps Deps, stealth *config.StealthConfig, session *models.Session) *Dispatcher {
	return &Dispatcher{
		deps:    deps,
		stealth: stealth,
		session: session,
		limits:  session.Limits,
	}
}

// Pause stops handing out new items; in-flight items keep running.
func (d *Dispatcher) Pause() { d.setMode(modePaused) }

// Resume reverses Pause.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode == modePaused {
		d.mode = modeRunning
	}
}

// Drain stops handing out new items for good.
func (d *Dispatcher) Drain() { d.setMode(modeDraining) }

func (d *Dispatcher) setMode(m dispatchMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Draining is sticky; pause cannot override it.
	if d.mode == modeDraining && m == modePaused {
		return
	}
	d.mode = m
}

// InFlight returns the number of items currently held by workers.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// release returns one in-flight slot; called by workers on terminal items.
func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight > 0 {
		d.inFlight--
	}
}

// tripLimit drains the session once with the given reason.
func (d *Dispatcher) tripLimit(reason LimitReason) {
	d.setMode(modeDraining)
	d.limitOnce.Do(func() {
		slog.Info("Session limit tripped, draining",
			"session_id", d.session.ID,
			"reason", reason)
		if d.OnLimit != nil {
			d.OnLimit(reason)
		}
	})
}

// fatal reports an unrecoverable dispatch error.
func (d *Dispatcher) fatal(err error) {
	slog.Error("Dispatcher hit a fatal error", "session_id", d.session.ID, "error", err)
	if d.OnFatal != nil {
		d.OnFatal(err)
	}
}

// Next returns the next admitted assignment, or ErrNoItemsAvailable /
// ErrPaused / ErrDraining when the worker should idle.
func (d *Dispatcher) Next(ctx context.Context) (*Assignment, error) {
	d.mu.Lock()
	mode := d.mode
	inFlight := d.inFlight
	d.mu.Unlock()

	switch mode {
	case modePaused:
		return nil, ErrPaused
	case modeDraining:
		return nil, ErrDraining
	}

	sess, err := d.deps.Store.GetSession(ctx, d.session.ID)
	if err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}

	if reason, tripped := d.limitTripped(sess); tripped {
		d.tripLimit(reason)
		return nil, ErrDraining
	}

	maxConcurrent := d.limits.MaxConcurrency
	if maxConcurrent <= 0 || maxConcurrent > d.deps.Pool.WorkerCount {
		maxConcurrent = d.deps.Pool.WorkerCount
	}
	if inFlight >= maxConcurrent {
		return nil, ErrNoItemsAvailable
	}

	d.claimMu.Lock()
	defer d.claimMu.Unlock()

	now := time.Now().UTC()
	items, err := d.deps.Store.NextQueued(ctx, d.session.ID, now, selectionBatch)
	if err != nil {
		return nil, fmt.Errorf("selecting queued items: %w", err)
	}
	if len(items) == 0 {
		return nil, d.maybeExhausted(ctx)
	}

	for _, app := range items {
		assignment, claimed, err := d.tryClaim(ctx, sess, app)
		if err != nil {
			return nil, err
		}
		if claimed {
			return assignment, nil
		}
	}
	return nil, ErrNoItemsAvailable
}

// limitTripped checks the session limits against fresh counters.
func (d *Dispatcher) limitTripped(sess *models.Session) (LimitReason, bool) {
	if d.limits.MaxItems > 0 && sess.Counters.Attempted >= d.limits.MaxItems {
		return LimitMaxItems, true
	}
	if d.limits.MaxDuration > 0 && sess.StartedAt != nil &&
		time.Since(*sess.StartedAt) >= d.limits.MaxDuration {
		return LimitMaxDuration, true
	}
	if d.limits.BudgetCost > 0 && sess.Counters.Cost >= d.limits.BudgetCost {
		return LimitBudgetCost, true
	}
	return "", false
}

// maybeExhausted drains the session when nothing is queued and nothing
// is in flight.
func (d *Dispatcher) maybeExhausted(ctx context.Context) error {
	queued, err := d.deps.Store.ListApplications(ctx, d.session.ID, models.AppQueued, models.AppPaused)
	if err != nil {
		return fmt.Errorf("checking queue depth: %w", err)
	}
	if len(queued) == 0 && d.InFlight() == 0 {
		d.tripLimit(LimitExhausted)
		return ErrDraining
	}
	return ErrNoItemsAvailable
}

// tryClaim runs policy and admission for one candidate. claimed=false
// with nil error means "try the next candidate".
func (d *Dispatcher) tryClaim(ctx context.Context, sess *models.Session, app *models.Application) (*Assignment, bool, error) {
	decision := d.deps.Policy.Evaluate(policy.Input{
		HintEffort:  app.EffortHint,
		MatchScore:  app.MatchScore,
		CompanyTier: app.CompanyTier,
		Domain:      d.stealth.PolicyFor(app.Domain),
	})

	if decision.Skip {
		if err := d.skipItem(ctx, app, decision.SkipReason); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	effort, ceiling, ok := d.fitBudget(sess, decision)
	if !ok {
		d.tripLimit(LimitBudgetCost)
		return nil, false, ErrDraining
	}

	gd := d.deps.Governor.TryAcquire(app.Domain)
	d.deps.Metrics.GovernorVerdicts.WithLabelValues(verdictLabel(gd.Verdict)).Inc()
	switch gd.Verdict {
	case governor.Reject:
		if err := d.skipItem(ctx, app, gd.Reason); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	case governor.Defer:
		return nil, false, nil
	}

	// Admitted. The audit event goes in before the item becomes visible
	// as in_progress; the claim section serializes competing workers.
	if _, err := d.deps.Log.Append(ctx, sess.ID, &app.ID, models.EventItemStarted, "", map[string]any{
		"effort":      string(effort),
		"qa_required": decision.QARequired,
		"match_score": app.MatchScore,
		"domain":      app.Domain,
	}); err != nil {
		d.deps.Governor.Release(app.Domain, governor.ReleaseOK)
		d.fatal(err)
		return nil, false, fmt.Errorf("recording item_started: %w", err)
	}
	d.deps.Metrics.EventsAppended.Inc()

	if err := d.deps.Store.TransitionApplication(ctx, app.ID, models.AppQueued, models.AppInProgress, "", ""); err != nil {
		d.deps.Governor.Release(app.Domain, governor.ReleaseOK)
		if errors.Is(err, store.ErrConflict) {
			// Another process took it; move on.
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claiming item: %w", err)
	}
	if err := d.deps.Store.UpdateApplicationPlan(ctx, app.ID, effort, decision.QARequired); err != nil {
		slog.Warn("Failed to persist effort plan", "application_id", app.ID, "error", err)
	}
	if err := d.deps.Store.IncrementDomainDailyCount(ctx, app.Domain, time.Now().In(sess.Location())); err != nil {
		slog.Warn("Failed to persist domain daily count", "domain", app.Domain, "error", err)
	}

	delta := models.SessionCounters{Attempted: 1, InFlight: 1}
	switch effort {
	case models.EffortLow:
		delta.LowEffort = 1
	case models.EffortMedium:
		delta.MediumEffort = 1
	case models.EffortHigh:
		delta.HighEffort = 1
	}
	if err := d.deps.Store.AddSessionCounters(ctx, sess.ID, delta); err != nil {
		slog.Warn("Failed to update session counters", "session_id", sess.ID, "error", err)
	}

	app.Effort = effort
	app.QARequired = decision.QARequired
	app.Status = models.AppInProgress

	d.mu.Lock()
	d.inFlight++
	d.mu.Unlock()

	return &Assignment{App: app, CostCeiling: ceiling}, true, nil
}

// fitBudget checks the remaining budget against the effort's cost
// ceiling, downgrading when a cheaper effort still fits. ok=false means
// not even low effort fits and the session should drain.
func (d *Dispatcher) fitBudget(sess *models.Session, decision policy.Decision) (models.Effort, float64, bool) {
	if d.limits.BudgetCost <= 0 {
		return decision.Effort, decision.CostCeiling, true
	}
	remaining := d.limits.BudgetCost - sess.Counters.Cost

	order := []models.Effort{models.EffortHigh, models.EffortMedium, models.EffortLow}
	for _, e := range order {
		if e.Rank() > decision.Effort.Rank() {
			continue
		}
		ceiling := d.deps.Policy.CostCeiling(e)
		if ceiling <= 0 || ceiling <= remaining {
			if e != decision.Effort {
				slog.Info("Downgrading effort to fit remaining budget",
					"session_id", sess.ID,
					"from", decision.Effort,
					"to", e,
					"remaining_budget", remaining)
			}
			return e, ceiling, true
		}
	}
	return decision.Effort, decision.CostCeiling, false
}

// skipItem records a policy or governor skip without occupying a worker.
func (d *Dispatcher) skipItem(ctx context.Context, app *models.Application, reason string) error {
	if _, err := d.deps.Log.Append(ctx, app.SessionID, &app.ID, models.EventItemSkipped, reason, nil); err != nil {
		d.fatal(err)
		return fmt.Errorf("recording item_skipped: %w", err)
	}
	d.deps.Metrics.EventsAppended.Inc()

	if err := d.deps.Store.TransitionApplication(ctx, app.ID, models.AppQueued, models.AppSkipped, reason, ""); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return fmt.Errorf("skipping item: %w", err)
	}
	if err := d.deps.Store.AddSessionCounters(ctx, app.SessionID, models.SessionCounters{Attempted: 1, Skipped: 1}); err != nil {
		slog.Warn("Failed to update session counters", "session_id", app.SessionID, "error", err)
	}
	d.deps.Metrics.ItemsFinished.WithLabelValues(string(models.AppSkipped), string(app.EffortHint)).Inc()
	return nil
}

func verdictLabel(v governor.Verdict) string {
	switch v {
	case governor.Admit:
		return "admit"
	case governor.Defer:
		return "defer"
	default:
		return "reject"
	}
}
