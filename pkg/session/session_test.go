package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyops/applyd/pkg/config"
	"github.com/applyops/applyd/pkg/eventlog"
	"github.com/applyops/applyd/pkg/executor"
	"github.com/applyops/applyd/pkg/governor"
	"github.com/applyops/applyd/pkg/intervene"
	"github.com/applyops/applyd/pkg/metrics"
	"github.com/applyops/applyd/pkg/models"
	"github.com/applyops/applyd/pkg/policy"
	"github.com/applyops/applyd/pkg/store/memory"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Pool.WorkerCount = 2
	cfg.Pool.PollInterval = 5 * time.Millisecond
	cfg.Pool.PollIntervalJitter = 0
	cfg.Pool.MaxItemDuration = 2 * time.Second
	cfg.Pool.ShutdownWindow = 500 * time.Millisecond
	cfg.Pool.HeartbeatInterval = 20 * time.Millisecond
	cfg.Stealth.Default = models.DomainPolicy{
		MaxPerDay:     100,
		MaxConcurrent: 10,
		Cooldown:      10 * time.Minute,
	}
	return cfg
}

type harness struct {
	cfg        *config.Config
	store      *memory.Store
	controller *Controller
	stub       *executor.Stub
	bridge     *intervene.Bridge
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig()
	st := memory.New()
	stub := executor.NewStub()
	bridge := intervene.New(cfg.Intervention.Timeout)
	ctrl := NewController(
		cfg,
		st,
		eventlog.New(st),
		governor.New(cfg.Stealth, cfg.Location()),
		policy.New(cfg.EffortPolicy),
		stub,
		bridge,
		nil,
		metrics.New(),
	)
	return &harness{cfg: cfg, store: st, controller: ctrl, stub: stub, bridge: bridge}
}

func (h *harness) createAndEnqueue(t *testing.T, urls ...string) *models.Session {
	t.Helper()
	sess, err := h.controller.Create(context.Background(), CreateRequest{
		UserID: uuid.New(),
		Name:   "batch",
	})
	require.NoError(t, err)

	items := make([]EnqueueItem, 0, len(urls))
	for _, u := range urls {
		items = append(items, EnqueueItem{
			JobURL:     u,
			EffortHint: models.EffortMedium,
			MatchScore: 0.7,
		})
	}
	_, err = h.controller.Enqueue(context.Background(), sess.ID, items)
	require.NoError(t, err)
	return sess
}

func TestCreateAppliesDefaultLimits(t *testing.T) {
	h := newHarness(t)
	sess, err := h.controller.Create(context.Background(), CreateRequest{UserID: uuid.New()})
	require.NoError(t, err)

	assert.Equal(t, models.SessionPlanned, sess.Status)
	assert.Equal(t, h.cfg.Sessions.MaxItems, sess.Limits.MaxItems)
	assert.Equal(t, h.cfg.Sessions.MaxDuration, sess.Limits.MaxDuration)
	assert.Equal(t, h.cfg.Sessions.BudgetCost, sess.Limits.BudgetCost)
}

func TestEnqueueDerivesCanonicalDomain(t *testing.T) {
	h := newHarness(t)
	sess, err := h.controller.Create(context.Background(), CreateRequest{UserID: uuid.New()})
	require.NoError(t, err)

	apps, err := h.controller.Enqueue(context.Background(), sess.ID, []EnqueueItem{
		{JobURL: "https://WWW.Jobs.Example.com:443/postings/1", MatchScore: 0.8},
	})
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "jobs.example.com", apps[0].Domain)
	assert.Equal(t, models.AppQueued, apps[0].Status)

	// Enqueue is on the audit trail before the item is claimable.
	events, err := h.store.ListEvents(context.Background(), sess.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventItemQueued, events[0].Type)
}

func TestEnqueueRejectsInvalidURL(t *testing.T) {
	h := newHarness(t)
	sess, err := h.controller.Create(context.Background(), CreateRequest{UserID: uuid.New()})
	require.NoError(t, err)

	_, err = h.controller.Enqueue(context.Background(), sess.ID, []EnqueueItem{
		{JobURL: "ftp://example.com/job"},
	})
	require.Error(t, err)
}

func TestSessionLifecycleRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	sess := h.createAndEnqueue(t,
		"https://jobs.example.com/1",
		"https://jobs.example.com/2",
		"https://jobs.example.com/3",
	)

	require.NoError(t, h.controller.Start(context.Background(), sess.ID))
	h.controller.Wait(sess.ID)

	final, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, final.Status)
	assert.Equal(t, 3, final.Counters.Attempted)
	assert.Equal(t, 3, final.Counters.Succeeded)
	assert.Equal(t, 0, final.Counters.InFlight)
	assert.NotNil(t, final.EndedAt)

	digest, err := h.store.GetDigest(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, digest.Counters.Succeeded)
	assert.InDelta(t, 0.7, digest.AvgMatchScore, 0.001)
	assert.Equal(t, 3, digest.PerDomain["jobs.example.com"].Succeeded)

	events, err := h.store.ListEvents(context.Background(), sess.ID, 0, 100)
	require.NoError(t, err)
	var sawCompleted bool
	for _, ev := range events {
		if ev.Type == models.EventSessionCompleted {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t)
	sess := h.createAndEnqueue(t, "https://jobs.example.com/1")
	require.NoError(t, h.controller.Start(context.Background(), sess.ID))
	err := h.controller.Start(context.Background(), sess.ID)
	require.ErrorIs(t, err, ErrAlreadyStarted)
	h.controller.Wait(sess.ID)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	// Keep items slow so the session is still running when we pause.
	h.stub.Script = func(executor.Task) executor.StubRun {
		return executor.StubRun{Delay: 100 * time.Millisecond}
	}
	sess := h.createAndEnqueue(t,
		"https://jobs.example.com/1",
		"https://jobs.example.com/2",
		"https://jobs.example.com/3",
		"https://jobs.example.com/4",
	)
	require.NoError(t, h.controller.Start(context.Background(), sess.ID))

	require.NoError(t, h.controller.Pause(context.Background(), sess.ID))
	got, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, got.Status)

	require.NoError(t, h.controller.Resume(context.Background(), sess.ID))
	got, err = h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, got.Status)

	h.controller.Wait(sess.ID)
	final, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, final.Status)

	events, err := h.store.ListEvents(context.Background(), sess.ID, 0, 100)
	require.NoError(t, err)
	var paused, resumed bool
	for _, ev := range events {
		switch ev.Type {
		case models.EventSessionPaused:
			paused = true
		case models.EventSessionResumed:
			resumed = true
		}
	}
	assert.True(t, paused)
	assert.True(t, resumed)
}

func TestCancelMarksRemainingItemsCancelled(t *testing.T) {
	h := newHarness(t)
	h.stub.Script = func(executor.Task) executor.StubRun {
		return executor.StubRun{Delay: 5 * time.Second}
	}
	sess := h.createAndEnqueue(t,
		"https://jobs.example.com/1",
		"https://jobs.example.com/2",
		"https://jobs.example.com/3",
		"https://jobs.example.com/4",
		"https://jobs.example.com/5",
	)
	require.NoError(t, h.controller.Start(context.Background(), sess.ID))

	// Let workers pick up their first items.
	require.Eventually(t, func() bool {
		got, err := h.store.GetSession(context.Background(), sess.ID)
		return err == nil && got.Counters.InFlight > 0
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.controller.Cancel(context.Background(), sess.ID))
	h.controller.Wait(sess.ID)

	final, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCancelled, final.Status)
	assert.Equal(t, 0, final.Counters.InFlight)

	apps, err := h.store.ListApplications(context.Background(), sess.ID)
	require.NoError(t, err)
	for _, app := range apps {
		assert.Equal(t, models.AppCancelled, app.Status, "item %s", app.JobURL)
	}

	// Every cancelled item carries a terminal audit record, the queued
	// holdovers included, not just the ones a worker was holding.
	events, err := h.store.ListEvents(context.Background(), sess.ID, 0, 200)
	require.NoError(t, err)
	recorded := map[uuid.UUID]bool{}
	for _, ev := range events {
		if ev.Type == models.EventItemFailed && ev.Detail == models.ReasonSessionCancelled && ev.ApplicationID != nil {
			recorded[*ev.ApplicationID] = true
		}
	}
	for _, app := range apps {
		assert.True(t, recorded[app.ID], "missing cancellation event for %s", app.JobURL)
	}
}

func TestStopDrainsGracefully(t *testing.T) {
	h := newHarness(t)
	h.stub.Script = func(executor.Task) executor.StubRun {
		return executor.StubRun{Delay: 50 * time.Millisecond}
	}
	sess := h.createAndEnqueue(t,
		"https://jobs.example.com/1",
		"https://jobs.example.com/2",
		"https://jobs.example.com/3",
		"https://jobs.example.com/4",
	)
	require.NoError(t, h.controller.Start(context.Background(), sess.ID))

	require.Eventually(t, func() bool {
		got, err := h.store.GetSession(context.Background(), sess.ID)
		return err == nil && got.Counters.InFlight > 0
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, h.controller.Stop(context.Background(), sess.ID))
	h.controller.Wait(sess.ID)

	final, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, final.Status)

	// In-flight items finished instead of being cut off.
	apps, err := h.store.ListApplications(context.Background(), sess.ID, models.AppSubmitted)
	require.NoError(t, err)
	assert.NotEmpty(t, apps)
	for _, app := range apps {
		assert.NotNil(t, app.SubmittedAt)
	}
}

func TestSessionHeartbeatRefreshes(t *testing.T) {
	h := newHarness(t)
	h.stub.Script = func(executor.Task) executor.StubRun {
		return executor.StubRun{Delay: 300 * time.Millisecond}
	}
	sess := h.createAndEnqueue(t, "https://jobs.example.com/1")
	require.NoError(t, h.controller.Start(context.Background(), sess.ID))

	require.Eventually(t, func() bool {
		got, err := h.store.GetSession(context.Background(), sess.ID)
		return err == nil && got.LastHeartbeatAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	h.controller.Wait(sess.ID)
}

func TestLifecycleOpsRequireActiveRun(t *testing.T) {
	h := newHarness(t)
	sess, err := h.controller.Create(context.Background(), CreateRequest{UserID: uuid.New()})
	require.NoError(t, err)

	require.ErrorIs(t, h.controller.Pause(context.Background(), sess.ID), ErrNotRunning)
	require.ErrorIs(t, h.controller.Stop(context.Background(), sess.ID), ErrNotRunning)
	require.ErrorIs(t, h.controller.Cancel(context.Background(), sess.ID), ErrNotRunning)
}

func TestBuildDigestFailureTaxonomy(t *testing.T) {
	h := newHarness(t)
	sess := &models.Session{
		Status: models.SessionCompleted,
		Counters: models.SessionCounters{
			Attempted: 5, Succeeded: 1, Failed: 4, Cost: 0.42,
		},
	}
	require.NoError(t, h.store.CreateSession(context.Background(), sess))

	apps := []*models.Application{
		{SessionID: sess.ID, JobURL: "https://a.example.com/1", Domain: "a.example.com", Status: models.AppSubmitted, MatchScore: 0.9, Effort: models.EffortHigh},
	}
	for i := 0; i < 4; i++ {
		apps = append(apps, &models.Application{
			SessionID:   sess.ID,
			JobURL:      "https://a.example.com/f",
			Domain:      "a.example.com",
			Status:      models.AppFailed,
			FailureCode: "form_not_found",
			MatchScore:  0.5,
			Effort:      models.EffortLow,
		})
	}
	require.NoError(t, h.store.EnqueueApplications(context.Background(), apps))

	digest, err := BuildDigest(context.Background(), h.store, sess)
	require.NoError(t, err)

	sample := digest.FailureTaxonomy["form_not_found"]
	assert.Equal(t, 4, sample.Count)
	assert.Len(t, sample.Examples, 3, "examples are capped at three")
	assert.Equal(t, 1, digest.PerDomain["a.example.com"].Succeeded)
	assert.Equal(t, 4, digest.PerDomain["a.example.com"].Failed)
	assert.Equal(t, 1, digest.PerEffort[models.EffortHigh])
	assert.Equal(t, 4, digest.PerEffort[models.EffortLow])
	assert.InDelta(t, (0.9+4*0.5)/5, digest.AvgMatchScore, 0.001)
}

func TestRecoverFailsStaleSessions(t *testing.T) {
	st := memory.New()
	stale := time.Now().UTC().Add(-time.Hour)
	started := stale.Add(-time.Minute)
	sess := &models.Session{
		Status:          models.SessionRunning,
		StartedAt:       &started,
		LastHeartbeatAt: &stale,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))

	app := &models.Application{
		SessionID: sess.ID,
		JobURL:    "https://jobs.example.com/1",
		Domain:    "jobs.example.com",
		Status:    models.AppInProgress,
	}
	require.NoError(t, st.EnqueueApplications(context.Background(), []*models.Application{app}))
	require.NoError(t, st.AddSessionCounters(context.Background(), sess.ID,
		models.SessionCounters{Attempted: 1, InFlight: 1}))

	recovered, err := Recover(context.Background(), st, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionFailed, got.Status)
	assert.Equal(t, 0, got.Counters.InFlight)
	assert.Equal(t, 1, got.Counters.Failed)

	item, err := st.GetApplication(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AppFailed, item.Status)
	assert.Equal(t, models.ReasonOrphaned, item.FailureCode)
}

func TestRecoverLeavesHealthySessionsAlone(t *testing.T) {
	st := memory.New()
	fresh := time.Now().UTC()
	sess := &models.Session{
		Status:          models.SessionRunning,
		StartedAt:       &fresh,
		LastHeartbeatAt: &fresh,
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))

	recovered, err := Recover(context.Background(), st, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, recovered)

	got, err := st.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, got.Status)
}

func TestRestoreGovernorReappliesBlocksAndCounts(t *testing.T) {
	st := memory.New()
	until := time.Now().Add(time.Hour)
	require.NoError(t, st.UpsertDomainBlock(context.Background(), "blocked.example.com", &until))
	for i := 0; i < 3; i++ {
		require.NoError(t, st.IncrementDomainDailyCount(context.Background(), "busy.example.com", time.Now()))
	}

	stealth := &config.StealthConfig{
		Default: models.DomainPolicy{MaxPerDay: 3, MaxConcurrent: 5, Cooldown: time.Minute},
	}
	g := governor.New(stealth, time.UTC)
	require.NoError(t, RestoreGovernor(context.Background(), st, g, time.UTC))

	d := g.TryAcquire("blocked.example.com")
	assert.Equal(t, governor.Defer, d.Verdict)
	assert.WithinDuration(t, until, d.RetryAt, time.Second)

	// The restored daily count already exhausts the cap.
	d = g.TryAcquire("busy.example.com")
	assert.Equal(t, governor.Reject, d.Verdict)
	assert.Equal(t, models.ReasonRateRejected, d.Reason)
}
