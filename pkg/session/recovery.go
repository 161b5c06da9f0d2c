package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/applyops/applyd/pkg/governor"
	"github.com/applyops/applyd/pkg/models"
	"github.com/applyops/applyd/pkg/store"
)

// Recover runs the startup crash sweep: sessions whose heartbeat went
// stale while the previous process died are failed, and their stranded
// in-progress items marked orphaned. Returns the number of sessions
// recovered.
func Recover(ctx context.Context, st store.Store, orphanThreshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-orphanThreshold)
	stale, err := st.StaleActiveSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale sessions: %w", err)
	}
	for _, sess := range stale {
		slog.Warn("Recovering session from dead process",
			"session_id", sess.ID,
			"status", sess.Status,
			"last_heartbeat", sess.LastHeartbeatAt)

		orphaned := failStrandedItems(ctx, st, sess)
		if orphaned > 0 {
			delta := models.SessionCounters{Failed: orphaned, InFlight: -orphaned}
			if err := st.AddSessionCounters(ctx, sess.ID, delta); err != nil {
				slog.Warn("Failed to adjust counters during recovery", "session_id", sess.ID, "error", err)
			}
		}

		if err := failSession(ctx, st, sess); err != nil {
			slog.Error("Failed to mark stale session failed", "session_id", sess.ID, "error", err)
		}
	}
	return len(stale), nil
}

// failStrandedItems moves in_progress and paused items of a dead session
// to failed/orphaned. Returns how many items were in flight.
func failStrandedItems(ctx context.Context, st store.Store, sess *models.Session) int {
	apps, err := st.ListApplications(ctx, sess.ID, models.AppInProgress, models.AppPaused)
	if err != nil {
		slog.Warn("Failed to list stranded items", "session_id", sess.ID, "error", err)
		return 0
	}
	orphaned := 0
	for _, app := range apps {
		if err := st.TransitionApplication(ctx, app.ID, app.Status, models.AppFailed,
			models.ReasonOrphaned, "process died mid-item"); err != nil {
			slog.Warn("Failed to orphan item", "application_id", app.ID, "error", err)
			continue
		}
		orphaned++
	}
	return orphaned
}

// failSession walks the dead session to failed through whatever
// intermediate state its status requires.
func failSession(ctx context.Context, st store.Store, sess *models.Session) error {
	switch sess.Status {
	case models.SessionPlanned:
		return st.TransitionSession(ctx, sess.ID, models.SessionPlanned, models.SessionFailed)
	case models.SessionFailing:
		return st.TransitionSession(ctx, sess.ID, models.SessionFailing, models.SessionFailed)
	default:
		if err := st.TransitionSession(ctx, sess.ID, sess.Status, models.SessionFailing); err != nil {
			return err
		}
		return st.TransitionSession(ctx, sess.ID, models.SessionFailing, models.SessionFailed)
	}
}

// RestoreGovernor seeds the governor with persisted domain state so a
// restart keeps cooldown blocks and daily caps intact.
func RestoreGovernor(ctx context.Context, st store.Store, g *governor.Governor, loc *time.Location) error {
	blocks, err := st.ListDomainBlocks(ctx)
	if err != nil {
		return fmt.Errorf("listing domain blocks: %w", err)
	}
	now := time.Now()
	for domain, until := range blocks {
		if until.After(now) {
			g.Block(domain, until)
		}
	}

	counts, err := st.DomainDailyCounts(ctx, now.In(loc))
	if err != nil {
		return fmt.Errorf("listing domain daily counts: %w", err)
	}
	for domain, count := range counts {
		g.RestoreDailyCount(domain, count, now.In(loc))
	}

	if len(blocks) > 0 || len(counts) > 0 {
		slog.Info("Restored governor state",
			"blocked_domains", len(blocks),
			"counted_domains", len(counts))
	}
	return nil
}
