package session

import (
	"context"
	"fmt"
	"time"

	"github.com/applyops/applyd/pkg/models"
	"github.com/applyops/applyd/pkg/store"
)

// failureExampleLimit caps how many example application ids one failure
// kind carries in the digest.
const failureExampleLimit = 3

// BuildDigest summarizes a finished session from its stored items.
func BuildDigest(ctx context.Context, st store.Store, sess *models.Session) (*models.Digest, error) {
	apps, err := st.ListApplications(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("listing session items: %w", err)
	}

	d := &models.Digest{
		SessionID:       sess.ID,
		GeneratedAt:     time.Now().UTC(),
		Counters:        sess.Counters,
		PerDomain:       make(map[string]models.DomainStats),
		PerEffort:       make(map[models.Effort]int),
		FailureTaxonomy: make(map[string]models.FailureSample),
	}
	if sess.StartedAt != nil {
		end := time.Now().UTC()
		if sess.EndedAt != nil {
			end = *sess.EndedAt
		}
		d.Duration = end.Sub(*sess.StartedAt)
	}

	var scoreSum float64
	var scored int
	for _, app := range apps {
		if !app.Status.Terminal() {
			continue
		}
		scoreSum += app.MatchScore
		scored++

		ds := d.PerDomain[app.Domain]
		ds.Attempted++
		switch app.Status {
		case models.AppSubmitted:
			ds.Succeeded++
		case models.AppFailed:
			ds.Failed++
		case models.AppSkipped:
			ds.Skipped++
		}
		d.PerDomain[app.Domain] = ds

		if app.Effort != "" {
			d.PerEffort[app.Effort]++
		}

		if app.Status == models.AppFailed || app.Status == models.AppSkipped {
			kind := app.FailureCode
			if kind == "" {
				kind = models.ReasonUnknown
			}
			sample := d.FailureTaxonomy[kind]
			sample.Count++
			if len(sample.Examples) < failureExampleLimit {
				sample.Examples = append(sample.Examples, app.ID)
			}
			d.FailureTaxonomy[kind] = sample
		}
	}
	if scored > 0 {
		d.AvgMatchScore = scoreSum / float64(scored)
	}

	d.Summary = fmt.Sprintf("%d attempted, %d submitted, %d failed, %d skipped, $%.2f spent",
		sess.Counters.Attempted, sess.Counters.Succeeded,
		sess.Counters.Failed, sess.Counters.Skipped, sess.Counters.Cost)
	return d, nil
}
