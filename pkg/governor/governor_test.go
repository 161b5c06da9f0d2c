package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyops/applyd/pkg/config"
	"github.com/applyops/applyd/pkg/models"
)

func testStealth() *config.StealthConfig {
	return &config.StealthConfig{
		Default: models.DomainPolicy{
			MaxPerDay:     3,
			MinInterval:   time.Minute,
			MaxConcurrent: 1,
			Cooldown:      30 * time.Minute,
		},
		Domains: map[string]models.DomainPolicy{
			"avoid.example.com": {Domain: "avoid.example.com", Avoid: true},
			"open.example.com": {
				Domain:        "open.example.com",
				MaxPerDay:     100,
				MaxConcurrent: 10,
			},
		},
	}
}

// testGovernor returns a governor with a controllable clock.
func testGovernor(t *testing.T) (*Governor, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	g := New(testStealth(), time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestTryAcquireAdmitAndSpacing(t *testing.T) {
	g, now := testGovernor(t)

	d := g.TryAcquire("careers.acme.com")
	require.Equal(t, Admit, d.Verdict)
	g.Release("careers.acme.com", ReleaseOK)

	// Second attempt inside the min interval defers.
	*now = now.Add(10 * time.Second)
	d = g.TryAcquire("careers.acme.com")
	require.Equal(t, Defer, d.Verdict)
	assert.True(t, d.RetryAt.After(*now))

	// After the interval passes it admits again.
	*now = now.Add(time.Minute)
	d = g.TryAcquire("careers.acme.com")
	assert.Equal(t, Admit, d.Verdict)
}

func TestTryAcquireConcurrencyCeiling(t *testing.T) {
	g, now := testGovernor(t)

	require.Equal(t, Admit, g.TryAcquire("careers.acme.com").Verdict)

	// Default policy allows one in-flight attempt per domain.
	*now = now.Add(2 * time.Minute)
	d := g.TryAcquire("careers.acme.com")
	require.Equal(t, Defer, d.Verdict)

	g.Release("careers.acme.com", ReleaseOK)
	*now = now.Add(2 * time.Minute)
	assert.Equal(t, Admit, g.TryAcquire("careers.acme.com").Verdict)
}

func TestTryAcquireDailyCap(t *testing.T) {
	g, now := testGovernor(t)

	for i := 0; i < 3; i++ {
		d := g.TryAcquire("careers.acme.com")
		require.Equal(t, Admit, d.Verdict, "attempt %d", i)
		g.Release("careers.acme.com", ReleaseOK)
		*now = now.Add(2 * time.Minute)
	}

	// A reached cap rejects outright rather than holding the item.
	d := g.TryAcquire("careers.acme.com")
	require.Equal(t, Reject, d.Verdict)
	assert.Equal(t, models.ReasonRateRejected, d.Reason)

	// The counter resets at local midnight.
	*now = time.Date(2025, 6, 3, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, Admit, g.TryAcquire("careers.acme.com").Verdict)
}

func TestDailyCapResetsInConfiguredTimezone(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 21, 30, 0, 0, time.UTC) // 23:30 in Berlin
	g := New(testStealth(), berlin)
	g.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.Equal(t, Admit, g.TryAcquire("careers.acme.com").Verdict)
		g.Release("careers.acme.com", ReleaseOK)
		now = now.Add(2 * time.Minute)
	}

	d := g.TryAcquire("careers.acme.com")
	require.Equal(t, Reject, d.Verdict)
	assert.Equal(t, models.ReasonRateRejected, d.Reason)

	// The cap resets at Berlin midnight (22:00 UTC), not UTC midnight.
	now = time.Date(2025, 6, 2, 22, 5, 0, 0, time.UTC)
	assert.Equal(t, Admit, g.TryAcquire("careers.acme.com").Verdict)
}

func TestTryAcquireAvoidDomainRejects(t *testing.T) {
	g, _ := testGovernor(t)

	d := g.TryAcquire("avoid.example.com")
	require.Equal(t, Reject, d.Verdict)
	assert.Equal(t, models.ReasonAvoidCompany, d.Reason)
}

func TestReleaseBlockedStartsCooldown(t *testing.T) {
	g, now := testGovernor(t)

	require.Equal(t, Admit, g.TryAcquire("careers.acme.com").Verdict)
	until, blocked := g.Release("careers.acme.com", ReleaseBlocked)
	require.True(t, blocked)
	assert.Equal(t, now.Add(30*time.Minute), until)

	// Blocked domain defers until the cooldown expires.
	*now = now.Add(10 * time.Minute)
	d := g.TryAcquire("careers.acme.com")
	require.Equal(t, Defer, d.Verdict)
	assert.Equal(t, until, d.RetryAt)

	*now = until.Add(2 * time.Minute)
	assert.Equal(t, Admit, g.TryAcquire("careers.acme.com").Verdict)
}

func TestRestoreDailyCount(t *testing.T) {
	g, now := testGovernor(t)

	g.RestoreDailyCount("careers.acme.com", 3, *now)
	d := g.TryAcquire("careers.acme.com")
	assert.Equal(t, Reject, d.Verdict)

	// Counts from a previous day are ignored.
	g2, now2 := testGovernor(t)
	g2.RestoreDailyCount("careers.acme.com", 3, now2.Add(-24*time.Hour))
	assert.Equal(t, Admit, g2.TryAcquire("careers.acme.com").Verdict)
}

func TestSnapshot(t *testing.T) {
	g, _ := testGovernor(t)

	require.Equal(t, Admit, g.TryAcquire("open.example.com").Verdict)
	snaps := g.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, "open.example.com", snaps[0].Domain)
	assert.Equal(t, 1, snaps[0].CountToday)
	assert.Equal(t, 1, snaps[0].InFlight)
	assert.Nil(t, snaps[0].BlockedUntil)
}
