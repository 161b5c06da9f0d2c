// Package governor enforces per-domain pacing: daily caps, minimum
// spacing between submission starts, concurrency ceilings, and cooldown
// blocks after a target site pushes back.
package governor

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/applyops/applyd/pkg/config"
	"github.com/applyops/applyd/pkg/models"
)

// Verdict is the admission outcome for one acquire attempt.
type Verdict int

const (
	// Admit grants a slot; the caller must Release it.
	Admit Verdict = iota
	// Defer denies for now; RetryAt is the earliest useful retry time.
	Defer
	// Reject denies permanently for this item.
	Reject
)

// Decision is the result of TryAcquire.
type Decision struct {
	Verdict Verdict
	// RetryAt is set for Defer verdicts.
	RetryAt time.Time
	// Reason is set for Reject verdicts.
	Reason string
}

// ReleaseOutcome tells the governor how an admitted attempt ended.
type ReleaseOutcome int

const (
	// ReleaseOK covers submitted, failed, and skipped attempts.
	ReleaseOK ReleaseOutcome = iota
	// ReleaseBlocked signals the site rate-limited or captcha-walled us;
	// the domain enters cooldown.
	ReleaseBlocked
)

// DomainSnapshot is a read-only view of one domain's governor state.
type DomainSnapshot struct {
	Domain       string     `json:"domain"`
	CountToday   int        `json:"count_today"`
	MaxPerDay    int        `json:"max_per_day"`
	InFlight     int        `json:"in_flight"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

type domainState struct {
	policy       models.DomainPolicy
	limiter      *rate.Limiter
	inFlight     int
	countToday   int
	day          string
	blockedUntil time.Time
}

// Governor tracks admission state per canonical domain. All methods are
// safe for concurrent use; no lock is held across any outbound call.
type Governor struct {
	mu      sync.Mutex
	stealth *config.StealthConfig
	loc     *time.Location
	domains map[string]*domainState

	now func() time.Time
}

// New creates a governor. loc is the timezone whose midnight resets the
// daily counters.
func New(stealth *config.StealthConfig, loc *time.Location) *Governor {
	return &Governor{
		stealth: stealth,
		loc:     loc,
		domains: make(map[string]*domainState),
		now:     time.Now,
	}
}

// TryAcquire asks for permission to start one submission against domain.
// Admit increments the in-flight and daily counters; the caller must pair
// it with Release exactly once.
func (g *Governor) TryAcquire(domain string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.state(domain)
	g.rollDay(st, now)

	if st.policy.Avoid {
		return Decision{Verdict: Reject, Reason: models.ReasonAvoidCompany}
	}
	if st.blockedUntil.After(now) {
		return Decision{Verdict: Defer, RetryAt: st.blockedUntil}
	}
	if st.policy.MaxPerDay > 0 && st.countToday >= st.policy.MaxPerDay {
		// A reached cap is final for today; the caller skips the item
		// instead of holding it until midnight.
		return Decision{Verdict: Reject, Reason: models.ReasonRateRejected}
	}
	if st.policy.MaxConcurrent > 0 && st.inFlight >= st.policy.MaxConcurrent {
		// A slot frees on Release; retry after the spacing interval.
		return Decision{Verdict: Defer, RetryAt: now.Add(st.policy.MinInterval)}
	}

	if st.limiter != nil {
		r := st.limiter.ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			return Decision{Verdict: Defer, RetryAt: now.Add(delay)}
		}
	}

	st.inFlight++
	st.countToday++
	return Decision{Verdict: Admit}
}

// Release returns an admitted slot. A ReleaseBlocked outcome starts the
// domain's cooldown and reports true so the caller can record a
// domain_blocked event.
func (g *Governor) Release(domain string, outcome ReleaseOutcome) (blockedUntil time.Time, blocked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(domain)
	if st.inFlight > 0 {
		st.inFlight--
	}
	if outcome != ReleaseBlocked {
		return time.Time{}, false
	}

	now := g.now()
	st.blockedUntil = now.Add(st.policy.Cooldown)
	slog.Warn("Domain entered cooldown after rate-limit pushback",
		"domain", domain,
		"blocked_until", st.blockedUntil,
		"cooldown", st.policy.Cooldown)
	return st.blockedUntil, true
}

// Block forces a domain into cooldown until the given time, used when
// restoring persisted blocks at startup.
func (g *Governor) Block(domain string, until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state(domain).blockedUntil = until
}

// RestoreDailyCount seeds a domain's daily counter from persisted state,
// used at startup so a restart does not reset the cap.
func (g *Governor) RestoreDailyCount(domain string, count int, day time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(domain)
	if day.In(g.loc).Format(time.DateOnly) == g.now().In(g.loc).Format(time.DateOnly) {
		st.countToday = count
		st.day = g.now().In(g.loc).Format(time.DateOnly)
	}
}

// Snapshot returns the current state of every tracked domain.
func (g *Governor) Snapshot() []DomainSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	out := make([]DomainSnapshot, 0, len(g.domains))
	for name, st := range g.domains {
		g.rollDay(st, now)
		snap := DomainSnapshot{
			Domain:     name,
			CountToday: st.countToday,
			MaxPerDay:  st.policy.MaxPerDay,
			InFlight:   st.inFlight,
		}
		if st.blockedUntil.After(now) {
			u := st.blockedUntil
			snap.BlockedUntil = &u
		}
		out = append(out, snap)
	}
	return out
}

// state returns the tracked state for domain, creating it on first use.
// Caller holds g.mu.
func (g *Governor) state(domain string) *domainState {
	if st, ok := g.domains[domain]; ok {
		return st
	}
	policy := g.stealth.PolicyFor(domain)
	st := &domainState{
		policy: policy,
		day:    g.now().In(g.loc).Format(time.DateOnly),
	}
	if policy.MinInterval > 0 {
		st.limiter = rate.NewLimiter(rate.Every(policy.MinInterval), 1)
	}
	g.domains[domain] = st
	return st
}

// rollDay resets the daily counter when the local date changed. Caller
// holds g.mu.
func (g *Governor) rollDay(st *domainState, now time.Time) {
	day := now.In(g.loc).Format(time.DateOnly)
	if day != st.day {
		st.day = day
		st.countToday = 0
	}
}
