package config

import "time"

// PoolConfig controls the worker pool and dispatcher.
type PoolConfig struct {
	// WorkerCount is the number of worker goroutines per process.
	WorkerCount int

	// PollInterval is the dispatcher's base wait when no item is admissible.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration

	// MaxItemDuration is the hard per-item timeout. A worker holding one
	// item longer is signalled; after ShutdownWindow it is abandoned.
	MaxItemDuration time.Duration

	// ShutdownWindow bounds how long a cancelled worker may take to
	// return its current item to a terminal status.
	ShutdownWindow time.Duration

	// HeartbeatInterval is how often a running session refreshes its
	// heartbeat for crash detection.
	HeartbeatInterval time.Duration

	// OrphanThreshold is how long a session heartbeat may be stale
	// before startup recovery marks the session failed.
	OrphanThreshold time.Duration

	// MaxConsecutiveFailures is how many executor failures in a row a
	// worker tolerates before decommissioning itself.
	MaxConsecutiveFailures int
}

// DefaultPoolConfig returns the built-in pool defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		WorkerCount:            5,
		PollInterval:           1 * time.Second,
		PollIntervalJitter:     500 * time.Millisecond,
		MaxItemDuration:        10 * time.Minute,
		ShutdownWindow:         30 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		OrphanThreshold:        5 * time.Minute,
		MaxConsecutiveFailures: 3,
	}
}

// SessionDefaults seeds session limits when the caller leaves them unset.
type SessionDefaults struct {
	MaxItems       int
	MaxDuration    time.Duration
	MaxConcurrency int
	BudgetCost     float64
}

// DefaultSessionDefaults returns the built-in session limit defaults.
func DefaultSessionDefaults() *SessionDefaults {
	return &SessionDefaults{
		MaxItems:       200,
		MaxDuration:    2 * time.Hour,
		MaxConcurrency: 5,
		BudgetCost:     5.0,
	}
}

// InterventionConfig controls the human-in-the-loop bridge.
type InterventionConfig struct {
	// Timeout is how long a worker waits for a human resolution before
	// the item fails with intervention_timeout.
	Timeout time.Duration
}

// DefaultInterventionConfig returns the built-in intervention defaults.
func DefaultInterventionConfig() *InterventionConfig {
	return &InterventionConfig{Timeout: 5 * time.Minute}
}
