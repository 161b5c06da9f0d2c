// Package dispatch assigns queued applications to a pool of workers for
// one running session: selection order, admission through the rate
// governor, per-item execution, intervention handling, and crash
// isolation.
package dispatch

import (
	"errors"
	"time"

	"github.com/applyops/applyd/pkg/config"
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

// Sentinel errors for dispatch operations.
var (
	// ErrNoItemsAvailable indicates no queued item is admissible right now.
	ErrNoItemsAvailable = errors.New("no items available")

	// ErrPaused indicates the session is paused; workers idle.
	ErrPaused = errors.New("session paused")

	// ErrDraining indicates no new work is assigned; in-flight items finish.
	ErrDraining = errors.New("session draining")
)

// LimitReason says which session limit tripped the drain.
type LimitReason string

const (
	LimitMaxItems    LimitReason = "max_items"
	LimitMaxDuration LimitReason = "max_duration"
	LimitBudgetCost  LimitReason = "budget_cost"
	LimitExhausted   LimitReason = "queue_exhausted"
)

// Assignment is one admitted item handed to a worker. The governor slot
// for Domain is already held and must be released exactly once.
type Assignment struct {
	App         *models.Application
	CostCeiling float64
}

// Deps bundles everything the dispatcher and workers need.
type Deps struct {
	Store     store.Store
	Log       *eventlog.Log
	Governor  *governor.Governor
	Policy    *policy.Evaluator
	Executor  executor.Executor
	Bridge    *intervene.Bridge
	Notifier  *notify.Service // may be nil (notifications disabled)
	Metrics   *metrics.Metrics
	Pool      *config.PoolConfig
	Intervene *config.InterventionConfig
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle           WorkerStatus = "idle"
	WorkerStatusWorking        WorkerStatus = "working"
	WorkerStatusDecommissioned WorkerStatus = "decommissioned"
)

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                  string       `json:"id"`
	Status              WorkerStatus `json:"status"`
	CurrentApplication  string       `json:"current_application,omitempty"`
	ItemsProcessed      int          `json:"items_processed"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastActivity        time.Time    `json:"last_activity"`
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	SessionID     string         `json:"session_id"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	InFlight      int            `json:"in_flight"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}
