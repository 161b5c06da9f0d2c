// Package metrics exposes the control plane's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles every instrument the control plane records.
type Metrics struct {
	Registry *prometheus.Registry

	ItemsFinished    *prometheus.CounterVec // labels: status, effort
	ItemDuration     prometheus.Histogram
	GovernorVerdicts *prometheus.CounterVec // labels: verdict
	DomainBlocks     prometheus.Counter
	Interventions    *prometheus.CounterVec // labels: kind, result
	EventsAppended   prometheus.Counter
	WorkersBusy      prometheus.Gauge
	SessionsActive   prometheus.Gauge
	ModelCost        prometheus.Counter
	RequeuedItems    prometheus.Counter
	WorkerCrashes    prometheus.Counter
}

// New creates and registers the full instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		ItemsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "applyd_items_finished_total",
			Help: "Applications reaching a terminal status.",
		}, []string{"status", "effort"}),
		ItemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "applyd_item_duration_seconds",
			Help:    "Wall time from claim to terminal status.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		GovernorVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "applyd_governor_verdicts_total",
			Help: "Admission verdicts by the rate governor.",
		}, []string{"verdict"}),
		DomainBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applyd_domain_blocks_total",
			Help: "Cooldown blocks applied after site pushback.",
		}),
		Interventions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "applyd_interventions_total",
			Help: "Human intervention requests by kind and result.",
		}, []string{"kind", "result"}),
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applyd_events_appended_total",
			Help: "Audit events appended to the event log.",
		}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "applyd_workers_busy",
			Help: "Workers currently holding an item.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "applyd_sessions_active",
			Help: "Sessions in a non-terminal status.",
		}),
		ModelCost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applyd_model_cost_dollars_total",
			Help: "Cumulative model spend across sessions.",
		}),
		RequeuedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applyd_items_requeued_total",
			Help: "Items returned to the queue after assignment failures.",
		}),
		WorkerCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "applyd_worker_crashes_total",
			Help: "Worker goroutines lost to panics and respawned.",
		}),
	}

	reg.MustRegister(
		m.ItemsFinished, m.ItemDuration, m.GovernorVerdicts, m.DomainBlocks,
		m.Interventions, m.EventsAppended, m.WorkersBusy, m.SessionsActive,
		m.ModelCost, m.RequeuedItems, m.WorkerCrashes,
	)
	return m
}
