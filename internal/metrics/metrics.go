// Package metrics holds the Prometheus collectors shared by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StepsAccepted counts steps appended to any version log.
	StepsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_steps_accepted_total",
		Help: "Total steps accepted into version logs",
	})

	// Submissions counts submitSteps calls by result.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_submissions_total",
		Help: "Step submissions by result",
	}, []string{"result"})

	// SubmitDuration tracks how long accepted submissions hold the document.
	SubmitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_submit_duration_seconds",
		Help:    "Step submission latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14), // 50µs to ~400ms
	})

	// ActiveDocuments is the number of documents held in memory.
	ActiveDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_active_documents",
		Help: "Documents currently held in memory",
	})

	// Sessions is the number of attached sessions across documents.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_sessions",
		Help: "Attached editing sessions",
	})

	// Evictions counts documents dropped from memory, by reason.
	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_evictions_total",
		Help: "Documents evicted from memory by reason",
	}, []string{"reason"})

	// DiskWrites counts store writes by result.
	DiskWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_disk_writes_total",
		Help: "Snapshot writes by result",
	}, []string{"result"})

	// PersistenceFailures counts writes that exhausted their retry budget.
	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_persistence_failures_total",
		Help: "Snapshot writes that exhausted their retry budget",
	})

	// CorruptLogs counts version logs discarded after an invariant violation.
	CorruptLogs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_corrupt_logs_total",
		Help: "Version logs discarded after an invariant violation",
	})
)
