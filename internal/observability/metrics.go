// Package observability holds tracing setup and the Prometheus counters the
// worker loop reports into. Counters live here rather than in the service
// so that the admin HTTP process and tests share one registration point.
//
// Label cardinality is bounded by construction: statuses, outcomes, and
// action kinds are closed enums.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// Claims counts claim attempts by result ("created" or "existing").
	Claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_claims_total",
			Help: "Ledger claim attempts by result.",
		},
		[]string{"result"},
	)

	// Attempts counts recorded download attempts by outcome.
	Attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_download_attempts_total",
			Help: "Recorded download attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// Skips counts entries transitioned to skipped.
	Skips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_skips_total",
			Help: "Ledger entries marked skipped.",
		},
	)

	// Repairs counts entries fixed by the reconcile pass.
	Repairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_reconcile_repairs_total",
			Help: "Pending entries repaired to downloaded from attempt history.",
		},
	)

	// ActionWrites counts audit-trail appends by kind.
	ActionWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_actions_total",
			Help: "Action log appends by kind.",
		},
		[]string{"kind"},
	)

	// DownloadBytes totals bytes of media written to local storage.
	DownloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_download_bytes_total",
			Help: "Total media bytes persisted.",
		},
	)
)

func init() {
	prometheus.MustRegister(Claims, Attempts, Skips, Repairs, ActionWrites, DownloadBytes)
}
