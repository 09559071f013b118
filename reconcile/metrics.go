package reconcile

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/reconciliation-engine/generic"
)

// ConflictsDetected counts invariant violations by conflict kind.
var ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reconcile",
	Subsystem: "engine",
	Name:      "conflicts_detected_total",
	Help:      "Mutations rejected with an invariant conflict, by kind.",
}, []string{"kind"})

// Commits counts committed mutations by mutation kind and strategy.
var Commits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reconcile",
	Subsystem: "engine",
	Name:      "commits_total",
	Help:      "Committed mutations by kind and resolution strategy.",
}, []string{"mutation", "strategy"})

// CommitFailures counts rejected or rolled back commits by reason.
var CommitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reconcile",
	Subsystem: "engine",
	Name:      "commit_failures_total",
	Help:      "Commits that did not persist, by reason.",
}, []string{"reason"})

// Previews counts dry runs.
var Previews = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "reconcile",
	Subsystem: "engine",
	Name:      "previews_total",
	Help:      "Preview (dry-run) requests served.",
})

// CommitDuration tracks commit latency including the store transaction.
var CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "reconcile",
	Subsystem: "engine",
	Name:      "commit_duration_seconds",
	Help:      "Time spent committing a mutation.",
	Buckets:   prometheus.DefBuckets,
})

// BalanceDrift counts accounts whose cached balance disagreed with their
// transactions when recalculated.
var BalanceDrift = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "reconcile",
	Subsystem: "ledger",
	Name:      "balance_drift_total",
	Help:      "Accounts found with a cached balance that differs from their transactions.",
})

// failureReason maps an error to a low-cardinality label.
func failureReason(err error) string {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return "conflict"
	case errors.Is(err, generic.ErrIncompleteResolution):
		return "incomplete_resolution"
	case errors.Is(err, generic.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, generic.ErrStalePreview):
		return "stale_preview"
	case errors.Is(err, generic.ErrValidation):
		return "validation"
	case errors.Is(err, generic.ErrNothingToResolve):
		return "nothing_to_resolve"
	case generic.IsNotFound(err):
		return "not_found"
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		return "duplicate"
	}
	return "internal"
}
