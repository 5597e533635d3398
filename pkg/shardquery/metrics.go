package shardquery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirror the teacher's observability package shape
// (promauto-registered vectors labeled by shard/operation) but scoped
// to multi-shard dispatch instead of single-shard query routing.
var (
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "multishard_dispatch_duration_seconds",
			Help:    "Duration of a full multi-shard dispatch, from first connection open to last reader settling",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"policy"},
	)

	ShardErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multishard_shard_errors_total",
			Help: "Per-shard execution outcomes that were not a clean success",
		},
		[]string{"shard", "kind"},
	)

	RowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "multishard_rows_total",
			Help: "Rows yielded by the merged reader, labeled by originating shard",
		},
		[]string{"shard"},
	)
)

// recordDispatchDuration times one Command.executeReader invocation.
func recordDispatchDuration(policy ExecutionPolicy, start time.Time) {
	label := "complete"
	if policy == PolicyPartial {
		label = "partial"
	}
	DispatchDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

// recordShardOutcome is called once per shardOutcome after dispatch
// classification; a clean success is not counted.
func recordShardOutcome(shard ShardEndpoint, outcome shardOutcome) {
	switch {
	case outcome.Cancelled:
		ShardErrorsTotal.WithLabelValues(shard.String(), KindCancelled.String()).Inc()
	case outcome.Err != nil:
		kind := KindShardExecution.String()
		var se *Error
		if ok := asShardError(outcome.Err, &se); ok {
			kind = se.Kind.String()
		}
		ShardErrorsTotal.WithLabelValues(shard.String(), kind).Inc()
	case outcome.Reader != nil && outcome.Reader.IsFailure():
		kind := KindShardExecution.String()
		var se *Error
		if ok := asShardError(outcome.Reader.Err, &se); ok {
			kind = se.Kind.String()
		}
		ShardErrorsTotal.WithLabelValues(shard.String(), kind).Inc()
	}
}

func asShardError(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// recordRow increments the per-shard row counter; callers invoke this
// once per row handed back from MergedReader.Next, labeled by the row's
// originating shard.
func recordRow(shardLabel string) {
	RowsTotal.WithLabelValues(shardLabel).Inc()
}
