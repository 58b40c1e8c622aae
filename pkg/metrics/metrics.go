package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "restorestate"
)

// Metrics is the structure that holds all prometheus metrics
var (
	// DumpsCompletedCounter counts the number of successfully persisted state dumps
	DumpsCompletedCounter = newCounterVec(
		"dumps_completed_count",
		"Number of state dumps that were successfully persisted",
	)
	// DumpsFailedCounter counts the number of dumps that failed to persist
	DumpsFailedCounter = newCounterVec(
		"dumps_failed_count",
		"Number of state dumps that failed due to a storage error",
	)
	// DumpsSkippedCounter counts the dump ticks skipped because a save was still in flight
	DumpsSkippedCounter = newCounterVec(
		"dumps_skipped_count",
		"Number of dump ticks skipped while a previous save was outstanding",
	)
	// SnapshotLoadFailedCounter counts failed restore loads
	SnapshotLoadFailedCounter = newCounterVec(
		"snapshot_load_failed_count",
		"Number of snapshot loads that failed and degraded to an empty cache",
	)
	// DumpDuration observes the duration of each dump
	DumpDuration = newSummaryVec(
		"dump_duration_seconds",
		"Duration in seconds for each state dump",
	)
)

func newCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	prometheus.MustRegister(v)
	return v
}

func newSummaryVec(name, help string, labels ...string) *prometheus.SummaryVec {
	v := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	prometheus.MustRegister(v)
	return v
}
