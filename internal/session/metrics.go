package session

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionPrometheusMetrics sync.Once

	sessionBatchesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsetree",
			Subsystem: "session",
			Name:      "batches_applied_total",
			Help:      "Number of non-empty patches applied to the instance tree.",
		})
	sessionPatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsetree",
			Subsystem: "session",
			Name:      "patch_failures_total",
			Help:      "Number of patches rejected because they referenced unknown instances.",
		})
	sessionRecordsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsetree",
			Subsystem: "session",
			Name:      "records_appended_total",
			Help:      "Number of change records appended to the change log, by change kind.",
		},
		[]string{"kind"})
	sessionFetcherEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsetree",
			Subsystem: "session",
			Name:      "fetcher_events_total",
			Help:      "Number of raw events received from the file system fetcher, by event kind.",
		},
		[]string{"kind"})
	sessionFileSystemErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsetree",
			Subsystem: "session",
			Name:      "filesystem_errors_total",
			Help:      "Number of paths that could not be read and were treated as absent, plus watcher errors.",
		})
	sessionInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsetree",
			Subsystem: "session",
			Name:      "instances",
			Help:      "Number of instances in the live tree.",
		})
)

func registerMetrics() {
	sessionPrometheusMetrics.Do(func() {
		prometheus.MustRegister(sessionBatchesApplied)
		prometheus.MustRegister(sessionPatchFailures)
		prometheus.MustRegister(sessionRecordsAppended)
		prometheus.MustRegister(sessionFetcherEvents)
		prometheus.MustRegister(sessionFileSystemErrors)
		prometheus.MustRegister(sessionInstances)
	})
}
