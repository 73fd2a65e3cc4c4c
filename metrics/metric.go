package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "confdb"

var (
	Registry = prometheus.NewRegistry()

	DriverRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "driver",
		Name:      "retries_total",
		Help:      "transient database faults that were retried",
	}, []string{"op"})

	StoreOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "ops_total",
		Help:      "object store operations by type and result",
	}, []string{"op", "result"})

	StoreOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "op_duration_seconds",
		Help:      "object store operation latency",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"op"})

	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "object cache lookups by result",
	}, []string{"result"})

	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "objects evicted from the object cache",
	})

	WalkRowsScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "walk",
		Name:      "rows_scanned_total",
		Help:      "rows visited by graph walks",
	})

	WalkRowsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "walk",
		Name:      "rows_skipped_total",
		Help:      "rows skipped by graph walks because they could not be decoded",
	}, []string{"reason"})

	UndoFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "undo",
		Name:      "failures_total",
		Help:      "compensating actions that failed while unwinding a request",
	})

	RequestOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "requests_total",
		Help:      "requests by resource type, operation and http status",
	}, []string{"type", "op", "status"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "request_duration_seconds",
		Help:      "request latency including hooks and undo",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"type", "op"})

	AllocatedIDs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "allocator",
		Name:      "allocated",
		Help:      "ids currently held per pool",
	}, []string{"pool"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		DriverRetries,
		StoreOps,
		StoreOpDuration,
		CacheLookups,
		CacheEvictions,
		WalkRowsScanned,
		WalkRowsSkipped,
		UndoFailures,
		RequestOps,
		RequestDuration,
		AllocatedIDs,
	)
}
