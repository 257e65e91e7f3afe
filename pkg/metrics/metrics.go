// Package metrics holds the prometheus collectors of the daemon.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitegrid"

var (
	// ingestFiles counts submitted TAG files.
	// Labels: status (ok, rejected, failed)
	ingestFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "files_total",
		Help:      "TAG files processed by outcome",
	}, []string{"status"})

	ingestEpochs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "epochs_total",
		Help:      "Epochs decoded from TAG files",
	})

	ingestPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "passes_total",
		Help:      "Cell passes written or removed",
	}, []string{"op"})

	// rejectedValues counts TAG values a matcher refused.
	// Labels: tag
	rejectedValues = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "rejected_values_total",
		Help:      "TAG values rejected during decoding",
	}, []string{"tag"})

	ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "duration_seconds",
		Help:      "Time to decode and store one TAG file",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// queries counts pipeline runs.
	// Labels: kind (summary kind), status (no_problems, partial_result, no_result, cancelled)
	queries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "queries_total",
		Help:      "Pipeline queries by summary kind and status",
	}, []string{"kind", "status"})

	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "query_duration_seconds",
		Help:      "Pipeline query latency",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"kind"})

	pages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "pages_total",
		Help:      "Request pages dispatched by outcome",
	}, []string{"status"})

	subgridsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "subgrids_scanned_total",
		Help:      "Leaf subgrids scanned by workers",
	})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Spatial cache lookups by result",
	}, []string{"result"})

	// cacheEvictions labels: reason (capacity, expired, invalidated)
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Spatial cache entries removed by reason",
	}, []string{"reason"})

	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Entries held by the spatial cache",
	})

	persistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "persist",
		Name:      "duration_seconds",
		Help:      "Time to checkpoint every site model",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	persistLeaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "persist",
		Name:      "leaves_total",
		Help:      "Leaves written or deleted by checkpoints",
	}, []string{"op"})

	persistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "persist",
		Name:      "errors_total",
		Help:      "Failed checkpoint attempts",
	})

	hubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "clients",
		Help:      "Connected change stream clients",
	})

	storageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "used_bytes",
		Help:      "On-disk size of the data directory",
	})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func RecordIngest(status string, epochs, passes int, d time.Duration) {
	ingestFiles.WithLabelValues(status).Inc()
	ingestEpochs.Add(float64(epochs))
	ingestPasses.WithLabelValues("added").Add(float64(passes))
	ingestDuration.Observe(d.Seconds())
}

func RecordRemoval(passes int) {
	ingestPasses.WithLabelValues("removed").Add(float64(passes))
}

func RecordRejected(tag string, n int) {
	rejectedValues.WithLabelValues(tag).Add(float64(n))
}

func RecordQuery(kind, status string, d time.Duration) {
	queries.WithLabelValues(kind, status).Inc()
	queryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func RecordPage(ok bool, subgrids int) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	pages.WithLabelValues(status).Inc()
	subgridsScanned.Add(float64(subgrids))
}

func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

func RecordCacheEviction(reason string, n int) {
	if n > 0 {
		cacheEvictions.WithLabelValues(reason).Add(float64(n))
	}
}

func SetCacheEntries(n int) { cacheEntries.Set(float64(n)) }

func RecordPersist(written, deleted int, d time.Duration, err error) {
	persistDuration.Observe(d.Seconds())
	persistLeaves.WithLabelValues("written").Add(float64(written))
	persistLeaves.WithLabelValues("deleted").Add(float64(deleted))
	if err != nil {
		persistErrors.Inc()
	}
}

func SetHubClients(n int) { hubClients.Set(float64(n)) }

func SetStorageBytes(n int64) { storageBytes.Set(float64(n)) }
