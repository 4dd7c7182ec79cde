package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ClaimedRows     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publisher_claimed_rows_total", Help: "Job rows moved from queued to scheduling"}, []string{"channel"})
	Dispatched      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publisher_dispatched_total", Help: "Job descriptors placed on the queue"}, []string{"channel", "result"})
	Uploads         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publisher_uploads_total", Help: "Consumer outcomes by status"}, []string{"channel", "outcome"})
	UploadBytes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publisher_upload_bytes_total", Help: "Media bytes accepted by the platform"}, []string{"strategy"})
	ChunkLatency    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "publisher_chunk_put_seconds", Help: "Latency of a single chunk PUT", Buckets: prometheus.ExponentialBuckets(0.05, 2, 10)}, []string{"strategy"})
	Retries         = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_retries_total", Help: "Retryable failures returned to the queue"})
	QuotaRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_quota_rejects_total", Help: "Uploads deferred by the per-channel quota"})
	HookFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publisher_hook_failures_total", Help: "Best-effort post-sync hook failures"}, []string{"hook"})
	PollerChecked   = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_poller_checked_total", Help: "Scheduled rows checked against the platform"})
	PollerPosted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_poller_posted_total", Help: "Scheduled rows reconciled to posted"})
	ReaperReleased  = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_reaper_released_total", Help: "Stale scheduling rows returned to queued"})
	OrphanedUploads = prometheus.NewCounter(prometheus.CounterOpts{Name: "publisher_orphaned_uploads_total", Help: "Uploads whose row already carried another platform id"})
	LeaseExtends    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publisher_lease_extends_total", Help: "Heartbeats sent for in-flight jobs"}, []string{"result"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publisher_inflight", Help: "Messages currently being processed"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publisher_queue_depth", Help: "Messages waiting in the publish queue"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ClaimedRows,
			Dispatched,
			Uploads,
			UploadBytes,
			ChunkLatency,
			Retries,
			QuotaRejects,
			HookFailures,
			PollerChecked,
			PollerPosted,
			ReaperReleased,
			OrphanedUploads,
			LeaseExtends,
			InFlightGauge,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
