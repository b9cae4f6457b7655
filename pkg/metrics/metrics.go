package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Document store metrics
	DocumentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jmapd_documents_total",
			Help: "Total number of live documents by collection",
		},
		[]string{"collection"},
	)

	ChangeLogLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jmapd_changelog_length",
			Help: "Number of uncompacted change-log entries by collection",
		},
		[]string{"collection"},
	)

	// Blob store metrics
	BlobsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jmapd_blobs_total",
			Help: "Total number of blobs with a nonzero refcount",
		},
	)

	BlobBytesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jmapd_blob_bytes_total",
			Help: "Total bytes occupied by live blobs",
		},
	)

	BlobsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jmapd_blobs_reaped_total",
			Help: "Total number of blobs physically removed after grace period",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jmapd_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jmapd_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jmapd_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jmapd_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jmapd_raft_commit_duration_seconds",
			Help:    "Time taken for a synchronous commit wait to observe the target index",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jmapd_raft_apply_duration_seconds",
			Help:    "Time taken for the FSM to apply one Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	// JMAP coordinator metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jmapd_api_requests_total",
			Help: "Total number of JMAP method calls by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jmapd_api_request_duration_seconds",
			Help:    "JMAP method call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	SetCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jmapd_set_created_total",
			Help: "Total number of objects created via set by collection",
		},
		[]string{"collection"},
	)

	SetDestroyedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jmapd_set_destroyed_total",
			Help: "Total number of objects destroyed via set by collection",
		},
		[]string{"collection"},
	)

	StateMismatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jmapd_state_mismatch_total",
			Help: "Total number of set calls rejected for an ifInState mismatch",
		},
	)
)

func init() {
	prometheus.MustRegister(DocumentsTotal)
	prometheus.MustRegister(ChangeLogLength)
	prometheus.MustRegister(BlobsTotal)
	prometheus.MustRegister(BlobBytesTotal)
	prometheus.MustRegister(BlobsReapedTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftCommitDuration)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SetCreatedTotal)
	prometheus.MustRegister(SetDestroyedTotal)
	prometheus.MustRegister(StateMismatchTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
