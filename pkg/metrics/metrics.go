package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Stream metrics
	ActiveStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mlsengine_active_streams",
			Help: "Number of currently open subscription streams by kind",
		},
		[]string{"kind"},
	)

	StreamLag = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mlsengine_stream_lag_seconds",
			Help:    "Delay between envelope origination and delivery to a stream",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	StreamLaggedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsengine_stream_lagged_total",
			Help: "Total number of Lagged events delivered to subscribers",
		},
		[]string{"kind"},
	)

	StreamClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsengine_stream_closed_total",
			Help: "Total number of streams closed, by reason",
		},
		[]string{"kind", "reason"},
	)

	// Cursor metrics
	CursorAdvancedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsengine_cursor_advanced_total",
			Help: "Total number of times a topic cursor advanced",
		},
		[]string{"topic_kind"},
	)

	// Envelope processing metrics
	EnvelopeProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mlsengine_envelope_process_duration_seconds",
			Help:    "Time taken to process an envelope end to end",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	EnvelopesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsengine_envelopes_processed_total",
			Help: "Total number of envelopes processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	IceboxedEnvelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsengine_iceboxed_envelopes_total",
			Help: "Total number of envelopes iceboxed pending a dependency",
		},
		[]string{"kind"},
	)

	// Commit log metrics
	CommitLogForksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsengine_commit_log_forks_total",
			Help: "Total number of commit log forks detected by group",
		},
		[]string{"group_id"},
	)

	ForkedGroupsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mlsengine_forked_groups",
			Help: "Current number of groups with a detected commit log fork",
		},
	)

	GroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mlsengine_groups_total",
			Help: "Total number of groups known locally",
		},
	)

	CommitLogEntriesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mlsengine_commit_log_entries_published_total",
			Help: "Total number of signed commit log entries published",
		},
	)

	CommitLogEntriesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsengine_commit_log_entries_skipped_total",
			Help: "Total number of remote commit log entries skipped, by reason",
		},
		[]string{"reason"},
	)

	// Device sync metrics
	DeviceSyncRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mlsengine_device_sync_requests_total",
			Help: "Total number of device sync requests sent or handled",
		},
	)

	DeviceSyncRepliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mlsengine_device_sync_replies_total",
			Help: "Total number of device sync replies sent",
		},
	)

	DeviceSyncAcksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mlsengine_device_sync_acks_total",
			Help: "Total number of device sync acknowledgements sent",
		},
	)

	DeviceSyncArchiveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mlsengine_device_sync_archive_duration_seconds",
			Help:    "Time taken to upload a device sync archive",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Replication client metrics
	ReplicationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsengine_replication_requests_total",
			Help: "Total number of replication RPCs by method and status",
		},
		[]string{"method", "status"},
	)

	ReplicationRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mlsengine_replication_request_duration_seconds",
			Help:    "Replication RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Logging metrics
	LoggedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mlsengine_logged_errors_total",
			Help: "Total number of error-or-above log events emitted, by component",
		},
		[]string{"component"},
	)
)

func init() {
	prometheus.MustRegister(ActiveStreams)
	prometheus.MustRegister(StreamLag)
	prometheus.MustRegister(StreamLaggedTotal)
	prometheus.MustRegister(StreamClosedTotal)
	prometheus.MustRegister(CursorAdvancedTotal)
	prometheus.MustRegister(EnvelopeProcessDuration)
	prometheus.MustRegister(EnvelopesProcessedTotal)
	prometheus.MustRegister(IceboxedEnvelopesTotal)
	prometheus.MustRegister(CommitLogForksTotal)
	prometheus.MustRegister(ForkedGroupsGauge)
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(CommitLogEntriesPublished)
	prometheus.MustRegister(CommitLogEntriesSkipped)
	prometheus.MustRegister(DeviceSyncRequestsTotal)
	prometheus.MustRegister(DeviceSyncRepliesTotal)
	prometheus.MustRegister(DeviceSyncAcksTotal)
	prometheus.MustRegister(DeviceSyncArchiveDuration)
	prometheus.MustRegister(ReplicationRequestsTotal)
	prometheus.MustRegister(ReplicationRequestDuration)
	prometheus.MustRegister(LoggedErrorsTotal)
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
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
