package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store-wide gauges, labeled by domain ("session"/"fpc").
	RecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cybercached_records_total",
			Help: "Number of records currently held, by domain",
		},
		[]string{"domain"},
	)

	MemoryUsedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cybercached_memory_used_bytes",
			Help: "Bytes of payload memory currently accounted, by domain",
		},
		[]string{"domain"},
	)

	MemoryFillingPercentage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cybercached_memory_filling_percentage",
			Help: "Percentage of configured quota currently used, by domain",
		},
		[]string{"domain"},
	)

	ShardsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cybercached_shards_total",
			Help: "Number of hash table shards, by domain",
		},
		[]string{"domain"},
	)

	ShardResizesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybercached_shard_resizes_total",
			Help: "Total number of shard bucket-array growths, by domain",
		},
		[]string{"domain"},
	)

	DeletionQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cybercached_deletion_queue_depth",
			Help: "Current depth of a shard's deferred-disposal queue, by domain",
		},
		[]string{"domain"},
	)

	// Command counters, labeled by domain and command name.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybercached_commands_total",
			Help: "Total number of store commands processed, by domain, command, and result",
		},
		[]string{"domain", "command", "result"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cybercached_command_duration_seconds",
			Help:    "Store command latency in seconds, by domain and command",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain", "command"},
	)

	// Optimizer metrics.
	OptimizerPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybercached_optimizer_passes_total",
			Help: "Total number of optimization passes run, by domain",
		},
		[]string{"domain"},
	)

	OptimizerRecompressionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybercached_optimizer_recompressions_total",
			Help: "Total number of records re-compressed by an optimization pass, by domain",
		},
		[]string{"domain"},
	)

	OptimizerEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybercached_optimizer_evictions_total",
			Help: "Total number of records evicted, by domain and reason",
		},
		[]string{"domain", "reason"},
	)

	OptimizerDeleteRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cybercached_optimizer_delete_retries_total",
			Help: "Total number of out-of-order delete notices re-enqueued, by domain",
		},
		[]string{"domain"},
	)

	OptimizerQueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cybercached_optimizer_queue_length",
			Help: "Current length of an optimizer's message queue, by domain",
		},
		[]string{"domain"},
	)

	// Tag manager metrics.
	TagsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cybercached_tags_total",
			Help: "Number of distinct tags currently indexed",
		},
	)

	TagRefsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cybercached_tag_refs_total",
			Help: "Number of record-to-tag cross references currently indexed",
		},
	)

	TagManagerQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cybercached_tagmanager_queue_length",
			Help: "Current length of the tag manager's message queue",
		},
	)

	// Dispatcher / memory-pressure metrics.
	MemoryDeallocationWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cybercached_memory_deallocation_wait_seconds",
			Help:    "Time spent waiting for begin_memory_deallocation to free enough memory",
			Buckets: prometheus.DefBuckets,
		},
	)

	MemoryDeallocationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cybercached_memory_deallocation_failures_total",
			Help: "Total number of begin_memory_deallocation calls that timed out before freeing enough memory",
		},
	)

	// TCP transport metrics.
	ConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cybercached_connections_total",
			Help: "Number of currently open client connections",
		},
	)

	BytesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cybercached_bytes_received_total",
			Help: "Total bytes received from clients",
		},
	)

	BytesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cybercached_bytes_sent_total",
			Help: "Total bytes sent to clients",
		},
	)
)

func init() {
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(MemoryUsedBytes)
	prometheus.MustRegister(MemoryFillingPercentage)
	prometheus.MustRegister(ShardsTotal)
	prometheus.MustRegister(ShardResizesTotal)
	prometheus.MustRegister(DeletionQueueDepth)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(OptimizerPassesTotal)
	prometheus.MustRegister(OptimizerRecompressionsTotal)
	prometheus.MustRegister(OptimizerEvictionsTotal)
	prometheus.MustRegister(OptimizerDeleteRetriesTotal)
	prometheus.MustRegister(OptimizerQueueLength)
	prometheus.MustRegister(TagsTotal)
	prometheus.MustRegister(TagRefsTotal)
	prometheus.MustRegister(TagManagerQueueLength)
	prometheus.MustRegister(MemoryDeallocationWaitSeconds)
	prometheus.MustRegister(MemoryDeallocationFailuresTotal)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(BytesReceivedTotal)
	prometheus.MustRegister(BytesSentTotal)
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

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
