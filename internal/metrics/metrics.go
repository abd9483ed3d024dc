package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Router metrics
	RouterMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_router_messages_total",
			Help: "Total number of messages routed to the handler",
		},
		[]string{"source", "status"}, // status: handled, failed, timeout
	)

	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_handler_duration_seconds",
			Help:    "Time spent in the handler per message",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"source"},
	)

	// Acknowledgment metrics
	AcksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_acks_total",
			Help: "Total number of acknowledgments committed back to sources",
		},
		[]string{"source", "status"}, // status: committed, failed
	)

	// File poller metrics
	FilePollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_file_poll_cycles_total",
			Help: "Total number of directory polling cycles",
		},
		[]string{"status"}, // status: ok, failed
	)

	FilesEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_files_emitted_total",
			Help: "Total number of files emitted as messages",
		},
	)

	FilesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_files_skipped_total",
			Help: "Total number of files skipped because they were already consumed",
		},
	)

	// Kafka consumer metrics
	KafkaRecordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_kafka_records_fetched_total",
			Help: "Total number of records fetched from Kafka",
		},
		[]string{"listener_id"},
	)

	KafkaFetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_kafka_fetch_retries_total",
			Help: "Total number of fetch retries after transient errors",
		},
		[]string{"listener_id"},
	)

	KafkaRewinds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_kafka_rewinds_total",
			Help: "Total number of reader rewinds to the committed offset",
		},
		[]string{"listener_id"},
	)

	KafkaIdleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_kafka_idle_events_total",
			Help: "Total number of idle events emitted by the consumer",
		},
		[]string{"listener_id"},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	KafkaBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_kafka_bytes_written_total",
			Help: "Total bytes written to Kafka",
		},
	)

	// Outbound send pool metrics
	SendQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_send_queue_size",
			Help: "Current size of the outbound send queue",
		},
	)

	SendDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_send_dropped_total",
			Help: "Total number of outbound sends dropped because the queue was full",
		},
	)

	// Faults
	FaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_faults_total",
			Help: "Total number of structural faults reported",
		},
		[]string{"class", "source"},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
