// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transcript_relay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Stream metrics
	StreamsTotal    prometheus.Counter
	StreamsActive   prometheus.Gauge
	StreamsFailed   prometheus.Counter
	StreamDuration  prometheus.Histogram
	TeardownErrors  prometheus.Counter
	StreamsReplaced prometheus.Counter

	// Transcript metrics
	TranscriptsPartial  prometheus.Counter
	TranscriptsFinal    prometheus.Counter
	TranscriptsRejected *prometheus.CounterVec
	SegmentsDropped     *prometheus.CounterVec

	// Audio metrics
	AudioBytesReceived  prometheus.Counter
	AudioFramesReceived prometheus.Counter
	AudioFramesDropped  *prometheus.CounterVec

	// Broadcast metrics
	BroadcastsTotal     *prometheus.CounterVec
	BroadcastDeliveries prometheus.Counter
	BroadcastDropped    prometheus.Counter
	GroupsActive        prometheus.Gauge

	// Detection metrics
	DetectionsTotal  *prometheus.CounterVec
	DetectionLatency prometheus.Histogram
	AnnotationsTotal prometheus.Counter
	EnrichmentPanics prometheus.Counter

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec
	HandoffDropped      prometheus.Counter

	// STT metrics
	STTOpenLatency *prometheus.HistogramVec
	STTErrors      *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
// It registers with the default registry and must only be called once.
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open client connections",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of client connections accepted",
		}),

		StreamsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Total number of transcription streams started",
		}),
		StreamsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active transcription streams",
		}),
		StreamsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_failed_total",
			Help:      "Total number of streams that failed to open",
		}),
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Duration of transcription streams in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600, 7200},
		}),
		TeardownErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_teardown_errors_total",
			Help:      "Errors raised while closing upstream sessions",
		}),
		StreamsReplaced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_replaced_total",
			Help:      "Streams torn down because the same connection started a new one",
		}),

		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of provisional transcripts broadcast",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts broadcast",
		}),
		TranscriptsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_rejected_total",
			Help:      "Transcript results suppressed before broadcast",
		}, []string{"reason"}),
		SegmentsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_dropped_total",
			Help:      "Segments abandoned after exceeding a per-segment limit",
		}, []string{"reason"}),

		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received",
		}),
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received",
		}),
		AudioFramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames dropped before reaching the upstream session",
		}, []string{"reason"}),

		BroadcastsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Total number of group broadcasts",
		}, []string{"type"}),
		BroadcastDeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Notifications enqueued to group members",
		}),
		BroadcastDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Notifications dropped because a member's buffer was full",
		}),
		GroupsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups_active",
			Help:      "Number of session groups with at least one local member",
		}),

		DetectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Reference detection attempts by result",
		}, []string{"result"}),
		DetectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_latency_seconds",
			Help:      "Reference detection latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		AnnotationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "annotations_total",
			Help:      "Total number of annotations broadcast",
		}),
		EnrichmentPanics: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_panics_total",
			Help:      "Panics recovered inside background enrichment",
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),
		HandoffDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_dropped_total",
			Help:      "Records dropped because the Kafka hand-off queue was full or closed",
		}),

		STTOpenLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_open_latency_seconds",
			Help:      "Time to open an upstream speech session",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"provider"}),
		STTErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_errors_total",
			Help:      "Total number of STT errors",
		}, []string{"provider", "error_type"}),
	}
}

func (m *Metrics) RecordConnectionOpen() {
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) RecordConnectionClose() {
	m.ConnectionsActive.Dec()
}

// RecordStreamStart records a new stream starting.
func (m *Metrics) RecordStreamStart(provider string, openSeconds float64) {
	m.StreamsTotal.Inc()
	m.StreamsActive.Inc()
	m.STTOpenLatency.WithLabelValues(provider).Observe(openSeconds)
}

// RecordStreamFailed records a stream that could not be opened.
func (m *Metrics) RecordStreamFailed(provider string) {
	m.StreamsFailed.Inc()
	m.STTErrors.WithLabelValues(provider, "connect").Inc()
}

// RecordStreamEnd records a stream ending.
func (m *Metrics) RecordStreamEnd(durationSeconds float64) {
	m.StreamsActive.Dec()
	m.StreamDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordTeardownError() {
	m.TeardownErrors.Inc()
}

func (m *Metrics) RecordStreamReplaced() {
	m.StreamsReplaced.Inc()
}

// RecordTranscript records a transcript broadcast.
func (m *Metrics) RecordTranscript(final bool) {
	if final {
		m.TranscriptsFinal.Inc()
		return
	}
	m.TranscriptsPartial.Inc()
}

func (m *Metrics) RecordTranscriptRejected(reason string) {
	m.TranscriptsRejected.WithLabelValues(reason).Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

func (m *Metrics) RecordAudioDropped(reason string) {
	m.AudioFramesDropped.WithLabelValues(reason).Inc()
}

// RecordBroadcast records one group broadcast and its local fan-out.
func (m *Metrics) RecordBroadcast(eventType string, delivered, dropped int) {
	m.BroadcastsTotal.WithLabelValues(eventType).Inc()
	m.BroadcastDeliveries.Add(float64(delivered))
	m.BroadcastDropped.Add(float64(dropped))
}

func (m *Metrics) SetGroupsActive(n int) {
	m.GroupsActive.Set(float64(n))
}

// RecordDetection records a detection outcome: success, error or skipped.
func (m *Metrics) RecordDetection(result string, latencySeconds float64) {
	m.DetectionsTotal.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.DetectionLatency.Observe(latencySeconds)
	}
}

func (m *Metrics) RecordAnnotation() {
	m.AnnotationsTotal.Inc()
}

func (m *Metrics) RecordEnrichmentPanic() {
	m.EnrichmentPanics.Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

func (m *Metrics) RecordHandoffDropped() {
	m.HandoffDropped.Inc()
}

// RecordSegmentDropped records a segment abandoned by a per-segment limit.
func (m *Metrics) RecordSegmentDropped(reason string) {
	m.SegmentsDropped.WithLabelValues(reason).Inc()
}

// RecordSTTError records an STT error.
func (m *Metrics) RecordSTTError(provider, errorType string) {
	m.STTErrors.WithLabelValues(provider, errorType).Inc()
}
