package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "satbridge"

// Metrics are the bridge's own operational metrics. Every method is safe on a
// nil receiver so components can run without a registry.
type Metrics struct {
	PipelineState   prometheus.Gauge
	PollsTotal      *prometheus.CounterVec
	PollDuration    prometheus.Histogram
	RowsReceived    *prometheus.CounterVec
	RowsDropped     *prometheus.CounterVec
	RecordsEmitted  *prometheus.CounterVec
	BatchesTotal    *prometheus.CounterVec
	SinkWrites      *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	SpoolOperations *prometheus.CounterVec
	LastPublish     prometheus.Gauge
	HealthStatus    *prometheus.GaugeVec
}

// NewMetrics creates the metric set without registering it.
func NewMetrics() *Metrics {
	return &Metrics{
		PipelineState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "state",
			Help:      "Pipeline state (0=polling, 1=publishing, 2=halted)",
		}),
		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "polls_total",
			Help:      "Stream polls by result",
		}, []string{"result"}), // ok, empty, transient, rejected, auth
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "poll_duration_seconds",
			Help:      "Long-poll request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 15, 20, 30, 60},
		}),
		RowsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      "rows_received_total",
			Help:      "Upstream rows seen by the normalizer",
		}, []string{"kind"}), // telemetry, alert, allocation
		RowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      "dropped_total",
			Help:      "Rows, alert codes, fields and addresses dropped during normalization",
		}, []string{"reason"}),
		RecordsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      "records_total",
			Help:      "Normalized records by category",
		}, []string{"category"}),
		BatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "batches_total",
			Help:      "Batches by outcome",
		}, []string{"outcome"}), // published, empty, halted, spooled
		SinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "writes_total",
			Help:      "Sink publish attempts by result",
		}, []string{"sink", "result"}), // accepted, retryable, terminal
		PublishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "publish_duration_seconds",
			Help:      "Duration of a single sink publish attempt",
			Buckets:   prometheus.DefBuckets,
		}, []string{"sink"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "retries_total",
			Help:      "Retries scheduled by stage",
		}, []string{"stage"}), // poll, publish
		SpoolOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spool",
			Name:      "operations_total",
			Help:      "Spool operations by kind and result",
		}, []string{"op", "result"}),
		LastPublish: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "last_publish_timestamp_seconds",
			Help:      "Unix time of the last fully acknowledged batch",
		}),
		HealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Component health (0=unhealthy, 1=degraded, 2=healthy)",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PipelineState, m.PollsTotal, m.PollDuration, m.RowsReceived, m.RowsDropped,
		m.RecordsEmitted, m.BatchesTotal, m.SinkWrites, m.PublishDuration,
		m.RetriesTotal, m.SpoolOperations, m.LastPublish, m.HealthStatus,
	}
}

func (m *Metrics) RecordPipelineState(state int) {
	if m == nil {
		return
	}
	m.PipelineState.Set(float64(state))
}

func (m *Metrics) RecordPoll(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PollsTotal.WithLabelValues(result).Inc()
	m.PollDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordRow(kind string) {
	if m == nil {
		return
	}
	m.RowsReceived.WithLabelValues(kind).Inc()
}

// RecordDrop counts one dropped item. Reasons are a small fixed set:
// schema_gap, unknown_alert_code, missing_identity, unparseable_value,
// unparseable_address, unmatched_allocation.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.RowsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordRecords(category string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsEmitted.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) RecordBatch(outcome string) {
	if m == nil {
		return
	}
	m.BatchesTotal.WithLabelValues(outcome).Inc()
	if outcome == "published" {
		m.LastPublish.SetToCurrentTime()
	}
}

func (m *Metrics) RecordSinkWrite(sink, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SinkWrites.WithLabelValues(sink, result).Inc()
	m.PublishDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

func (m *Metrics) RecordRetry(stage string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordSpool(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SpoolOperations.WithLabelValues(op, result).Inc()
}

// RecordHealthStatus maps healthy/degraded/unhealthy to 2/1/0.
func (m *Metrics) RecordHealthStatus(component, status string) {
	if m == nil {
		return
	}
	value := 0.0
	switch status {
	case "healthy":
		value = 2
	case "degraded":
		value = 1
	}
	m.HealthStatus.WithLabelValues(component).Set(value)
}
