package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"frameworks/api_dashboard/internal/realtime"
	"frameworks/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the dashboard service
type Metrics struct {
	// Source reads
	SourceReads        *prometheus.CounterVec
	SourceReadDuration *prometheus.HistogramVec
	JoinFetches        *prometheus.CounterVec

	// Aggregation
	MetricComputations *prometheus.CounterVec
	ComputeDuration    *prometheus.HistogramVec

	// Realtime
	RealtimeChannels *prometheus.GaugeVec
	RealtimeEvents   *prometheus.CounterVec
	HubConnections   *prometheus.GaugeVec
}

func New(mc *monitoring.MetricsCollector) *Metrics {
	reads, readDuration := mc.CreateDatabaseMetrics()
	return &Metrics{
		SourceReads:        reads,
		SourceReadDuration: readDuration,
		JoinFetches:        mc.NewCounter("join_fetches_total", "Manual join target fetches", []string{"table", "status"}),
		MetricComputations: mc.NewCounter("metric_computations_total", "Metric computations", []string{"metric", "status"}),
		ComputeDuration:    mc.NewHistogram("metric_compute_duration_seconds", "Metric computation duration", []string{"metric"}, nil),
		RealtimeChannels:   mc.NewGauge("realtime_channels", "Change-feed channels by state", []string{"state"}),
		RealtimeEvents:     mc.NewCounter("realtime_events_total", "Change events delivered", []string{"table", "kind"}),
		HubConnections:     mc.NewGauge("hub_connections", "Connected websocket clients", []string{}),
	}
}

func (m *Metrics) ObserveRead(table, status string, elapsed time.Duration) {
	m.SourceReads.WithLabelValues(table, status).Inc()
	m.SourceReadDuration.WithLabelValues(table).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveJoin(table, status string) {
	m.JoinFetches.WithLabelValues(table, status).Inc()
}

func (m *Metrics) ObserveCompute(metric, status string, elapsed time.Duration) {
	m.MetricComputations.WithLabelValues(metric, status).Inc()
	m.ComputeDuration.WithLabelValues(metric).Observe(elapsed.Seconds())
}

// ObserveState moves one channel between state gauges. Unsubscribed and
// closed channels are not counted.
func (m *Metrics) ObserveState(_ realtime.ChannelKey, from, to realtime.State) {
	if counted(from) {
		m.RealtimeChannels.WithLabelValues(string(from)).Dec()
	}
	if counted(to) {
		m.RealtimeChannels.WithLabelValues(string(to)).Inc()
	}
}

func (m *Metrics) ObserveEvent(key realtime.ChannelKey, kind realtime.Kind) {
	m.RealtimeEvents.WithLabelValues(key.Table, string(kind)).Inc()
}

func (m *Metrics) SetConnections(n int) {
	m.HubConnections.WithLabelValues().Set(float64(n))
}

func counted(s realtime.State) bool {
	return s != realtime.StateUnsubscribed && s != realtime.StateClosed
}
