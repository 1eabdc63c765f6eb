package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"unimcp/internal/domain"
)

type PrometheusMetrics struct {
	routeDuration       *prometheus.HistogramVec
	aggregationDuration prometheus.Histogram
	aggregatedTools     prometheus.Gauge
	sourceStatus        *prometheus.GaugeVec
	wsClients           prometheus.Gauge
	peerReconnects      *prometheus.CounterVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		routeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unimcp_route_duration_seconds",
				Help:    "Duration of routed tool calls in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"source", "status"},
		),
		aggregationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "unimcp_aggregation_duration_seconds",
				Help:    "Duration of catalog aggregation passes in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		aggregatedTools: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "unimcp_aggregated_tools",
				Help: "Number of tools in the most recent aggregation",
			},
		),
		sourceStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "unimcp_source_status",
				Help: "Current status of each source (1 for the active status)",
			},
			[]string{"source", "status"},
		),
		wsClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "unimcp_ws_clients",
				Help: "Current number of connected WebSocket clients",
			},
		),
		peerReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unimcp_peer_reconnects_total",
				Help: "Total number of WebSocket peer reconnect attempts",
			},
			[]string{"source", "outcome"},
		),
	}
}

func (p *PrometheusMetrics) ObserveRoute(metric domain.RouteMetric) {
	p.routeDuration.WithLabelValues(metric.SourceID, string(metric.Status)).Observe(metric.Duration.Seconds())
}

func (p *PrometheusMetrics) ObserveAggregation(duration time.Duration, tools int) {
	p.aggregationDuration.Observe(duration.Seconds())
	p.aggregatedTools.Set(float64(tools))
}

func (p *PrometheusMetrics) SetSourceStatus(sourceID string, status domain.SourceStatus) {
	for _, candidate := range domain.AllSourceStatuses {
		value := 0.0
		if candidate == status {
			value = 1
		}
		p.sourceStatus.WithLabelValues(sourceID, string(candidate)).Set(value)
	}
}

func (p *PrometheusMetrics) SetWebSocketClients(count int) {
	p.wsClients.Set(float64(count))
}

func (p *PrometheusMetrics) ObservePeerReconnect(sourceID string, outcome string) {
	p.peerReconnects.WithLabelValues(sourceID, outcome).Inc()
}

// Handler serves the metrics gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
