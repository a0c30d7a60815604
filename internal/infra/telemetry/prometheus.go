package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"crewd/internal/domain"
)

type PrometheusMetrics struct {
	requestDuration   *prometheus.HistogramVec
	discoveryDuration *prometheus.HistogramVec
	registryTools     *prometheus.GaugeVec
	knowledgeOps      *prometheus.CounterVec
	eventsAppended    *prometheus.CounterVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crewd_request_duration_seconds",
				Help:    "Duration of orchestrated requests in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"crew", "status"},
		),
		discoveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crewd_discovery_duration_seconds",
				Help:    "Duration of per-registry capability fetches in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"registry", "outcome"},
		),
		registryTools: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crewd_registry_tools",
				Help: "Tools exposed by each registry at last discovery",
			},
			[]string{"registry"},
		),
		knowledgeOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewd_knowledge_operations_total",
				Help: "Total knowledge manager operations",
			},
			[]string{"op", "status"},
		),
		eventsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crewd_knowledge_events_total",
				Help: "Total knowledge events appended to tenant logs",
			},
			[]string{"event_type"},
		),
	}
}

func (p *PrometheusMetrics) ObserveRequest(crew string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.requestDuration.WithLabelValues(crew, status).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveDiscovery(registry string, outcome domain.DiscoveryOutcome, duration time.Duration) {
	p.discoveryDuration.WithLabelValues(registry, string(outcome)).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) SetRegistryTools(registry string, count int) {
	p.registryTools.WithLabelValues(registry).Set(float64(count))
}

func (p *PrometheusMetrics) ObserveKnowledgeOp(op domain.KnowledgeOp, ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	p.knowledgeOps.WithLabelValues(string(op), status).Inc()
}

func (p *PrometheusMetrics) ObserveEventAppended(eventType domain.KnowledgeEventType) {
	p.eventsAppended.WithLabelValues(string(eventType)).Inc()
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
