package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector wires handler/listener events into Prometheus collectors. It
// satisfies handler.Metrics directly; every field is itself safe for
// concurrent use.
type Collector struct {
	activeConnections prometheus.Gauge
	acceptedTotal     *prometheus.CounterVec
	dialFailuresTotal *prometheus.CounterVec
	dialLatency       *prometheus.HistogramVec
	bytesIngress      *prometheus.CounterVec
	bytesEgress       *prometheus.CounterVec
}

// NewCollector registers a fresh set of dispatcher metrics against reg.
// Pass prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer to use the global one.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dispatchproxy_active_connections",
			Help: "Number of connections currently being handled.",
		}),
		acceptedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchproxy_accepted_connections_total",
			Help: "Total connections accepted, labeled by selected profile.",
		}, []string{"profile"}),
		dialFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchproxy_dial_failures_total",
			Help: "Total upstream dial failures, labeled by profile.",
		}, []string{"profile"}),
		dialLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatchproxy_dial_duration_seconds",
			Help:    "Upstream dial latency, labeled by profile.",
			Buckets: prometheus.DefBuckets,
		}, []string{"profile"}),
		bytesIngress: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchproxy_bytes_ingress_total",
			Help: "Bytes copied from client to upstream, labeled by profile.",
		}, []string{"profile"}),
		bytesEgress: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatchproxy_bytes_egress_total",
			Help: "Bytes copied from upstream to client, labeled by profile.",
		}, []string{"profile"}),
	}
}

func (c *Collector) IncActive() { c.activeConnections.Inc() }
func (c *Collector) DecActive() { c.activeConnections.Dec() }

func (c *Collector) AddAccepted(profileName string) {
	c.acceptedTotal.WithLabelValues(profileName).Inc()
}

func (c *Collector) AddDialFailure(profileName string) {
	c.dialFailuresTotal.WithLabelValues(profileName).Inc()
}

func (c *Collector) ObserveDialLatency(profileName string, d time.Duration) {
	c.dialLatency.WithLabelValues(profileName).Observe(d.Seconds())
}

func (c *Collector) AddIngress(profileName string, n int64) {
	c.bytesIngress.WithLabelValues(profileName).Add(float64(n))
}

func (c *Collector) AddEgress(profileName string, n int64) {
	c.bytesEgress.WithLabelValues(profileName).Add(float64(n))
}
