package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parcelgate"

// Metrics groups the gateway's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	cacheLookups     *prometheus.CounterVec
	searchOutcomes   *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		reg: reg,
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Memoized call lookups by segment and result (hit, miss).",
		}, []string{"segment", "result"}),
		searchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mrs_requests_total",
			Help:      "MRS requests by outcome.",
		}, []string{"outcome"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Cadastre upstream request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
	}
	reg.MustRegister(m.cacheLookups, m.searchOutcomes, m.upstreamDuration)
	return m
}

func (m *Metrics) CacheLookup(segment string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(segment, result).Inc()
}

func (m *Metrics) RequestOutcome(outcome string) {
	if m == nil {
		return
	}
	m.searchOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UpstreamRequest(op, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.upstreamDuration.WithLabelValues(op, status).Observe(d.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
