// Package metrics provides the gateway's Prometheus registry.
//
// All metrics are scoped to a private registry (not the global default),
// following the teacher's internal/metrics/prometheus.go pattern, so they
// never collide with host-level metrics when embedded elsewhere. The
// series are narrowed to exactly the four spec §6 names the gateway HTTP
// surface promises: gateway_requests_total, gateway_key_pool_size,
// worker_probe_total, gateway_latency_seconds. Go/process collectors ride
// along for free ambient runtime visibility, same as the teacher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds every metric the gateway exports.
type Registry struct {
	reg *prometheus.Registry

	// gateway_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// gateway_key_pool_size{provider,model}
	keyPoolSize *prometheus.GaugeVec

	// worker_probe_total{provider,reason}
	workerProbeTotal *prometheus.CounterVec

	// gateway_latency_seconds{provider}
	latency *prometheus.HistogramVec

	metricsHandler fasthttp.RequestHandler
}

// New builds and registers the full metric set.
func New() *Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total dispatched requests by provider and terminal status/reason.",
		}, []string{"provider", "status"}),

		keyPoolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_key_pool_size",
			Help: "Current number of eligible keys in the in-memory pool, by provider and model.",
		}, []string{"provider", "model"}),

		workerProbeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_probe_total",
			Help: "Total probe attempts by the Probe Engine, by provider and classified reason.",
		}, []string{"provider", "reason"}),

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "Upstream request latency in seconds, by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
	}

	reg.MustRegister(r.requestsTotal, r.keyPoolSize, r.workerProbeTotal, r.latency)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// RecordGatewayRequest increments gateway_requests_total{provider,status}.
// status is either "success", "no_healthy_keys", or an ErrorReason string
// as-is (upper case, e.g. "INVALID_KEY").
func (r *Registry) RecordGatewayRequest(provider, status string) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(provider, status).Inc()
}

// SetKeyPoolSize sets gateway_key_pool_size{provider,model}.
func (r *Registry) SetKeyPoolSize(provider, model string, size int) {
	if r == nil {
		return
	}
	r.keyPoolSize.WithLabelValues(provider, model).Set(float64(size))
}

// RecordWorkerProbe increments worker_probe_total{provider,reason}.
func (r *Registry) RecordWorkerProbe(provider, reason string) {
	if r == nil {
		return
	}
	r.workerProbeTotal.WithLabelValues(provider, reason).Inc()
}

// ObserveLatency records one upstream-latency sample for provider.
func (r *Registry) ObserveLatency(provider string, seconds float64) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(provider).Observe(seconds)
}

// Handler returns the /metrics fasthttp handler.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
