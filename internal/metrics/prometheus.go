// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics live in a private registry (not the global default) so they
// don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
//
// Every method is safe to call on a nil *Registry, which records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_completions_total{strategy,provider,cache}
	completions *prometheus.CounterVec

	// gateway_provider_attempts_total{provider,outcome}
	attempts *prometheus.CounterVec

	// gateway_provider_attempt_duration_seconds{provider,outcome}
	attemptDuration *prometheus.HistogramVec

	// gateway_provider_retries_total{provider}
	retries *prometheus.CounterVec

	// gateway_failover_total{from,to,reason}
	failovers *prometheus.CounterVec

	// gateway_all_failed_total{strategy}
	allFailed *prometheus.CounterVec

	// gateway_provider_available{provider} 1=available, 0=unavailable
	available *prometheus.GaugeVec

	// gateway_availability_transitions_total{provider,to}
	transitions *prometheus.CounterVec

	// gateway_ratelimit_total{tier,result}
	rateLimit *prometheus.CounterVec

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_tokens_total{provider}
	tokens *prometheus.CounterVec

	// gateway_estimated_cost_usd_total{provider}
	cost *prometheus.CounterVec

	// gateway_usage_log_dropped_total
	droppedLogs prometheus.CounterFunc

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests handled by the gateway",
		}, []string{"route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
			Buckets: durationBuckets,
		}, []string{"route"}),

		httpReqSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_size_bytes",
			Help:    "HTTP request body size in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
		}, []string{"route"}),

		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_completions_total",
			Help: "Successful completions by strategy, serving provider and cache status",
		}, []string{"strategy", "provider", "cache"}),

		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_attempts_total",
			Help: "Upstream provider attempts (one per candidate tried, retries excluded)",
		}, []string{"provider", "outcome"}),

		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_provider_attempt_duration_seconds",
			Help:    "Upstream provider attempt duration in seconds",
			Buckets: durationBuckets,
		}, []string{"provider", "outcome"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_retries_total",
			Help: "Immediate retries against the same provider after a transient error",
		}, []string{"provider"}),

		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_failover_total",
			Help: "Switches from a failed candidate to the next one",
		}, []string{"from", "to", "reason"}),

		allFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_all_failed_total",
			Help: "Requests for which every candidate failed",
		}, []string{"strategy"}),

		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_available",
			Help: "Provider availability (1=available, 0=unavailable)",
		}, []string{"provider"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_availability_transitions_total",
			Help: "Provider availability flips",
		}, []string{"provider", "to"}),

		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ratelimit_total",
			Help: "Rate limit decisions",
		}, []string{"tier", "result"}),

		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_operations_total",
			Help: "Cache operations by type and result",
		}, []string{"op", "result"}),

		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Estimated tokens served by upstream providers",
		}, []string{"provider"}),

		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_estimated_cost_usd_total",
			Help: "Estimated upstream spend in USD",
		}, []string{"provider"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.completions,
		r.attempts,
		r.attemptDuration,
		r.retries,
		r.failovers,
		r.allFailed,
		r.available,
		r.transitions,
		r.rateLimit,
		r.cacheOps,
		r.tokens,
		r.cost,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() {
	if r != nil {
		r.inFlight.Inc()
	}
}

func (r *Registry) DecInFlight() {
	if r != nil {
		r.inFlight.Dec()
	}
}

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	if r == nil {
		return
	}
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// RecordCompletion counts one successful /complete response.
func (r *Registry) RecordCompletion(strategy, provider, cache string) {
	if r != nil {
		r.completions.WithLabelValues(strategy, provider, cache).Inc()
	}
}

// ObserveAttempt records one candidate attempt. outcome is "success" or a
// failure category.
func (r *Registry) ObserveAttempt(provider, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(provider, outcome).Inc()
	r.attemptDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordRetry(provider string) {
	if r != nil {
		r.retries.WithLabelValues(provider).Inc()
	}
}

func (r *Registry) RecordFailover(from, to, reason string) {
	if r != nil {
		r.failovers.WithLabelValues(from, to, reason).Inc()
	}
}

func (r *Registry) RecordAllFailed(strategy string) {
	if r != nil {
		r.allFailed.WithLabelValues(strategy).Inc()
	}
}

// SetProviderAvailable updates the gauge and counts the transition.
func (r *Registry) SetProviderAvailable(provider string, ok bool) {
	if r == nil {
		return
	}
	v, to := 0.0, "unavailable"
	if ok {
		v, to = 1, "available"
	}
	r.available.WithLabelValues(provider).Set(v)
	r.transitions.WithLabelValues(provider, to).Inc()
}

// InitProvider exposes the availability gauge before the first transition.
func (r *Registry) InitProvider(provider string) {
	if r != nil {
		r.available.WithLabelValues(provider).Set(1)
	}
}

// RecordRateLimit counts one decision; result is "allowed", "rejected" or
// "error".
func (r *Registry) RecordRateLimit(tier, result string) {
	if r != nil {
		r.rateLimit.WithLabelValues(tier, result).Inc()
	}
}

// RecordCache counts a cache operation, e.g. ("get","hit") or ("put","error").
func (r *Registry) RecordCache(op, result string) {
	if r != nil {
		r.cacheOps.WithLabelValues(op, result).Inc()
	}
}

// AddUsage adds served tokens and estimated spend for provider.
func (r *Registry) AddUsage(provider string, tokens int, costUSD float64) {
	if r == nil {
		return
	}
	if tokens > 0 {
		r.tokens.WithLabelValues(provider).Add(float64(tokens))
	}
	if costUSD > 0 {
		r.cost.WithLabelValues(provider).Add(costUSD)
	}
}

// WatchDroppedLogs exports fn as gateway_usage_log_dropped_total. Call once.
func (r *Registry) WatchDroppedLogs(fn func() int64) {
	if r == nil || fn == nil || r.droppedLogs != nil {
		return
	}
	r.droppedLogs = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gateway_usage_log_dropped_total",
		Help: "Usage records dropped because the log buffer was full",
	}, func() float64 { return float64(fn()) })
	r.reg.MustRegister(r.droppedLogs)
}

func (r *Registry) SetBuildInfo(version string) {
	if r != nil {
		// Gauge is used so the time series always exists.
		r.buildInfo.WithLabelValues(version).Set(1)
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
