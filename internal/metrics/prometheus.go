// Package metrics provides a Prometheus metrics registry for the relay.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nulpointcorp/llm-relay/internal/circuit"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// relay_inflight_requests
	inFlight prometheus.Gauge

	// relay_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// relay_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// relay_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// relay_upstream_attempts_total{provider,format,outcome}
	upstreamAttempts *prometheus.CounterVec

	// relay_upstream_attempt_duration_seconds{provider,format,outcome}
	upstreamDuration *prometheus.HistogramVec

	// relay_chain_outcomes_total{format,reason}
	chainOutcomes *prometheus.CounterVec

	// relay_chain_attempts{format}
	chainAttempts *prometheus.HistogramVec

	// relay_circuit_breaker_state{scope,key} 0=closed, 1=open, 2=half-open
	circuitState *prometheus.GaugeVec

	// relay_circuit_breaker_transitions_total{scope,to_state}
	cbTransitions *prometheus.CounterVec

	// relay_guard_short_circuits_total{step}
	guardShortCircuits *prometheus.CounterVec

	// relay_ratelimit_total{kind,result}
	rateLimitTotal *prometheus.CounterVec

	// relay_active_sessions
	activeLeases prometheus.Gauge

	// relay_spend_usd_total{scope}
	spendTotal *prometheus.CounterVec

	// relay_tokens_total{provider,format,direction}
	tokensTotal *prometheus.CounterVec

	// relay_usage_records_dropped_total
	usageDropped prometheus.Counter

	// relay_upstream_health{scope,id}
	upstreamHealth *prometheus.GaugeVec

	// relay_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the relay",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Total number of HTTP requests handled by the relay",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes every upstream attempt)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B .. ~512KB
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_upstream_attempts_total",
				Help: "Total upstream attempts, one per chain entry",
			},
			[]string{"provider", "format", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds (to response headers for streams)",
				Buckets: durationBuckets,
			},
			[]string{"provider", "format", "outcome"},
		),

		chainOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_chain_outcomes_total",
				Help: "Final outcome of each forwarding engagement by last chain reason",
			},
			[]string{"format", "reason"},
		),

		chainAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_chain_attempts",
				Help:    "Upstream attempts per forwarding engagement",
				Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
			},
			[]string{"format"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"scope", "key"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"scope", "to_state"},
		),

		guardShortCircuits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_guard_short_circuits_total",
				Help: "Requests answered by a guard step before forwarding",
			},
			[]string{"step"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"kind", "result"},
		),

		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Concurrency leases currently held by in-flight requests",
		}),

		spendTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_spend_usd_total",
				Help: "Metered spend in USD",
			},
			[]string{"scope"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "format", "direction"},
		),

		usageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_usage_records_dropped_total",
			Help: "Usage records dropped because the log buffer was full",
		}),

		upstreamHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_upstream_health",
				Help: "Last probe outcome per provider or endpoint (1=ok, 0=failed)",
			},
			[]string{"scope", "id"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.chainOutcomes,
		r.chainAttempts,
		r.circuitState,
		r.cbTransitions,
		r.guardShortCircuits,
		r.rateLimitTotal,
		r.activeLeases,
		r.spendTotal,
		r.tokensTotal,
		r.usageDropped,
		r.upstreamHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, format, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, format, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, format, outcome).Observe(dur.Seconds())
}

// ObserveChain records the final reason and length of one engagement.
func (r *Registry) ObserveChain(format, reason string, attempts int) {
	r.chainOutcomes.WithLabelValues(format, reason).Inc()
	r.chainAttempts.WithLabelValues(format).Observe(float64(attempts))
}

// CircuitStateChanged is a circuit.WithStateChange hook.
func (r *Registry) CircuitStateChanged(scope, key string, _, to circuit.State) {
	r.circuitState.WithLabelValues(scope, key).Set(float64(to))
	r.cbTransitions.WithLabelValues(scope, to.String()).Inc()
}

func (r *Registry) RecordGuardShortCircuit(step string) {
	r.guardShortCircuits.WithLabelValues(step).Inc()
}

func (r *Registry) RecordRateLimit(kind, result string) {
	r.rateLimitTotal.WithLabelValues(kind, result).Inc()
}

func (r *Registry) IncActiveSessions() { r.activeLeases.Inc() }
func (r *Registry) DecActiveSessions() { r.activeLeases.Dec() }

func (r *Registry) AddSpend(scope string, usd float64) {
	if usd > 0 {
		r.spendTotal.WithLabelValues(scope).Add(usd)
	}
}

func (r *Registry) AddTokens(provider, format string, inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, format, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, format, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordUsageDropped() { r.usageDropped.Inc() }

// SetUpstreamHealth records the probe outcome of a provider or endpoint.
func (r *Registry) SetUpstreamHealth(scope, id string, ok bool) {
	if ok {
		r.upstreamHealth.WithLabelValues(scope, id).Set(1)
		return
	}
	r.upstreamHealth.WithLabelValues(scope, id).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
