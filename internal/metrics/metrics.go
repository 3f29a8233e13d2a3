package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

// Prometheus metrics for the DNS forwarder.
var (
	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dns_queries_total",
		Help: "Total number of queries received, by listener transport",
	}, []string{"transport"})

	BlockedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dns_queries_blocked_total",
		Help: "Total number of queries answered from the blacklist",
	})

	ForwardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dns_queries_forwarded_total",
		Help: "Total number of queries forwarded upstream",
	})

	MalformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dns_queries_malformed_total",
		Help: "Total number of queries that failed to decode",
	})

	UpstreamErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dns_upstream_errors_total",
		Help: "Total number of upstream failures, by kind (timeout, connection_lost, bad_response, other)",
	}, []string{"kind"})

	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dns_queries_rate_limited_total",
		Help: "Total number of datagrams dropped by the per-client rate limiter",
	})

	UpstreamInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dns_upstream_inflight",
		Help: "Number of UDP and DoT queries currently awaiting an upstream reply",
	})
)

// Init registers all metrics with a new registry and returns the registry.
// Safe to call multiple times; only the first call registers.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			QueriesTotal,
			BlockedTotal,
			ForwardedTotal,
			MalformedTotal,
			UpstreamErrorsTotal,
			RateLimitedTotal,
			UpstreamInflight,
			prometheus.NewGoCollector(),
		)
	})
	return registry
}

// Registry returns the metrics registry (nil until Init is called)
func Registry() *prometheus.Registry {
	return registry
}

// RecordQuery increments the per-transport query counter.
func RecordQuery(transport string) {
	QueriesTotal.WithLabelValues(transport).Inc()
}

// RecordBlocked increments the blocked queries counter
func RecordBlocked() {
	BlockedTotal.Inc()
}

// RecordForwarded increments the forwarded queries counter
func RecordForwarded() {
	ForwardedTotal.Inc()
}

// RecordMalformed increments the malformed queries counter
func RecordMalformed() {
	MalformedTotal.Inc()
}

// RecordUpstreamError increments the upstream error counter for the given kind.
func RecordUpstreamError(kind string) {
	UpstreamErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordRateLimited increments the rate-limited datagram counter.
func RecordRateLimited() {
	RateLimitedTotal.Inc()
}
