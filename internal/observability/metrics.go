package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tow_dispatch"

var (
	RequestsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "requests_submitted_total", Help: "Service requests created, by vehicle class"},
		[]string{"vehicle_class"},
	)
	EligibleCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "eligible_candidates",
		Help:      "Eligible operators found per submitted request",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "claims_total", Help: "Claim attempts by outcome"},
		[]string{"outcome"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Applied lifecycle transitions"},
		[]string{"from", "to"},
	)
	RoutingFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "routing_fallbacks_total", Help: "Routes estimated from great-circle distance",
	})
	OperatorsAvailable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "operators_available", Help: "Operators seen in the last matching pool",
	})

	RealtimeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "realtime_sessions", Help: "Live realtime connections",
	})
	RealtimeDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "realtime_deliveries_total", Help: "Realtime messages by type and result"},
		[]string{"type", "result"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Domain events handed to external sinks"},
		[]string{"sink", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
