package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_matching", Name: "match_attempts_total", Help: "Matching attempts by final status"},
		[]string{"status"},
	)
	MatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trip_matching", Name: "match_duration_seconds", Help: "End-to-end attempt duration",
	})

	OSRMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_matching", Name: "osrm_requests_total", Help: "OSRM match requests by result"},
		[]string{"result"},
	)
	OSRMRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trip_matching", Name: "osrm_request_duration_seconds", Help: "OSRM match call latency",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "trip_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trip_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
