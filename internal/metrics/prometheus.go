package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musicr_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "musicr_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "musicr_ws_connections",
		Help: "Number of live WebSocket connections on this instance",
	})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musicr_messages_total",
		Help: "User messages by pipeline outcome",
	}, []string{"outcome"}) // broadcast, non_durable, validation, rate_limited

	MatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "musicr_match_duration_seconds",
		Help:    "Song matcher latency",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"mode"}) // semantic, fallback

	ReactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musicr_reactions_total",
		Help: "Reaction state changes",
	}, []string{"action"}) // add, remove

	BusPublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "musicr_bus_publish_errors_total",
		Help: "Coordination bus publish failures",
	})

	BusEventsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "musicr_bus_events_received_total",
		Help: "Coordination bus envelopes accepted from other instances",
	}, []string{"channel"})
)
