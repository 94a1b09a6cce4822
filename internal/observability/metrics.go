package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Rides created"})
	DispatchBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_broadcasts_total", Help: "Offer broadcasts by the tier that produced recipients"},
		[]string{"tier"},
	)
	DispatchOffers  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_offers_total", Help: "Offer frames pushed to sessions"})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "Time spent selecting and notifying candidates"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept attempts that lost the race"})
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Successful ride status transitions"},
		[]string{"status"},
	)
	RealtimeSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_sessions", Help: "Live realtime sessions"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers with at least one live session"})
	NotifyFailures   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Failed deliveries by sink"},
		[]string{"sink"},
	)
	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ingest_messages_total", Help: "Location stream messages by outcome"},
		[]string{"result"},
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
