// Package metrics provides Prometheus instrumentation for CodeTether.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codetether_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "codetether_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Hub state metrics.
var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codetether_connections_active",
		Help: "Number of authenticated WebSocket connections.",
	})

	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codetether_rooms_active",
		Help: "Number of live rooms.",
	})

	PendingPairs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "codetether_pending_pairs",
		Help: "Number of unredeemed pair codes.",
	})
)

// Relay metrics.
var (
	FramesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codetether_frames_relayed_total",
		Help: "Total number of frames forwarded between room peers.",
	}, []string{"type"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codetether_frames_dropped_total",
		Help: "Total number of relayable frames dropped.",
	}, []string{"reason"})

	PairAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codetether_pair_attempts_total",
		Help: "Total number of pair confirm attempts by outcome.",
	}, []string{"outcome"})

	HeartbeatEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codetether_heartbeat_evictions_total",
		Help: "Total number of connections closed for missed heartbeats.",
	})
)

// Drop reasons for FramesDropped.
const (
	DropPeerOffline = "peer_offline"
	DropNoRoom      = "no_room"
	DropSendFailed  = "send_failed"
)

// Outcomes for PairAttempts.
const (
	PairOutcomeSuccess  = "success"
	PairOutcomeInvalid  = "invalid_code"
	PairOutcomeExpired  = "expired"
	PairOutcomeSameRole = "same_role"
)
