// Package metrics holds the Prometheus collectors for tunlock.
// All collectors are registered on a private registry exposed by Handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunlock"

// Registry is the registry every tunlock collector is registered on.
var Registry = prometheus.NewRegistry()

// Default metrics for tunlock
var (
	// State machine
	TunnelState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "state",
		Help:      "Current tunnel state (0=disconnected, 1=connecting, 2=connected, 3=disconnecting, 4=error)",
	})
	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Total state transitions broadcast, by target state",
	}, []string{"state"})
	RetryAttempt = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "retry_attempt",
		Help:      "Retry attempt of the current connecting state",
	})
	StaleEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_events_total",
		Help:      "Tunnel events discarded because they belong to a superseded attempt",
	})
	DroppedTransitions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_transitions_total",
		Help:      "Transitions not delivered to a slow subscriber",
	})

	// Collaborators
	FirewallFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "firewall_failures_total",
		Help:      "Total firewall policy applications that failed",
	})
	TunnelStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tunnel_starts_total",
		Help:      "Tunnel start attempts, by result",
	}, []string{"result"})
	TunnelKills = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tunnel_kills_total",
		Help:      "Tunnels force-killed after the close timeout expired",
	})
	Offline = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "offline",
		Help:      "Whether the host is considered offline (1=yes, 0=no)",
	})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
	}, []string{"circuit"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_trips_total",
		Help:      "Total number of times circuits have opened",
	}, []string{"circuit"})

	// Management API
	RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "Management API requests, by method",
	}, []string{"method"})
	RateLimitRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_rejections_total",
		Help:      "Total requests rejected by rate limiting",
	})
	RPCConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rpc_connections",
		Help:      "Open management API connections",
	})
	RPCConnectionRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_connection_rejections_total",
		Help:      "Management API connections refused at the connection limit",
	})

	// Uptime
	StartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "start_time_seconds",
		Help:      "Unix timestamp when the daemon started",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		TunnelState,
		Transitions,
		RetryAttempt,
		StaleEvents,
		DroppedTransitions,
		FirewallFailures,
		TunnelStarts,
		TunnelKills,
		Offline,
		CircuitBreakerState,
		CircuitBreakerTrips,
		RPCRequests,
		RateLimitRejections,
		RPCConnections,
		RPCConnectionRejections,
		StartTime,
	)
}

// Handler returns an http.Handler that exposes metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordStartTime records the current time as the start time.
func RecordStartTime() {
	StartTime.Set(float64(time.Now().Unix()))
}

// BoolValue converts a flag to a gauge value.
func BoolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
