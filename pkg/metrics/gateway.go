package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
)

var (
	// Invocations counts tool, resource and prompt invocations by kind and outcome
	Invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "invocations_total",
		Help:      "Number of tool, resource and prompt invocations by kind and outcome.",
	}, []string{"kind", "outcome"})

	// InvocationDuration observes the end to end latency of invocations
	InvocationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "invocation_duration_seconds",
		Help:      "End to end latency of invocations in seconds.",
		Buckets:   config.LatencyBuckets,
	}, []string{"kind"})

	// DispatchAttempts counts outbound attempts by result
	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_attempts_total",
		Help:      "Number of outbound HTTP attempts by result.",
	}, []string{"result"})

	// DispatchDuration observes the latency of complete dispatches including retries
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Latency of outbound dispatches including retries in seconds.",
		Buckets:   config.LatencyBuckets,
	})

	// HookOutcomes counts hook executions by hook point and outcome
	HookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_executions_total",
		Help:      "Number of hook executions by hook point and outcome.",
	}, []string{"point", "outcome"})

	// HookFailures counts hook errors, timeouts and panics
	HookFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_failures_total",
		Help:      "Number of hook executions that failed, timed out or panicked.",
	}, []string{"hook", "reason"})

	// HookDuration observes single hook executions
	HookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "hook_duration_seconds",
		Help:      "Latency of single hook executions in seconds.",
		Buckets:   config.HookLatencyBuckets,
	}, []string{"point"})

	// HookReloads counts registry reloads by result
	HookReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_reloads_total",
		Help:      "Number of hook registry reloads by result.",
	}, []string{"result"})

	// PeerState is 1 for the current state of every peer gateway
	PeerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peer_state",
		Help:      "Current state of every peer gateway, 1 for the active state label.",
	}, []string{"peer", "state"})

	// HealthChecks counts peer health probes by result
	HealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_checks_total",
		Help:      "Number of peer health probes by result.",
	}, []string{"result"})

	// Leader is 1 while this process holds the health check lease
	Leader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "leader",
		Help:      "1 while this instance holds the health check lease.",
	})

	// EventsDropped counts events discarded because the sink buffer was full
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Number of events dropped because the sink buffer was full.",
	})
)

var peerStates = []string{"registering", "healthy", "degraded", "inactive", "deregistered"}

// SetPeerState marks the given state as current for a peer and clears the others
func SetPeerState(peer, state string) {
	for _, s := range peerStates {
		value := 0.0
		if s == state {
			value = 1
		}
		PeerState.WithLabelValues(peer, s).Set(value)
	}
}

// ForgetPeer removes all state series of a peer
func ForgetPeer(peer string) {
	for _, s := range peerStates {
		PeerState.DeleteLabelValues(peer, s)
	}
}
