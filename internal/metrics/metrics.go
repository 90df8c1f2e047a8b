package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcpgate"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Number of successful backend spawns.",
		}, []string{"server"},
	)
	backendRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"server"},
	)
	backendCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "crashes_total",
			Help:      "Number of detected crashes.",
		}, []string{"server"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"server", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"server", "state"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health check verdicts by result.",
		}, []string{"server", "result"},
	)
	bridgeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "Bridged JSON-RPC calls by outcome.",
		}, []string{"server", "outcome"},
	)
	bridgeCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Time from submission to completion of a bridged call, including lane wait.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"},
	)
	laneWaiters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "lane_waiters",
			Help:      "Calls queued behind the in-flight call of a backend.",
		}, []string{"server"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		backendStarts, backendRestarts, backendCrashes, stateTransitions, currentStates,
		healthChecks, bridgeCalls, bridgeCallDuration, laneWaiters,
		backendRSS, backendCPU,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has succeeded.

func IncStart(server string) {
	if regOK.Load() {
		backendStarts.WithLabelValues(server).Inc()
	}
}

func IncRestart(server string) {
	if regOK.Load() {
		backendRestarts.WithLabelValues(server).Inc()
	}
}

func IncCrash(server string) {
	if regOK.Load() {
		backendCrashes.WithLabelValues(server).Inc()
	}
}

func RecordStateTransition(server, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(server, from, to).Inc()
	}
}

func SetCurrentState(server, state string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1
		}
		currentStates.WithLabelValues(server, state).Set(v)
	}
}

func IncHealthCheck(server, result string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(server, result).Inc()
	}
}

func ObserveCall(server, outcome string, seconds float64) {
	if regOK.Load() {
		bridgeCalls.WithLabelValues(server, outcome).Inc()
		bridgeCallDuration.WithLabelValues(server).Observe(seconds)
	}
}

func SetLaneWaiters(server string, n int) {
	if regOK.Load() {
		laneWaiters.WithLabelValues(server).Set(float64(n))
	}
}

// Forget drops every per-server series, used when a backend is unregistered.
func Forget(server string) {
	if !regOK.Load() {
		return
	}
	l := prometheus.Labels{"server": server}
	for _, v := range []interface{ DeletePartialMatch(prometheus.Labels) int }{
		backendStarts, backendRestarts, backendCrashes, stateTransitions, currentStates,
		healthChecks, bridgeCalls, bridgeCallDuration, laneWaiters, backendRSS, backendCPU,
	} {
		v.DeletePartialMatch(l)
	}
}
