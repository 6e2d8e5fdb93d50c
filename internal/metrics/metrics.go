package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sidekick"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "launches_total",
			Help:      "Sidecar launch attempts by result (ok, fallback, failed).",
		}, []string{"result"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "restarts_total",
			Help:      "Sidecar restarts by reason.",
		}, []string{"reason"},
	)
	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "exits_total",
			Help:      "Unexpected sidecar exits by class (clean, port_conflict, failure).",
		}, []string{"class"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "health_checks_total",
			Help:      "Health probes by result.",
		}, []string{"result"},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "running",
			Help:      "1 while a sidecar process is running.",
		},
	)
	startupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "startup_failures_total",
			Help:      "Exits within the startup grace period.",
		},
	)
	rollbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "rollbacks_total",
			Help:      "Staged versions invalidated after a crash loop or failed update.",
		},
	)
	portGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sidecar",
			Name:      "port",
			Help:      "Port currently assigned to each sidecar endpoint.",
		}, []string{"name"},
	)
	orphans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "orphan_recoveries_total",
			Help:      "Orphan recovery passes by outcome.",
		}, []string{"outcome"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active, 0 = inactive).",
		}, []string{"state"},
	)
	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests handled by the proxy by status code.",
		}, []string{"code"},
	)
	proxyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Proxy round trip to the sidecar backend.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		launches, restarts, exits, healthChecks, running, startupFailures,
		rollbacks, portGauge, orphans,
		stateTransitions, currentState, proxyRequests, proxyDuration,
	}
	for _, c := range cs {
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register has been called.

func IncLaunch(result string) {
	if regOK.Load() {
		launches.WithLabelValues(result).Inc()
	}
}

func IncRestart(reason string) {
	if regOK.Load() {
		restarts.WithLabelValues(reason).Inc()
	}
}

func IncExit(class string) {
	if regOK.Load() {
		exits.WithLabelValues(class).Inc()
	}
}

func IncHealthCheck(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "failed"
		}
		healthChecks.WithLabelValues(result).Inc()
	}
}

func SetRunning(v bool) {
	if regOK.Load() {
		running.Set(boolGauge(v))
	}
}

func IncStartupFailure() {
	if regOK.Load() {
		startupFailures.Inc()
	}
}

func IncRollback() {
	if regOK.Load() {
		rollbacks.Inc()
	}
}

func SetPort(name string, port int) {
	if regOK.Load() {
		portGauge.WithLabelValues(name).Set(float64(port))
	}
}

func IncOrphanRecovery(outcome string) {
	if regOK.Load() {
		orphans.WithLabelValues(outcome).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
		currentState.WithLabelValues(from).Set(0)
		currentState.WithLabelValues(to).Set(1)
	}
}

func ObserveProxyRequest(code int, seconds float64) {
	if regOK.Load() {
		proxyRequests.WithLabelValues(strconv.Itoa(code)).Inc()
		proxyDuration.Observe(seconds)
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
