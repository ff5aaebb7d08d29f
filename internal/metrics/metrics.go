package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardian"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts or discoveries.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stops, labelled by whether the grace period was exceeded.",
		}, []string{"name", "forced"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "restarts_total",
			Help:      "Number of restarts performed through restart_process.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between process states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "current_state",
			Help:      "Current state of processes (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	memoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory observed by the last health check.",
		}, []string{"name"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health check verdicts per process.",
		}, []string{"name", "status"},
	)
	recoveryActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "actions_total",
			Help:      "Executed recovery actions by scenario and result.",
		}, []string{"name", "scenario", "result"},
	)
	supervisorTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "ticks_total",
			Help:      "Completed supervisor loop iterations.",
		},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Notification events by type and outcome (sent, failed, suppressed).",
		}, []string{"type", "outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processStops, processRestarts, stateTransitions, currentStates,
		memoryBytes, healthChecks, recoveryActions, supervisorTicks, notifications,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with this registerer: keep existing
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

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string, forced bool) {
	if regOK.Load() {
		f := "false"
		if forced {
			f = "true"
		}
		processStops.WithLabelValues(name, f).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func SetMemoryRSS(name string, bytes uint64) {
	if regOK.Load() {
		memoryBytes.WithLabelValues(name).Set(float64(bytes))
	}
}

func RecordHealthCheck(name, status string) {
	if regOK.Load() {
		healthChecks.WithLabelValues(name, status).Inc()
	}
}

func RecordRecoveryAction(name, scenario string, ok bool) {
	if regOK.Load() {
		result := "success"
		if !ok {
			result = "failure"
		}
		recoveryActions.WithLabelValues(name, scenario, result).Inc()
	}
}

func IncTick() {
	if regOK.Load() {
		supervisorTicks.Inc()
	}
}

func RecordNotification(eventType, outcome string) {
	if regOK.Load() {
		notifications.WithLabelValues(eventType, outcome).Inc()
	}
}
