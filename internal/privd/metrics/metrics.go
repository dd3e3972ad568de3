// Package metrics holds the Prometheus collectors shared by the privileged
// boundary. Collectors register with the default registry on import.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SupervisedRuns counts supervised child processes by outcome:
	// exited, timeout, canceled, spawn_error.
	SupervisedRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "privd_supervised_runs_total",
		Help: "Supervised subprocess runs by outcome",
	}, []string{"outcome"})

	SupervisedDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "privd_supervised_run_duration_seconds",
		Help:    "Wall time of supervised subprocess runs",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~45min
	})

	// ActionInvocations counts invoker calls by action and result:
	// ok, nonzero, rejected, not_found, elevation_failed, timeout, error.
	ActionInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "privd_action_invocations_total",
		Help: "Privileged action invocations by action and result",
	}, []string{"action", "result"})

	UnauthorizedServiceRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "privd_unauthorized_service_requests_total",
		Help: "Service control requests rejected because the unit is not managed",
	})

	LockDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "privd_lock_degraded_total",
		Help: "Resource lock acquisitions that timed out and proceeded unsynchronized",
	}, []string{"lock"})

	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "privd_lock_wait_seconds",
		Help:    "Time spent waiting for locks",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"lock"})

	DaemonCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "privd_daemon_calls_total",
		Help: "Daemon commands by command and gRPC code",
	}, []string{"command", "code"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "privd_active_sessions",
		Help: "Authenticated daemon sessions currently valid",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
