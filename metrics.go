package brpc

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "brpc",
		Subsystem: "client",
		Name:      "calls_total",
		Help:      "CallMethod invocations.",
	})
	metricFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brpc",
		Subsystem: "client",
		Name:      "failures_total",
		Help:      "Calls completed with a non-zero errno.",
	}, []string{"errno"})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "brpc",
		Subsystem: "client",
		Name:      "retries_total",
		Help:      "Retried attempts, backup requests excluded.",
	})
	metricBackupRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "brpc",
		Subsystem: "client",
		Name:      "backup_requests_total",
		Help:      "Hedged attempts launched by the backup-request timer.",
	})
	metricInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "brpc",
		Subsystem: "client",
		Name:      "inflight_calls",
		Help:      "Calls between CallMethod and completion.",
	})
)

func countFailure(errno Errno) {
	metricFailures.WithLabelValues(strconv.Itoa(int(errno))).Inc()
}
