package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for dispatch results.
const (
	resultOK    = "ok"
	resultError = "error"
)

var (
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_executor_dispatch_seconds",
			Help:    "Time from dial to executor acknowledgement, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_executor_dispatch_total",
			Help: "Total commands dispatched to executors.",
		},
		[]string{"transport", "kind", "result"},
	)

	signalsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_executor_socket_signals_total",
			Help: "Total signal frames received from socket agents, by message type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(dispatchDuration)
	prometheus.MustRegister(dispatchTotal)
	prometheus.MustRegister(signalsReceived)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, kind := range []string{CommandGenerate, CommandApply, CommandProduce, CommandCancel} {
		for _, transport := range []string{SchemeUnix, SchemeTCP, SchemeVsock, SchemeHVsock, SchemeHTTP, SchemeHTTPS} {
			dispatchTotal.WithLabelValues(transport, kind, resultOK)
			dispatchTotal.WithLabelValues(transport, kind, resultError)
		}
	}
}

func observeDispatch(transport, kind string, start time.Time, err error) {
	dispatchDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())
	result := resultOK
	if err != nil {
		result = resultError
	}
	dispatchTotal.WithLabelValues(transport, kind, result).Inc()
}
