// Package metrics declares the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks open WebSocket sessions
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "striderun_sessions_active",
		Help: "Number of open client sessions",
	})

	// ProcessesRunning tracks compiler processes that have not exited yet
	ProcessesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "striderun_processes_running",
		Help: "Number of compiler processes currently running",
	})

	// ProcessStarts counts spawn attempts by result
	ProcessStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "striderun_process_starts_total",
		Help: "Compiler spawn attempts by result",
	}, []string{"result"})

	// ProcessExits counts process exits by outcome (success, failure, signal)
	ProcessExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "striderun_process_exits_total",
		Help: "Compiler process exits by outcome",
	}, []string{"outcome"})

	// ProcessDuration tracks wall-clock run time of compiler processes
	ProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "striderun_process_duration_seconds",
		Help:    "Compiler process run time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
	})

	// Rejections counts inbound commands that produced an error event
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "striderun_rejections_total",
		Help: "Inbound commands rejected by reason",
	}, []string{"reason"})
)

// Rejection reasons
const (
	ReasonProtocol       = "protocol"
	ReasonAlreadyRunning = "already_running"
	ReasonConfig         = "config"
	ReasonWorkspace      = "workspace"
	ReasonSpawn          = "spawn"
)
