// Package metrics defines the prometheus collectors for command routing and execution.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Command outcome labels.
const (
	StatusAttempt   = "attempt"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var (
	// CommandCounter counts handled commands per kernel, command type and outcome.
	CommandCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interactive_commands_total",
		Help: "Total number of commands handled by kernels.",
	}, []string{"kernel", "command_type", "status"})

	// CommandDuration measures handler execution time.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "interactive_command_duration_seconds",
		Help:    "Duration of command handlers in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel", "command_type"})

	// EventCounter counts kernel events re-published on kernel event streams.
	EventCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interactive_events_published_total",
		Help: "Total number of kernel events published.",
	}, []string{"kernel", "event_type"})

	// SchedulerQueueDepth tracks entries waiting behind the in-flight operation.
	SchedulerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "interactive_scheduler_queue_depth",
		Help: "Number of operations waiting in a kernel scheduler.",
	}, []string{"scheduler"})

	// ProxyForwardCounter counts commands forwarded over a channel by proxy kernels.
	ProxyForwardCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "interactive_proxy_forwards_total",
		Help: "Total number of commands forwarded by proxy kernels.",
	}, []string{"kernel", "status"})
)

// ObserveCommand records the outcome and duration of one handler invocation.
func ObserveCommand(kernel, commandType string, started time.Time, err error) {
	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
	}
	CommandCounter.WithLabelValues(kernel, commandType, status).Inc()
	CommandDuration.WithLabelValues(kernel, commandType).Observe(time.Since(started).Seconds())
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
