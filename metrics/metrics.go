// Package metrics provides the Prometheus metrics of the scanner gateway.
//
// Metrics Categories:
//   - Inbound messages by kind
//   - Flush outcomes, step failures and flush latency
//   - Timeout watchdog drops and skipped sessions
//   - Known device sessions
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message kinds
const (
	KindBoot        = "boot"
	KindModelChange = "model_change"
	KindReading     = "reading"
	KindRejected    = "rejected"
)

// Flush pipeline steps
const (
	StepConfig    = "config"
	StepNormalize = "normalize"
	StepBrix      = "brix"
	StepStatus    = "status"
	StepPublish   = "publish"
	StepPersist   = "persist"
)

var (
	// MessagesTotal counts inbound scanner messages by kind.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitscan_messages_total",
			Help: "Total number of inbound scanner messages",
		},
		[]string{"kind"},
	)

	// CommandFailuresTotal counts failed device commands.
	CommandFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitscan_command_failures_total",
			Help: "Total number of failed device commands",
		},
		[]string{"kind"},
	)

	// FlushesTotal counts completed flushes, "degraded" when any step failed.
	FlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitscan_flushes_total",
			Help: "Total number of batch flushes",
		},
		[]string{"outcome"},
	)

	// StepFailuresTotal counts failures of the individual flush steps.
	StepFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fruitscan_flush_step_failures_total",
			Help: "Total number of failed flush pipeline steps",
		},
		[]string{"step"},
	)

	// FlushDuration tracks the latency of a complete flush.
	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fruitscan_flush_duration_seconds",
			Help:    "Duration of batch flushes in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// DroppedBatchesTotal counts partial batches dropped by the timeout watchdog.
	DroppedBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fruitscan_dropped_batches_total",
			Help: "Total number of partial batches dropped on timeout",
		},
	)

	// DroppedReadingsTotal counts readings discarded with the dropped batches.
	DroppedReadingsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fruitscan_dropped_readings_total",
			Help: "Total number of readings discarded on timeout",
		},
	)

	// WatchdogSkipsTotal counts sessions skipped by a sweep because they were busy.
	WatchdogSkipsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fruitscan_watchdog_skipped_sessions_total",
			Help: "Total number of sessions skipped by the watchdog while locked",
		},
	)

	// KnownSessions tracks the number of device sessions held in memory.
	KnownSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fruitscan_known_sessions",
			Help: "Number of device sessions seen since start",
		},
	)
)

// RecordMessage record an inbound message of a kind
func RecordMessage(kind string) {
	MessagesTotal.WithLabelValues(kind).Inc()
}

// RecordCommandFailure record a failed device command
func RecordCommandFailure(kind string) {
	CommandFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordStepFailure record a failed flush step
func RecordStepFailure(step string) {
	StepFailuresTotal.WithLabelValues(step).Inc()
}

// RecordFlush record a finished flush
func RecordFlush(degraded bool, duration time.Duration) {
	outcome := "complete"
	if degraded {
		outcome = "degraded"
	}
	FlushesTotal.WithLabelValues(outcome).Inc()
	FlushDuration.Observe(duration.Seconds())
}

// RecordDroppedBatch record a partial batch dropped on timeout
func RecordDroppedBatch(readings int) {
	DroppedBatchesTotal.Inc()
	DroppedReadingsTotal.Add(float64(readings))
}
