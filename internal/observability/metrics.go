package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cycleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calendarsync",
		Subsystem: "engine",
		Name:      "cycles_total",
		Help:      "Number of sync cycles grouped by outcome (success, partial, error).",
	}, []string{"outcome"})

	itemCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calendarsync",
		Subsystem: "engine",
		Name:      "items_total",
		Help:      "Number of remote event upserts grouped by record kind, operation and result.",
	}, []string{"kind", "operation", "result"})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "calendarsync",
		Subsystem: "engine",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent projecting and upserting one sync cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	lastSyncedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "calendarsync",
		Subsystem: "engine",
		Name:      "last_synced_timestamp_seconds",
		Help:      "Unix timestamp of the most recent fully successful sync cycle.",
	})

	triggerCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calendarsync",
		Subsystem: "scheduler",
		Name:      "triggers_total",
		Help:      "Sync triggers grouped by trigger and result (ran, skipped, ignored).",
	}, []string{"trigger", "result"})
)

func init() {
	prometheus.MustRegister(cycleCounter, itemCounter, cycleDuration, lastSyncedGauge, triggerCounter)
}

// RecordSyncCycle counts a finished cycle and observes its duration.
func RecordSyncCycle(outcome string, elapsed time.Duration) {
	cycleCounter.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(elapsed.Seconds())
}

// RecordSyncItem counts one create or update call.
func RecordSyncItem(kind, operation string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	itemCounter.WithLabelValues(kind, operation, result).Inc()
}

// RecordLastSynced updates the success watermark gauge.
func RecordLastSynced(ts time.Time) {
	if ts.IsZero() {
		return
	}
	lastSyncedGauge.Set(float64(ts.Unix()))
}

// RecordTrigger counts a scheduler trigger.
func RecordTrigger(trigger, result string) {
	triggerCounter.WithLabelValues(trigger, result).Inc()
}
