package statusfeed

import "github.com/prometheus/client_golang/prometheus"

var (
	published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calendarsync",
		Subsystem: "statusfeed",
		Name:      "events_published_total",
		Help:      "Number of sync status events written to Kafka, labeled by outcome.",
	}, []string{"outcome"})

	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "calendarsync",
		Subsystem: "statusfeed",
		Name:      "publish_failures_total",
		Help:      "Number of sync status events that could not be published.",
	})
)

func init() {
	prometheus.MustRegister(published, publishFailures)
}
