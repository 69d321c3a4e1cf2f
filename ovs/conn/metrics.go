package conn

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ovsdb",
			Subsystem: "txn",
			Name:      "txns_count",
			Help:      "Counter of transactions by final state.",
		}, []string{"state"})

	txnRetryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ovsdb",
			Subsystem: "txn",
			Name:      "retries_total",
			Help:      "Counter of transaction attempts repeated after a conflict.",
		})

	txnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ovsdb",
			Subsystem: "txn",
			Name:      "handle_txns_duration_seconds",
			Help:      "Bucketed histogram of processing time (s) of handled transactions.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		}, []string{"state"})

	queueWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ovsdb",
			Subsystem: "conn",
			Name:      "queue_wait_duration_seconds",
			Help:      "Bucketed histogram of time (s) spent waiting for room in the transaction queue.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
		})

	inputErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ovsdb",
			Subsystem: "conn",
			Name:      "input_errors_total",
			Help:      "Counter of errors while processing database input.",
		})
)

func init() {
	prometheus.MustRegister(txnCounter)
	prometheus.MustRegister(txnRetryCounter)
	prometheus.MustRegister(txnDuration)
	prometheus.MustRegister(queueWaitDuration)
	prometheus.MustRegister(inputErrorCounter)
}
