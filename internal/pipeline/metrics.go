package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Label values for connection failure kinds.
const (
	failureConnection = "connection"
	failureFraming    = "framing"
)

var (
	requestsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "volley_pipeline_requests_sent_total",
			Help: "Total number of requests written to target connections.",
		},
	)

	responsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "volley_pipeline_responses_total",
			Help: "Total number of responses framed and matched to a request.",
		},
	)

	retriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "volley_pipeline_retried_requests_total",
			Help: "Total number of in-flight requests moved to the retry buffer.",
		},
	)

	connectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "volley_pipeline_connections_total",
			Help: "Total number of target connections established.",
		},
	)

	connectionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volley_pipeline_connection_failures_total",
			Help: "Total number of connection attempts aborted, by failure kind.",
		},
		[]string{"kind"},
	)

	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "volley_pipeline_active_workers",
			Help: "Number of connection workers that have not retired.",
		},
	)

	responseSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "volley_pipeline_response_size_bytes",
			Help:    "Size of framed responses in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
	)
)

func init() {
	prometheus.MustRegister(requestsSentTotal)
	prometheus.MustRegister(responsesTotal)
	prometheus.MustRegister(retriedTotal)
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionFailuresTotal)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(responseSize)

	connectionFailuresTotal.WithLabelValues(failureConnection)
	connectionFailuresTotal.WithLabelValues(failureFraming)
}
