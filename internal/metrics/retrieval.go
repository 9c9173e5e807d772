package metrics

import "github.com/prometheus/client_golang/prometheus"

// Retrieval and ingestion metrics.
var (
	RetrievalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "retrieval_requests_total",
			Help:      "Context retrievals by source and outcome",
		},
		[]string{"source", "status"}, // source: web / vector, status: ok / error / timeout
	)

	RetrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Context retrieval duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"source"},
	)

	ContextRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "context_requests_total",
			Help:      "Context gathering requests by mode",
		},
		[]string{"mode"}, // sync / async
	)

	IngestionChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ingestion_chunks_total",
			Help:      "Chunks written to the vector index",
		},
	)

	IngestionFilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ingestion_files_total",
			Help:      "PDF files processed by ingestion",
		},
		[]string{"status"}, // ok / failed
	)
)

var retrievalMetricsRegistered bool

// RegisterRetrievalMetrics registers retrieval and ingestion metrics. Must be called once from main.
func RegisterRetrievalMetrics() {
	if retrievalMetricsRegistered {
		return
	}
	prometheus.MustRegister(RetrievalRequestsTotal)
	prometheus.MustRegister(RetrievalDuration)
	prometheus.MustRegister(ContextRequestsTotal)
	prometheus.MustRegister(IngestionChunksTotal)
	prometheus.MustRegister(IngestionFilesTotal)
	retrievalMetricsRegistered = true
}
