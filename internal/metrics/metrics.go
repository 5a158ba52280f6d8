// Package metrics provides Prometheus metrics for the transfer mailbox client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upload metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slateboard_uploads_total",
			Help: "Total number of upload sessions by final status",
		},
		[]string{"status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slateboard_upload_bytes_total",
			Help: "Total bytes confirmed by the server across all sessions",
		},
	)

	chunkRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slateboard_chunk_retries_total",
			Help: "Total chunk send attempts beyond the first",
		},
	)

	chunksSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slateboard_chunks_skipped_total",
			Help: "Chunks skipped because the server already confirmed them",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slateboard_active_sessions",
			Help: "Number of upload sessions currently transferring",
		},
	)

	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slateboard_queue_length",
			Help: "Number of items in the upload queue",
		},
	)

	// Store / push metrics
	pushEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slateboard_push_events_total",
			Help: "Push events applied to the item store by type",
		},
		[]string{"type"},
	)

	storeItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slateboard_store_items",
			Help: "Number of items currently held in the transfer item store",
		},
	)

	// Preview metrics
	previewFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slateboard_preview_fetches_total",
			Help: "Preview byte fetches by result",
		},
		[]string{"status"},
	)
)

// RecordUpload records a finished upload session.
func RecordUpload(status string) {
	uploadsTotal.WithLabelValues(status).Inc()
}

// RecordUploadBytes adds confirmed transferred bytes.
func RecordUploadBytes(n int64) {
	if n > 0 {
		uploadBytesTotal.Add(float64(n))
	}
}

// RecordChunkRetry counts one retried chunk attempt.
func RecordChunkRetry() {
	chunkRetriesTotal.Inc()
}

// RecordChunkSkipped counts one chunk skipped on resume.
func RecordChunkSkipped() {
	chunksSkippedTotal.Inc()
}

// SetActiveSessions sets the active session gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// SetQueueLength sets the queue length gauge.
func SetQueueLength(n int) {
	queueLength.Set(float64(n))
}

// RecordPushEvent counts an applied push event.
func RecordPushEvent(eventType string) {
	pushEventsTotal.WithLabelValues(eventType).Inc()
}

// SetStoreItems sets the store size gauge.
func SetStoreItems(n int) {
	storeItems.Set(float64(n))
}

// RecordPreviewFetch records a preview fetch outcome ("hit", "ok", "error").
func RecordPreviewFetch(status string) {
	previewFetchesTotal.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts a metrics HTTP server on addr. Blocks.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
