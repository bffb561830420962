package monitoring

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Pipeline and storage metrics. Registered once on the default registry.
var (
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nier_storage_messages_processed_total",
		Help: "Messages consumed and processed successfully.",
	})
	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nier_storage_messages_failed_total",
		Help: "Messages whose processing failed.",
	})
	FramesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nier_storage_frames_stored_total",
		Help: "Frames uploaded and indexed.",
	})
	FramesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nier_storage_frames_skipped_total",
		Help: "Frames skipped by the selection policy.",
	})
	FramesIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nier_storage_frames_indexed_total",
		Help: "Frame records committed to the metadata store.",
	})
	BytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nier_storage_bytes_uploaded_total",
		Help: "Frame bytes uploaded to the object store.",
	})
	UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nier_storage_upload_duration_seconds",
		Help:    "Object store upload latency.",
		Buckets: prometheus.DefBuckets,
	})
)

// Ingest metrics.
var (
	IngestFramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nier_ingest_frames_received_total",
		Help: "Raw frames received from the camera stream.",
	})
	IngestFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nier_ingest_frames_dropped_total",
		Help: "Raw frames dropped because the stream frame channel was full.",
	})
	IngestFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nier_ingest_frames_sent_total",
		Help: "Processed frames submitted to inference.",
	})
	IngestReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nier_ingest_reconnects_total",
		Help: "Stream reconnection attempts.",
	})
)

// ServeMetrics exposes the Prometheus registry on the given port. It blocks,
// so callers run it in its own goroutine.
func ServeMetrics(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logrus.WithField("port", port).Info("Prometheus metrics exporter started")
	return srv.ListenAndServe()
}
