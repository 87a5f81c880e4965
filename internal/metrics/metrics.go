// Package metrics provides Prometheus metrics for the pbofs filesystem.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arma3/DokanPbo/internal/logging"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbofs_operations_total",
			Help: "Total number of filesystem operations by result code",
		},
		[]string{"op", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pbofs_operation_duration_seconds",
			Help:    "Filesystem operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	bytesRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbofs_bytes_read_total",
			Help: "Total bytes served to readers, by backing source",
		},
		[]string{"source"},
	)

	bytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pbofs_bytes_written_total",
			Help: "Total bytes written to the overlay directory",
		},
	)

	promotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pbofs_promotions_total",
			Help: "Number of virtual folders promoted to overlay folders",
		},
	)

	decodeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pbofs_decode_total",
			Help: "Derived config decode attempts by result",
		},
		[]string{"result"},
	)

	treeNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbofs_tree_nodes",
			Help: "Number of nodes in the path index",
		},
	)

	openHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbofs_open_handles",
			Help: "Number of open file handles",
		},
	)

	archiveBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pbofs_archive_bytes",
			Help: "Total size of all indexed archive entries",
		},
	)
)

// RecordOperation records one filesystem operation. result is the error code
// string, or "ok".
func RecordOperation(op, result string, duration time.Duration) {
	if result == "" {
		result = "ok"
	}
	operationsTotal.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordRead adds served bytes for a source: "archive", "derived" or "overlay".
func RecordRead(source string, n int) {
	if n > 0 {
		bytesRead.WithLabelValues(source).Add(float64(n))
	}
}

// RecordWrite adds bytes written to the overlay.
func RecordWrite(n int) {
	if n > 0 {
		bytesWritten.Add(float64(n))
	}
}

// RecordPromotion counts a folder promotion.
func RecordPromotion() {
	promotionsTotal.Inc()
}

// RecordDecode counts a derived config decode attempt.
func RecordDecode(ok bool) {
	if ok {
		decodeTotal.WithLabelValues("ok").Inc()
	} else {
		decodeTotal.WithLabelValues("failed").Inc()
	}
}

// SetTreeNodes sets the index size gauge.
func SetTreeNodes(n int) {
	treeNodes.Set(float64(n))
}

// HandleOpened increments the open handle gauge.
func HandleOpened() {
	openHandles.Inc()
}

// HandleClosed decrements the open handle gauge.
func HandleClosed() {
	openHandles.Dec()
}

// SetArchiveBytes sets the archive size gauge.
func SetArchiveBytes(n int64) {
	archiveBytes.Set(float64(n))
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("metrics listening", logging.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
