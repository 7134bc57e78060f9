package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "changestream"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	eventsReceived      *prometheus.CounterVec
	eventsDropped       *prometheus.CounterVec
	batchesFlushed      *prometheus.CounterVec
	rowsInserted        *prometheus.CounterVec
	insertRetries       *prometheus.CounterVec
	insertLatency       *prometheus.HistogramVec
	checkpointSaves     *prometheus.CounterVec
	checkpointFallbacks *prometheus.CounterVec
	pipelineRestarts    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Change events received from the upstream feed",
		}, []string{"collection"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Change events dropped because their operation is not replicated",
		}, []string{"collection", "operation"}),
		batchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Batches emitted by the transformer",
		}, []string{"collection", "reason"}),
		rowsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_inserted_total",
			Help:      "Rows durably written to the analytical store",
		}, []string{"collection"}),
		insertRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insert_retries_total",
			Help:      "Failed bulk insert attempts",
		}, []string{"collection"}),
		insertLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "insert_duration_seconds",
			Help:      "Latency of bulk inserts including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection"}),
		checkpointSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_saves_total",
			Help:      "Checkpoints saved after a durable batch write",
		}, []string{"collection"}),
		checkpointFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_fallbacks_total",
			Help:      "Checkpoint loads served from the backup slot",
		}, []string{"collection"}),
		pipelineRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_restarts_total",
			Help:      "Pipeline restarts scheduled by the supervisor",
		}, []string{"collection"}),
	}

	reg.MustRegister(
		m.eventsReceived,
		m.eventsDropped,
		m.batchesFlushed,
		m.rowsInserted,
		m.insertRetries,
		m.insertLatency,
		m.checkpointSaves,
		m.checkpointFallbacks,
		m.pipelineRestarts,
	)

	return m
}

func (m *Metrics) EventReceived(collection string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(collection).Inc()
}

func (m *Metrics) EventDropped(collection, operation string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(collection, operation).Inc()
}

func (m *Metrics) BatchFlushed(collection, reason string) {
	if m == nil {
		return
	}
	m.batchesFlushed.WithLabelValues(collection, reason).Inc()
}

func (m *Metrics) RowsInserted(collection string, n int) {
	if m == nil {
		return
	}
	m.rowsInserted.WithLabelValues(collection).Add(float64(n))
}

func (m *Metrics) InsertRetried(collection string) {
	if m == nil {
		return
	}
	m.insertRetries.WithLabelValues(collection).Inc()
}

func (m *Metrics) ObserveInsert(collection string, d time.Duration) {
	if m == nil {
		return
	}
	m.insertLatency.WithLabelValues(collection).Observe(d.Seconds())
}

func (m *Metrics) CheckpointSaved(collection string) {
	if m == nil {
		return
	}
	m.checkpointSaves.WithLabelValues(collection).Inc()
}

func (m *Metrics) CheckpointFallback(collection string) {
	if m == nil {
		return
	}
	m.checkpointFallbacks.WithLabelValues(collection).Inc()
}

func (m *Metrics) PipelineRestarted(collection string) {
	if m == nil {
		return
	}
	m.pipelineRestarts.WithLabelValues(collection).Inc()
}

// Serve exposes gatherer on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("prometheus metrics available at /metrics")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
