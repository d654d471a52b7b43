package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the engine's Prometheus registry. It is passed explicitly to
// the components that emit metrics; there is no package-level default.
type Recorder struct {
	registry *prometheus.Registry

	batchDuration  *prometheus.HistogramVec
	batchCounter   *prometheus.CounterVec
	recordCounter  *prometheus.CounterVec
	retryCounter   prometheus.Counter
	queueDepth     *prometheus.GaugeVec
}

func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "freight_batch_duration_seconds",
			Help:    "Duration of batch processor executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		batchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freight_batches_processed_total",
			Help: "Total batch attempts by outcome.",
		}, []string{"status"}),
		recordCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freight_records_migrated_total",
			Help: "Total records processed by outcome.",
		}, []string{"status"}),
		retryCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "freight_batch_retries_total",
			Help: "Total automatic batch retries scheduled.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "freight_queue_depth",
			Help: "Queued work items per priority lane.",
		}, []string{"lane"}),
	}

	registry.MustRegister(r.batchDuration, r.batchCounter, r.recordCounter, r.retryCounter, r.queueDepth)
	return r
}

func (r *Recorder) ObserveBatch(status string, d time.Duration) {
	r.batchDuration.WithLabelValues(status).Observe(d.Seconds())
	r.batchCounter.WithLabelValues(status).Inc()
}

func (r *Recorder) AddRecords(succeeded, failed int) {
	if succeeded > 0 {
		r.recordCounter.WithLabelValues("success").Add(float64(succeeded))
	}
	if failed > 0 {
		r.recordCounter.WithLabelValues("failed").Add(float64(failed))
	}
}

func (r *Recorder) AddRetry() {
	r.retryCounter.Inc()
}

func (r *Recorder) SetQueueDepths(normal, high int) {
	r.queueDepth.WithLabelValues("normal").Set(float64(normal))
	r.queueDepth.WithLabelValues("high").Set(float64(high))
}

// Handler serves the registry for scraping.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
