// Package metrics defines the Prometheus collectors used by the dataset
// tools. Collectors live on a private registry so they can be scraped over
// HTTP during long runs or dumped to a node-exporter textfile when a batch
// run finishes.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the dataset tools.
type Metrics struct {
	registry *prometheus.Registry

	ImagesTotal           *prometheus.CounterVec
	AnnotationsTotal      *prometheus.CounterVec
	DiscardedRowsTotal    *prometheus.CounterVec
	UnresolvedLabelsTotal *prometheus.CounterVec
	DocumentsWrittenTotal *prometheus.CounterVec
	ProbeCacheHitsTotal   prometheus.Counter
	ProbeCacheMissesTotal prometheus.Counter
	AssembleDuration      *prometheus.HistogramVec
	MaskExtractDuration   prometheus.Histogram
	SinkPublishTotal      *prometheus.CounterVec
	SinkCircuitState      *prometheus.GaugeVec
	CategoriesSkipped     prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ImagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataset_images_total",
				Help: "Images visited during assembly by category, split and outcome (annotated, fallback, empty, skipped).",
			},
			[]string{"category", "split", "outcome"},
		),
		AnnotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataset_annotations_total",
				Help: "Annotations emitted by category and source (csv, mask, fallback).",
			},
			[]string{"category", "source"},
		),
		DiscardedRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataset_discarded_rows_total",
				Help: "Malformed bounding-box rows dropped per category.",
			},
			[]string{"category"},
		),
		UnresolvedLabelsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataset_unresolved_labels_total",
				Help: "Annotations whose local category id could not be mapped to a global id.",
			},
			[]string{"category", "reason"},
		),
		DocumentsWrittenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataset_documents_written_total",
				Help: "COCO documents written by kind (category, combined, image).",
			},
			[]string{"kind"},
		),
		ProbeCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dataset_probe_cache_hits_total",
				Help: "Image dimension lookups answered by the cache.",
			},
		),
		ProbeCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dataset_probe_cache_misses_total",
				Help: "Image dimension lookups that had to decode the image header.",
			},
		),
		AssembleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dataset_assemble_duration_seconds",
				Help:    "Time to assemble one category/split document.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"category"},
		),
		MaskExtractDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dataset_mask_extract_duration_seconds",
				Help:    "Time to decode a mask and compute its bounding box.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),
		SinkPublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataset_sink_publish_total",
				Help: "Run results delivered to external sinks by sink and status.",
			},
			[]string{"sink", "status"},
		),
		SinkCircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dataset_sink_circuit_state",
				Help: "Sink circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"sink"},
		),
		CategoriesSkipped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataset_categories_skipped",
				Help: "Categories skipped in the last run because their label map was unusable.",
			},
		),
	}

	m.registry.MustRegister(
		m.ImagesTotal,
		m.AnnotationsTotal,
		m.DiscardedRowsTotal,
		m.UnresolvedLabelsTotal,
		m.DocumentsWrittenTotal,
		m.ProbeCacheHitsTotal,
		m.ProbeCacheMissesTotal,
		m.AssembleDuration,
		m.MaskExtractDuration,
		m.SinkPublishTotal,
		m.SinkCircuitState,
		m.CategoriesSkipped,
	)

	return m
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus scrape HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile dumps the current values in the text exposition format. The
// file is written atomically so a node-exporter textfile collector never
// reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile %s: %w", path, err)
	}
	return nil
}
