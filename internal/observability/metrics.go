package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion pipeline and the interpolation service.
type Metrics struct {
	ReadingsConsumed prometheus.Counter
	ReadingsStored   prometheus.Counter
	HarmonizeErrors  prometheus.Counter
	QCFlags          *prometheus.CounterVec // labels: flag
	PipelineRunning  prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Interpolation metrics.
	InterpolationDuration  *prometheus.HistogramVec // labels: method
	InterpolationFallbacks prometheus.Counter
	GridRequests           *prometheus.CounterVec // labels: method, outcome

	// Artifact cache metrics.
	CacheLookups *prometheus.CounterVec // labels: result={hit,miss,joined}

	// Calibration metrics.
	RecalibrationRuns *prometheus.CounterVec // labels: outcome={updated,insufficient_data,error}

	// Upstream poller metrics.
	UpstreamRequests *prometheus.CounterVec // labels: source, outcome={success,error}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.ReadingsConsumed,
		m.ReadingsStored,
		m.HarmonizeErrors,
		m.QCFlags,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.InterpolationDuration,
		m.InterpolationFallbacks,
		m.GridRequests,
		m.CacheLookups,
		m.RecalibrationRuns,
		m.UpstreamRequests,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ReadingsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "readings_consumed_total",
			Help:      "Total raw payloads read from the source topic.",
		}),
		ReadingsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "readings_stored_total",
			Help:      "Total harmonized readings written to storage.",
		}),
		HarmonizeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "harmonize_errors_total",
			Help:      "Total payloads dropped because harmonization failed.",
		}),
		QCFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "qc_flags_total",
			Help:      "QC flags added, by flag code.",
		}, []string{"flag"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "airgrid",
			Name:      "pipeline_running",
			Help:      "1 when the ingestion pipeline is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "airgrid",
			Name:      "batch_size",
			Help:      "Number of payloads per batch extracted from the source topic.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "airgrid",
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete extract-harmonize-store cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		InterpolationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "airgrid",
			Name:      "interpolation_duration_seconds",
			Help:      "Grid computation duration by effective method.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method"}),
		InterpolationFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "interpolation_fallbacks_total",
			Help:      "Kriging requests that fell back to IDW.",
		}),
		GridRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "grid_requests_total",
			Help:      "Grid requests by method and outcome.",
		}, []string{"method", "outcome"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "artifact_cache_lookups_total",
			Help:      "Artifact cache lookups by result.",
		}, []string{"result"}),
		RecalibrationRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "recalibration_runs_total",
			Help:      "Recalibration attempts by outcome.",
		}, []string{"outcome"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "airgrid",
			Name:      "upstream_requests_total",
			Help:      "Upstream fetch attempts by source and outcome.",
		}, []string{"source", "outcome"}),
	}
}
