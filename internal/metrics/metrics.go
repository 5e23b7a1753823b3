package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the pipeline metrics on a dedicated registry so the
// default registry's process metrics do not leak into the scrape.
type Collector struct {
	registry *prometheus.Registry

	ActiveStreams prometheus.Gauge
	Subscribers   *prometheus.GaugeVec

	FramesProcessed   *prometheus.CounterVec
	DetectorLatency   prometheus.Histogram
	ViolationsSaved   *prometheus.CounterVec
	ComplianceSamples *prometheus.CounterVec
	TrackedWorkers    *prometheus.GaugeVec
	SourceFailures    *prometheus.CounterVec
	PersistFailures   *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ppe_active_streams",
			Help: "Number of camera pipelines currently running",
		}),
		Subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ppe_subscribers",
			Help: "Connected realtime subscribers per camera",
		}, []string{"camera_id"}),
		FramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppe_frames_processed_total",
			Help: "Frames run through the detection pipeline",
		}, []string{"camera_id"}),
		DetectorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ppe_detector_latency_seconds",
			Help:    "Wall time of one detector invocation",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ViolationsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppe_violations_saved_total",
			Help: "Persisted violation events",
		}, []string{"camera_id"}),
		ComplianceSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppe_compliance_samples_total",
			Help: "Persisted periodic compliance samples",
		}, []string{"camera_id"}),
		TrackedWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ppe_tracked_workers",
			Help: "Workers currently tracked per camera",
		}, []string{"camera_id"}),
		SourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppe_source_failures_total",
			Help: "Capture open or read failures",
		}, []string{"camera_id"}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ppe_persist_failures_total",
			Help: "Database writes that rolled back",
		}, []string{"camera_id"}),
	}

	reg.MustRegister(
		c.ActiveStreams, c.Subscribers, c.FramesProcessed, c.DetectorLatency,
		c.ViolationsSaved, c.ComplianceSamples, c.TrackedWorkers,
		c.SourceFailures, c.PersistFailures,
	)
	return c
}

// Handler exposes the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
