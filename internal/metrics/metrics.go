// Package metrics exposes capture loop and prediction counters to Prometheus.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prediction sources used as label values
const (
	SourceUpload = "upload"
	SourceLive   = "live"
	SourceManual = "manual"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture loop counters
	Ticks           atomic.Uint64
	SampledTicks    atomic.Uint64
	SkippedInFlight atomic.Uint64
	SkippedNotReady atomic.Uint64
	GrabErrors      atomic.Uint64

	// Session state
	SessionActive atomic.Uint64 // 0 = inactive, 1 = active
	InFlight      atomic.Uint64 // 0 or 1
	CameraDenied  atomic.Uint64

	// Uploads
	UploadSelections atomic.Uint64
	PreviewsReleased atomic.Uint64

	submissions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	predictions *prometheus.CounterVec
	duration    *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance on its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_prediction_submissions_total",
			Help: "Prediction requests issued, by source",
		}, []string{"source"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_prediction_failures_total",
			Help: "Prediction requests that failed, by source",
		}, []string{"source"}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firewatch_predictions_total",
			Help: "Successful predictions, by source and label",
		}, []string{"source", "label"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "firewatch_prediction_duration_seconds",
			Help:    "Prediction request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
	}

	m.registry.MustRegister(m.submissions, m.failures, m.predictions, m.duration)
	m.registerGauges()
	return m
}

func (m *Metrics) registerGauges() {
	gauges := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"firewatch_capture_ticks_total", "Refresh ticks seen by the capture loop", &m.Ticks},
		{"firewatch_capture_sampled_ticks_total", "Ticks on which a frame was drawn", &m.SampledTicks},
		{"firewatch_capture_skipped_in_flight_total", "Ticks skipped because a request was in flight", &m.SkippedInFlight},
		{"firewatch_capture_skipped_not_ready_total", "Ticks skipped because the video was not playing", &m.SkippedNotReady},
		{"firewatch_capture_grab_errors_total", "Frame reads that failed", &m.GrabErrors},
		{"firewatch_capture_session_active", "Capture session active (0=inactive, 1=active)", &m.SessionActive},
		{"firewatch_capture_in_flight", "Capture loop request in flight (0 or 1)", &m.InFlight},
		{"firewatch_capture_camera_denied_total", "Camera activations that failed", &m.CameraDenied},
		{"firewatch_upload_selections_total", "Files selected on the upload form", &m.UploadSelections},
		{"firewatch_upload_previews_released_total", "Upload previews released", &m.PreviewsReleased},
	}
	for _, g := range gauges {
		v := g.v
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(v.Load()) },
		))
	}
}

// ObserveSubmission counts a request and returns a func recording its outcome
func (m *Metrics) ObserveSubmission(source string) func(label string, err error) {
	m.submissions.WithLabelValues(source).Inc()
	start := time.Now()
	return func(label string, err error) {
		m.duration.WithLabelValues(source).Observe(time.Since(start).Seconds())
		if err != nil {
			m.failures.WithLabelValues(source).Inc()
			return
		}
		m.predictions.WithLabelValues(source, label).Inc()
	}
}

// SetFlag stores a boolean gauge
func SetFlag(v *atomic.Uint64, on bool) {
	if on {
		v.Store(1)
	} else {
		v.Store(0)
	}
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
