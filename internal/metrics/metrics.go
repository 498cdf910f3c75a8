// Package metrics provides Prometheus metrics for StoryOS
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes
const (
	OutcomeCommitted      = "committed"
	OutcomeExtractionFail = "extraction_failed"
	OutcomeCommitFail     = "commit_failed"
	OutcomeStreamFail     = "stream_failed"
	OutcomeInitial        = "initial"
)

// Metrics holds all Prometheus metrics for StoryOS. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	TurnsTotal           *prometheus.CounterVec
	TurnsInFlight        prometheus.Gauge
	NarrationDuration    prometheus.Histogram
	ExtractionFailures   *prometheus.CounterVec
	SaveConflictsTotal   prometheus.Counter
	SaveAttempts         prometheus.Histogram
	VisualizationsTotal  *prometheus.CounterVec
	ImageQueueDepth      prometheus.Gauge
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	ServerStartTimestamp prometheus.Gauge
}

// New creates and registers all metrics on reg. A nil registerer gets a
// private registry, which keeps tests independent of the global one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	m := &Metrics{}

	// Turn metrics
	m.TurnsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyos_turns_total",
			Help: "Total number of narrative turns by outcome",
		},
		[]string{"outcome"},
	)

	m.TurnsInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "storyos_turns_in_flight",
			Help: "Number of turns currently streaming or persisting",
		},
	)

	m.NarrationDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storyos_narration_duration_seconds",
			Help:    "Time from prompt submission to the end of the narration stream",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		},
	)

	// Extraction and persistence
	m.ExtractionFailures = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyos_extraction_failures_total",
			Help: "Summary extraction failures by kind",
		},
		[]string{"kind"},
	)

	m.SaveConflictsTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "storyos_save_conflicts_total",
			Help: "Optimistic concurrency conflicts on session save",
		},
	)

	m.SaveAttempts = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storyos_save_attempts",
			Help:    "Save attempts needed to commit a merged turn",
			Buckets: []float64{1, 2, 3, 5, 10},
		},
	)

	// Visualization
	m.VisualizationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyos_visualizations_total",
			Help: "Visualization requests by stage and status",
		},
		[]string{"stage", "status"},
	)

	m.ImageQueueDepth = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "storyos_image_queue_depth",
			Help: "Image generation tasks waiting for a worker",
		},
	)

	// HTTP
	m.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storyos_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storyos_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.ServerStartTimestamp = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "storyos_server_start_timestamp_seconds",
			Help: "Unix time the server started",
		},
	)
	m.ServerStartTimestamp.Set(float64(time.Now().Unix()))

	return m
}

// RecordTurn counts a finished turn
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// TurnStarted marks a turn in flight and returns the function that ends it
func (m *Metrics) TurnStarted() func() {
	if m == nil {
		return func() {}
	}
	m.TurnsInFlight.Inc()
	return m.TurnsInFlight.Dec
}

// ObserveNarration records narration stream latency
func (m *Metrics) ObserveNarration(d time.Duration) {
	if m == nil {
		return
	}
	m.NarrationDuration.Observe(d.Seconds())
}

// RecordExtractionFailure counts a failed summary extraction
func (m *Metrics) RecordExtractionFailure(kind string) {
	if m == nil {
		return
	}
	m.ExtractionFailures.WithLabelValues(kind).Inc()
}

// RecordSaveConflict counts a version conflict
func (m *Metrics) RecordSaveConflict() {
	if m == nil {
		return
	}
	m.SaveConflictsTotal.Inc()
}

// ObserveSaveAttempts records how many attempts a commit took
func (m *Metrics) ObserveSaveAttempts(n int) {
	if m == nil {
		return
	}
	m.SaveAttempts.Observe(float64(n))
}

// RecordVisualization counts a visualization step
func (m *Metrics) RecordVisualization(stage, status string) {
	if m == nil {
		return
	}
	m.VisualizationsTotal.WithLabelValues(stage, status).Inc()
}

// SetImageQueueDepth publishes the image queue length
func (m *Metrics) SetImageQueueDepth(n int) {
	if m == nil {
		return
	}
	m.ImageQueueDepth.Set(float64(n))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
