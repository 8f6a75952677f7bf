// Package metrics provides Prometheus metrics for the evidence pipeline.
//
// Features:
//   - Counters for frames, triggers, suppressions, dropped jobs and outcomes
//   - Histograms for each pipeline stage
//   - Optional HTTP endpoint for scraping
//
// A nil *Pipeline is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evidenced"

// Pipeline stages observed by StageDuration.
const (
	StageMaterialize = "materialize"
	StageEncrypt     = "encrypt"
	StageDigest      = "digest"
	StageArchive     = "archive"
	StageAnchor      = "anchor"
)

// Pipeline holds all evidence pipeline metrics.
type Pipeline struct {
	// Counters
	FramesTotal        prometheus.Counter
	TriggersTotal      *prometheus.CounterVec
	SuppressedTotal    prometheus.Counter
	DetectorErrors     prometheus.Counter
	JobsDroppedTotal   prometheus.Counter
	OutcomesTotal      *prometheus.CounterVec
	AnchorsTotal       *prometheus.CounterVec
	DigestsRecovered   prometheus.Counter
	ArchiveErrorsTotal prometheus.Counter

	// Gauges
	QueueDepth    prometheus.Gauge
	LastEventTime prometheus.Gauge

	// Histograms
	StageDuration *prometheus.HistogramVec
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// NewPipeline creates and registers all pipeline metrics on reg.
// A nil reg registers on the default registerer.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Pipeline{
		FramesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "frames_total",
			Help: "Total number of frames pushed into the ring buffer",
		}),
		TriggersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "triggers_total",
			Help: "Detector triggers by event kind, before throttling",
		}, []string{"kind"}),
		SuppressedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "suppressed_total",
			Help: "Triggers rejected by the cooldown throttle",
		}),
		DetectorErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "capture", Name: "detector_errors_total",
			Help: "Frames the detector failed to classify",
		}),
		JobsDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "jobs_dropped_total",
			Help: "Admitted events dropped because the pipeline queue was full",
		}),
		OutcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "outcomes_total",
			Help: "Pipeline results by outcome",
		}, []string{"outcome"}),
		AnchorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "anchor", Name: "submissions_total",
			Help: "Ledger submissions by receipt status",
		}, []string{"status"}),
		DigestsRecovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "digests_recovered_total",
			Help: "Invalid digests replaced by recomputation",
		}),
		ArchiveErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "archive", Name: "errors_total",
			Help: "Artifact uploads that failed",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "queue_depth",
			Help: "Admitted events waiting for the pipeline worker",
		}),
		LastEventTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "capture", Name: "last_event_timestamp_seconds",
			Help: "Unix time of the last admitted event",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
	}
}

// RecordFrame records a captured frame.
func (m *Pipeline) RecordFrame() {
	if m == nil {
		return
	}
	m.FramesTotal.Inc()
}

// RecordTrigger records a detector trigger and whether it was admitted.
func (m *Pipeline) RecordTrigger(kind string, admitted bool, at time.Time) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(kind).Inc()
	if admitted {
		m.LastEventTime.Set(float64(at.Unix()))
	} else {
		m.SuppressedTotal.Inc()
	}
}

// RecordDetectorError records a failed classification.
func (m *Pipeline) RecordDetectorError() {
	if m == nil {
		return
	}
	m.DetectorErrors.Inc()
}

// RecordDropped records a job dropped at a full queue.
func (m *Pipeline) RecordDropped() {
	if m == nil {
		return
	}
	m.JobsDroppedTotal.Inc()
}

// SetQueueDepth records the current queue length.
func (m *Pipeline) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveStage records the time spent in a pipeline stage since start.
func (m *Pipeline) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// RecordOutcome records the result of one pipeline run.
func (m *Pipeline) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordAnchor records a ledger submission by receipt status.
func (m *Pipeline) RecordAnchor(status string) {
	if m == nil {
		return
	}
	m.AnchorsTotal.WithLabelValues(status).Inc()
}

// RecordDigestRecovered records a digest replaced by recomputation.
func (m *Pipeline) RecordDigestRecovered() {
	if m == nil {
		return
	}
	m.DigestsRecovered.Inc()
}

// RecordArchiveError records a failed upload.
func (m *Pipeline) RecordArchiveError() {
	if m == nil {
		return
	}
	m.ArchiveErrorsTotal.Inc()
}

// Handler returns an HTTP handler exposing g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes g at /metrics on addr until ctx is cancelled. Each mount
// may register further handlers on the same mux.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, mounts ...func(*http.ServeMux)) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	for _, mount := range mounts {
		mount(mux)
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
