// Package metrics exports engine events as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/paysettle/internal/store"
)

const metricPrefix = "paysettle_"

// Recorder implements engine.Observer on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	activityAttempts *prometheus.CounterVec
	activityResults  *prometheus.CounterVec
	activityDuration *prometheus.HistogramVec
	generations      prometheus.Counter
	runs             *prometheus.CounterVec
}

// New creates a Recorder and registers its collectors together with the Go
// runtime and process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		activityAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "activity_attempts_total",
				Help: "Total activity attempts by activity",
			},
			[]string{"activity"},
		),
		activityResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "activity_results_total",
				Help: "Total finished activity invocations by activity and outcome",
			},
			[]string{"activity", "outcome"},
		),
		activityDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "activity_duration_seconds",
				Help:    "Activity invocation latency in seconds, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"activity"},
		),
		generations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "generations_total",
				Help: "Total workflow generations started",
			},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "runs_total",
				Help: "Total finished runs by status",
			},
			[]string{"status"},
		),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.activityAttempts,
		r.activityResults,
		r.activityDuration,
		r.generations,
		r.runs,
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) ActivityAttempt(activity string, attempt int) {
	r.activityAttempts.WithLabelValues(activity).Inc()
}

func (r *Recorder) ActivityFinished(activity, outcome string, attempts int, elapsed time.Duration) {
	r.activityResults.WithLabelValues(activity, outcome).Inc()
	r.activityDuration.WithLabelValues(activity).Observe(elapsed.Seconds())
}

func (r *Recorder) GenerationStarted(instanceID string, generation int64) {
	r.generations.Inc()
}

func (r *Recorder) RunFinished(instanceID string, status store.RunStatus) {
	r.runs.WithLabelValues(string(status)).Inc()
}
