// Package metrics exposes Prometheus collectors for the extraction pipeline
// and a small HTTP server that serves them alongside a health probe.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cryptopipe"

// Recorder owns a registry and the pipeline collectors. A nil *Recorder is
// valid and records nothing, so components can take one optionally.
type Recorder struct {
	registry *prometheus.Registry

	apiRequests        *prometheus.CounterVec
	apiRetries         *prometheus.CounterVec
	apiDuration        *prometheus.HistogramVec
	rateLimitWait      prometheus.Histogram
	extractions        *prometheus.CounterVec
	extractionDuration prometheus.Histogram
	recordsUpserted    prometheus.Counter
	lastRunTimestamp   prometheus.Gauge
}

// NewRecorder creates a Recorder with its own registry, including the
// process and Go runtime collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total number of API request attempts by outcome.",
			},
			[]string{"operation", "result"},
		),
		apiRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "retries_total",
				Help:      "Total number of retried API attempts.",
			},
			[]string{"operation"},
		),
		apiDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Duration of single API request attempts.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"operation"},
		),
		rateLimitWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "rate_limit_wait_seconds",
				Help:      "Time spent waiting on the outbound rate limiter.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
		),
		extractions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "extractions_total",
				Help:      "Total number of token extractions by terminal status.",
			},
			[]string{"status"},
		),
		extractionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "extraction_duration_seconds",
				Help:      "End-to-end duration of one token extraction.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),
		recordsUpserted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "records_upserted_total",
				Help:      "Total number of market data rows written.",
			},
		),
		lastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time at which the last bulk run finished.",
			},
		),
	}

	r.registry.MustRegister(
		r.apiRequests,
		r.apiRetries,
		r.apiDuration,
		r.rateLimitWait,
		r.extractions,
		r.extractionDuration,
		r.recordsUpserted,
		r.lastRunTimestamp,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)

	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler returns an HTTP handler exposing the registered collectors.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveAttempt records one API attempt. result is one of "ok", "retry",
// "fatal" or "exhausted".
func (r *Recorder) ObserveAttempt(operation, result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.apiRequests.WithLabelValues(operation, result).Inc()
	r.apiDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if result == "retry" {
		r.apiRetries.WithLabelValues(operation).Inc()
	}
}

// ObserveRateLimitWait records time blocked on the limiter.
func (r *Recorder) ObserveRateLimitWait(d time.Duration) {
	if r == nil {
		return
	}
	r.rateLimitWait.Observe(d.Seconds())
}

// ObserveExtraction records the terminal status of one token.
func (r *Recorder) ObserveExtraction(status string, records int, duration time.Duration) {
	if r == nil {
		return
	}
	r.extractions.WithLabelValues(status).Inc()
	r.extractionDuration.Observe(duration.Seconds())
	if records > 0 {
		r.recordsUpserted.Add(float64(records))
	}
}

// MarkRunFinished stamps the completion time of a bulk run.
func (r *Recorder) MarkRunFinished(at time.Time) {
	if r == nil {
		return
	}
	r.lastRunTimestamp.Set(float64(at.Unix()))
}
