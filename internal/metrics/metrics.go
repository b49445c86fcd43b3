// Package metrics exposes Prometheus metrics for the dispatch pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for mailsling
type Metrics struct {
	// Dispatch counters
	SentTotal         *prometheus.CounterVec
	SendFailuresTotal *prometheus.CounterVec
	DispatchesTotal   *prometheus.CounterVec

	// Batch pacing
	BatchDurationSeconds prometheus.Histogram

	// Recorder counters
	ClicksTotal       prometheus.Counter
	UnsubscribesTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsling_sent_total",
				Help: "Total number of successfully submitted messages",
			},
			[]string{"company", "audience"},
		),
		SendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsling_send_failures_total",
				Help: "Total number of per-recipient send failures",
			},
			[]string{"company"},
		),
		DispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsling_dispatches_total",
				Help: "Total number of dispatch requests processed",
			},
			[]string{"company"},
		),
		BatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mailsling_batch_duration_seconds",
				Help:    "Wall-clock duration of one concurrent send batch",
				Buckets: prometheus.DefBuckets,
			},
		),
		ClicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsling_clicks_total",
				Help: "Total number of recorded link clicks",
			},
		),
		UnsubscribesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsling_unsubscribes_total",
				Help: "Total number of unsubscribe requests recorded",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.SentTotal,
		m.SendFailuresTotal,
		m.DispatchesTotal,
		m.BatchDurationSeconds,
		m.ClicksTotal,
		m.UnsubscribesTotal,
	)

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
