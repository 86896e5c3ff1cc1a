package metrics

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// Strategy labels
const (
	StrategyConcurrent = "concurrent"
	StrategySequential = "sequential"
)

// Metrics tracks submission and push channel activity of one client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	submissions      *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec
	pushEvents       *prometheus.CounterVec
	sessionConnected prometheus.Gauge
	queueDepth       prometheus.Gauge
}

// New creates the metric set on its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobctl_submissions_total",
				Help: "File submissions by strategy and result",
			},
			[]string{"strategy", "result"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobctl_batch_duration_seconds",
				Help:    "Wall time of a submission batch",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"strategy"},
		),
		pushEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobctl_push_events_total",
				Help: "Push updates by merge outcome",
			},
			[]string{"outcome"},
		),
		sessionConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobctl_session_connected",
			Help: "1 while the push channel session is connected",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobctl_event_queue_depth",
			Help: "Push updates waiting to be merged",
		}),
	}

	m.registry.MustRegister(
		m.submissions,
		m.batchDuration,
		m.pushEvents,
		m.sessionConnected,
		m.queueDepth,
	)
	return m
}

// RecordSubmission counts one file submission
func (m *Metrics) RecordSubmission(strategy string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.submissions.WithLabelValues(strategy, result).Inc()
}

// ObserveBatch records the duration of a finished batch
func (m *Metrics) ObserveBatch(strategy string, d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

// RecordPushEvent counts a push update by what the store did with it
func (m *Metrics) RecordPushEvent(outcome string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(outcome).Inc()
}

// SetConnected records the session state
func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.sessionConnected.Set(1)
	} else {
		m.sessionConnected.Set(0)
	}
}

// SetQueueDepth records the number of queued push updates
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteText writes all metric families in the Prometheus text format
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}

	encoder := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := encoder.Encode(mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
