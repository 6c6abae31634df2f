// Package metrics exposes Prometheus collectors for the chat pipeline.
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Send outcomes.
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

// Reconciliation paths taken by a pushed row.
const (
	PathDuplicate = "duplicate"
	PathClientKey = "client_key"
	PathHeuristic = "heuristic"
	PathAppended  = "appended"
)

// Recording outcomes.
const (
	RecordingSent      = "sent"
	RecordingCancelled = "cancelled"
	RecordingFailed    = "failed"
	RecordingDenied    = "denied"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "chatpipe"

// Metrics holds the pipeline collectors.
type Metrics struct {
	sendsTotal       *prometheus.CounterVec
	reconcileTotal   *prometheus.CounterVec
	recordingsTotal  *prometheus.CounterVec
	cleanupFailures  *prometheus.CounterVec
	sendDuration     *prometheus.HistogramVec
	recordingSeconds prometheus.Histogram
	finalizeWait     prometheus.Histogram
}

// New creates the collectors and registers them with reg.
// A nil reg registers nothing, which is what tests usually want.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	m := &Metrics{
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Message sends by kind and outcome.",
		}, []string{"kind", "outcome"}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_inserts_total",
			Help:      "Pushed rows by reconciliation path.",
		}, []string{"path"}),
		recordingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Recording sessions by outcome.",
		}, []string{"outcome"}),
		cleanupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Best-effort cleanup steps that failed.",
		}, []string{"op"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Time from optimistic insert to resolution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		recordingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_length_seconds",
			Help:      "Elapsed seconds of recordings handed to the send path.",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}),
		finalizeWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "finalize_wait_seconds",
			Help:      "Time spent waiting for a recording file to be flushed.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		}),
	}

	if reg != nil {
		var err error
		if m.sendsTotal, err = register(reg, m.sendsTotal); err != nil {
			return nil, err
		}
		if m.reconcileTotal, err = register(reg, m.reconcileTotal); err != nil {
			return nil, err
		}
		if m.recordingsTotal, err = register(reg, m.recordingsTotal); err != nil {
			return nil, err
		}
		if m.cleanupFailures, err = register(reg, m.cleanupFailures); err != nil {
			return nil, err
		}
		if m.sendDuration, err = register(reg, m.sendDuration); err != nil {
			return nil, err
		}
		if m.recordingSeconds, err = register(reg, m.recordingSeconds); err != nil {
			return nil, err
		}
		if m.finalizeWait, err = register(reg, m.finalizeWait); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector that is already there.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// SendResolved records the outcome of one send attempt.
func (m *Metrics) SendResolved(kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(kind, outcome).Inc()
	m.sendDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// Reconciled records which path a pushed row took.
func (m *Metrics) Reconciled(path string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(path).Inc()
}

// RecordingFinished records the end of a recording session.
func (m *Metrics) RecordingFinished(outcome string, elapsedSeconds int) {
	if m == nil {
		return
	}
	m.recordingsTotal.WithLabelValues(outcome).Inc()
	if outcome == RecordingSent {
		m.recordingSeconds.Observe(float64(elapsedSeconds))
	}
}

// FinalizeWaited records how long finalization took.
func (m *Metrics) FinalizeWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.finalizeWait.Observe(d.Seconds())
}

// CleanupFailed counts a failed best-effort cleanup.
func (m *Metrics) CleanupFailed(op string) {
	if m == nil {
		return
	}
	m.cleanupFailures.WithLabelValues(op).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
