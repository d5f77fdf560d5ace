// Package observability exposes Prometheus instrumentation for the
// orchestrator hot paths.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks channel traffic, task lifecycle, and model usage.
type Metrics struct {
	framesIn       prometheus.CounterVec
	framesOut      prometheus.CounterVec
	sendFailures   prometheus.Counter
	activeTasks    prometheus.Gauge
	tasksFinished  prometheus.CounterVec
	remoteLatency  prometheus.HistogramVec
	waiterTimeouts prometheus.Counter
	modelAttempts  prometheus.CounterVec
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// NewMetrics builds a Metrics recorder using the default registry.
func NewMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegisterer allows tests to provide a dedicated registry.
func NewMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		framesIn: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "channel",
			Name:      "frames_in_total",
			Help:      "Inbound frames received, labeled by frame type",
		}, []string{"type"}),
		framesOut: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "channel",
			Name:      "frames_out_total",
			Help:      "Outbound frames enqueued for delivery, labeled by frame type",
		}, []string{"type"}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "channel",
			Name:      "send_failure_total",
			Help:      "Sends dropped because the client was absent or its queue was full",
		}),
		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "task",
			Name:      "active",
			Help:      "Tasks currently queued, running, or waiting",
		}),
		tasksFinished: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "task",
			Name:      "finished_total",
			Help:      "Tasks that reached a terminal status",
		}, []string{"status"}),
		remoteLatency: *factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Round-trip time of remote tool calls, labeled by command",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		waiterTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "remote",
			Name:      "waiter_timeout_total",
			Help:      "Remote call waiters that expired before a result arrived",
		}),
		modelAttempts: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "model",
			Name:      "attempt_total",
			Help:      "Model adapter attempts, labeled by role and outcome",
		}, []string{"role", "outcome"}),
	}
}

// RecordFrameIn counts one received frame.
func (m *Metrics) RecordFrameIn(frameType string) {
	if m == nil {
		return
	}
	m.framesIn.WithLabelValues(frameType).Inc()
}

// RecordFrameOut counts one enqueued outbound frame.
func (m *Metrics) RecordFrameOut(frameType string) {
	if m == nil {
		return
	}
	m.framesOut.WithLabelValues(frameType).Inc()
}

// RecordSendFailure counts a dropped send.
func (m *Metrics) RecordSendFailure() {
	if m == nil || m.sendFailures == nil {
		return
	}
	m.sendFailures.Inc()
}

// RecordTaskStarted bumps the active task gauge.
func (m *Metrics) RecordTaskStarted() {
	if m == nil || m.activeTasks == nil {
		return
	}
	m.activeTasks.Inc()
}

// RecordTaskFinished counts a terminal transition and releases the gauge.
func (m *Metrics) RecordTaskFinished(status string) {
	if m == nil {
		return
	}
	if m.activeTasks != nil {
		m.activeTasks.Dec()
	}
	m.tasksFinished.WithLabelValues(status).Inc()
}

// ObserveRemoteCall records the round-trip time of one remote command.
func (m *Metrics) ObserveRemoteCall(command string, seconds float64) {
	if m == nil {
		return
	}
	m.remoteLatency.WithLabelValues(command).Observe(seconds)
}

// RecordWaiterTimeout counts a remote call that timed out.
func (m *Metrics) RecordWaiterTimeout() {
	if m == nil || m.waiterTimeouts == nil {
		return
	}
	m.waiterTimeouts.Inc()
}

// RecordModelAttempt counts one model adapter attempt.
func (m *Metrics) RecordModelAttempt(role, outcome string) {
	if m == nil {
		return
	}
	m.modelAttempts.WithLabelValues(role, outcome).Inc()
}
