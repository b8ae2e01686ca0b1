// Package metrics exposes Prometheus instrumentation for the batching
// engine, projecting buffer admissions, dispatch outcomes, and hook/retry
// events onto counters, gauges, and histograms.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the engine's Prometheus instrumentation surface. One instance
// is shared by every BatchingService wired into a process; components
// record onto it directly rather than through a façade, matching the
// teacher codebase's own metrics package.
type Metrics struct {
	messagesReceived  prometheus.Counter
	messagesDuplicate prometheus.Counter

	admissions *prometheus.CounterVec

	dispatchesTotal    prometheus.Counter
	dispatchDuration   prometheus.Histogram
	dispatchBatchSize  prometheus.Histogram
	dispatchesInFlight prometheus.Gauge

	retriesTotal     prometheus.Counter
	deadLettersTotal prometheus.Counter

	hookInterruptionsTotal *prometheus.CounterVec

	activeUsers prometheus.Gauge
}

// New registers and returns a fresh Metrics instance against the default
// Prometheus registerer.
func New() *Metrics {
	return &Metrics{
		messagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_messages_received_total",
			Help: "Total number of inbound messages accepted by ReceiveMessage.",
		}),
		messagesDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_messages_duplicate_total",
			Help: "Total number of inbound messages dropped as already processed.",
		}),
		admissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_admissions_total",
			Help: "Buffer admission outcomes by result.",
		}, []string{"result"}),
		dispatchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_batches_total",
			Help: "Total number of batches handed to the processor.",
		}),
		dispatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_batch_duration_seconds",
			Help:    "Wall-clock duration of a whole dispatch, including hooks, retries and backoff delays.",
			Buckets: prometheus.DefBuckets,
		}),
		dispatchBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_batch_size",
			Help:    "Number of messages per dispatched batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		dispatchesInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_in_flight",
			Help: "Number of dispatches currently running.",
		}),
		retriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_retries_total",
			Help: "Total number of processor retry attempts.",
		}),
		deadLettersTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_dead_letters_total",
			Help: "Total number of batches handed to the dead letter handler.",
		}),
		hookInterruptionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_hook_interruptions_total",
			Help: "Total number of dispatches halted by a pre-hook, by code.",
		}, []string{"code"}),
		activeUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_active_users",
			Help: "Number of users with a live buffer.",
		}),
	}
}

func (m *Metrics) RecordReceived()  { m.messagesReceived.Inc() }
func (m *Metrics) RecordDuplicate() { m.messagesDuplicate.Inc() }

// RecordAdmission tags an admission outcome, result being one of
// batching.AdmitResult's string values.
func (m *Metrics) RecordAdmission(result string) {
	m.admissions.WithLabelValues(result).Inc()
}

// RecordDispatchStart marks a dispatch as in flight; the returned func must
// be called exactly once when the dispatch resolves.
func (m *Metrics) RecordDispatchStart(batchSize int) func() {
	m.dispatchesInFlight.Inc()
	m.dispatchesTotal.Inc()
	m.dispatchBatchSize.Observe(float64(batchSize))
	start := time.Now()
	return func() {
		m.dispatchesInFlight.Dec()
		m.dispatchDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) RecordRetry()      { m.retriesTotal.Inc() }
func (m *Metrics) RecordDeadLetter() { m.deadLettersTotal.Inc() }

func (m *Metrics) RecordHookInterruption(code string) {
	m.hookInterruptionsTotal.WithLabelValues(code).Inc()
}

func (m *Metrics) SetActiveUsers(n int) { m.activeUsers.Set(float64(n)) }
