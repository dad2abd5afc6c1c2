// Package metrics exposes Prometheus collectors for the send pipeline.
// All methods are nil-safe so components can run without a registry wired.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	sends          *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	queuePending   prometheus.GaugeFunc
	limiterWaitSec prometheus.Counter
}

// New registers the collectors on reg. pendingFn feeds the queue-pending
// gauge on every scrape.
func New(reg prometheus.Registerer, pendingFn func() int) *Metrics {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupcast_sends_total",
			Help: "Send attempts by terminal status.",
		}, []string{"status"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupcast_broadcasts_total",
			Help: "Broadcast calls by delivery mode.",
		}, []string{"mode"}),
		limiterWaitSec: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupcast_ratelimit_wait_seconds_total",
			Help: "Total time spent blocked on the rate limiter.",
		}),
	}
	m.queuePending = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "groupcast_queue_pending",
		Help: "Actions currently waiting in the send queue.",
	}, func() float64 {
		if pendingFn == nil {
			return 0
		}
		return float64(pendingFn())
	})

	reg.MustRegister(m.sends, m.broadcasts, m.queuePending, m.limiterWaitSec)
	return m
}

// ObserveSend records one terminal send outcome ("success" or "failed").
func (m *Metrics) ObserveSend(status string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(status).Inc()
}

// ObserveBroadcast records one Broadcast call ("immediate" or "queued").
func (m *Metrics) ObserveBroadcast(mode string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(mode).Inc()
}

// AddLimiterWait accumulates time spent blocked on rate-limit admission.
func (m *Metrics) AddLimiterWait(seconds float64) {
	if m == nil || seconds <= 0 {
		return
	}
	m.limiterWaitSec.Add(seconds)
}
