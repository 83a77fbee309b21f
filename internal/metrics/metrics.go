// Package metrics exposes Prometheus instruments for the dispatch engine.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Send outcomes.
const (
	OutcomeQueued   = "queued"
	OutcomeSent     = "sent"
	OutcomeRetried  = "retried"
	OutcomeDeferred = "deferred"
	OutcomeFailed   = "failed"
	OutcomeDropped  = "dropped"
	OutcomeDeduped  = "deduped"
)

type Collector struct {
	notifications *prometheus.CounterVec
	sendDuration  *prometheus.HistogramVec
	queueDepth    *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	timersArmed   prometheus.Gauge
	sweeps        *prometheus.CounterVec
}

// NewCollector registers the instruments on reg (the default registerer when
// reg is nil).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "queuebell_notifications_total",
			Help: "Notification attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queuebell_provider_send_duration_seconds",
			Help:    "Duration of provider send calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"channel", "status"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queuebell_send_queue_depth",
			Help: "Items waiting in each channel send queue.",
		}, []string{"channel"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "queuebell_ack_transitions_total",
			Help: "Acknowledgment state transitions by target status and reason.",
		}, []string{"status", "reason"}),
		timersArmed: f.NewGauge(prometheus.GaugeOpts{
			Name: "queuebell_ack_timer_sets",
			Help: "Entries with an armed acknowledgment timer set.",
		}),
		sweeps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "queuebell_maintenance_removed_total",
			Help: "Records removed by periodic maintenance, by target.",
		}, []string{"target"}),
	}
}

func (c *Collector) Notification(channel, outcome string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(channel, outcome).Inc()
}

func (c *Collector) ObserveSend(channel string, d time.Duration, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.sendDuration.WithLabelValues(channel, status).Observe(d.Seconds())
}

func (c *Collector) QueueDepth(channel string, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(channel).Set(float64(n))
}

func (c *Collector) Transition(status, reason string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status, reason).Inc()
}

func (c *Collector) TimerSets(n int) {
	if c == nil {
		return
	}
	c.timersArmed.Set(float64(n))
}

func (c *Collector) Removed(target string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.sweeps.WithLabelValues(target).Add(float64(n))
}
