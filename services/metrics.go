package services

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Metrics owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	runs     *prometheus.CounterVec
	messages *prometheus.CounterVec
	lastRun  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_runs_total",
			Help: "Reminder batch runs by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reminder_messages_total",
			Help: "Reminder messages attempted by kind, channel and status.",
		}, []string{"kind", "channel", "status"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reminder_last_run_timestamp_seconds",
			Help: "Unix time of the last reminder batch start.",
		}),
	}
	m.registry.MustRegister(m.runs, m.messages, m.lastRun)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe methods tolerate a nil receiver.

func (m *Metrics) ObserveRun(trigger string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.runs.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) observeRunStart(unix float64) {
	if m == nil {
		return
	}
	m.lastRun.Set(unix)
}

func (m *Metrics) observeMessage(kind, channel, status string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind, channel, status).Inc()
}
