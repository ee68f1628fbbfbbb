// Package metrics holds the Prometheus series for the dashboard backend.
// A nil *Registry is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry      *prometheus.Registry
	refreshTotal  *prometheus.CounterVec
	skippedTotal  *prometheus.CounterVec
	actionsTotal  *prometheus.CounterVec
	requestsTotal *prometheus.CounterVec
	jobs          *prometheus.GaugeVec
	notifications prometheus.Counter
	disputes      *prometheus.CounterVec
}

func New() *Registry {
	refresh := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monconnect_refresh_total",
		Help: "Escrow list refreshes by view and result",
	}, []string{"view", "result"})

	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monconnect_skipped_records_total",
		Help: "Escrow records dropped from a refresh",
	}, []string{"reason"})

	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monconnect_actions_total",
		Help: "Dispatched escrow actions by result kind",
	}, []string{"action", "result"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monconnect_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	jobs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "monconnect_jobs",
		Help: "Jobs in the installed snapshot by view and partition",
	}, []string{"view", "partition"})

	notifications := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monconnect_notifications_total",
		Help: "New funded job notifications emitted",
	})

	disputes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monconnect_disputes_total",
		Help: "Disputes raised by raiser role",
	}, []string{"raiser"})

	r := prometheus.NewRegistry()
	r.MustRegister(refresh, skipped, actions, requests, jobs, notifications, disputes)

	return &Registry{
		registry:      r,
		refreshTotal:  refresh,
		skippedTotal:  skipped,
		actionsTotal:  actions,
		requestsTotal: requests,
		jobs:          jobs,
		notifications: notifications,
		disputes:      disputes,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Registry) IncRefresh(view, result string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(view, result).Inc()
}

func (m *Registry) IncSkipped(reason string) {
	if m == nil {
		return
	}
	m.skippedTotal.WithLabelValues(reason).Inc()
}

func (m *Registry) IncAction(action, result string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(action, result).Inc()
}

func (m *Registry) IncRequest(route, code string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, code).Inc()
}

func (m *Registry) SetJobs(view string, active, history int) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(view, "active").Set(float64(active))
	m.jobs.WithLabelValues(view, "history").Set(float64(history))
}

func (m *Registry) IncNotification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Registry) IncDispute(raiser string) {
	if m == nil {
		return
	}
	m.disputes.WithLabelValues(raiser).Inc()
}
