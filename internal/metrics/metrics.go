// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	Logins            *prometheus.CounterVec
	Registrations     *prometheus.CounterVec
	TicketsIssued     *prometheus.CounterVec
	TicketValidations *prometheus.CounterVec
	TokensIssued      *prometheus.CounterVec
	NotifierFailures  *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyhold_logins_total",
			Help: "Password logins by result.",
		}, []string{"result"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyhold_registrations_total",
			Help: "User registrations by result.",
		}, []string{"result"}),
		TicketsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyhold_tickets_issued_total",
			Help: "Verification tickets issued by purpose.",
		}, []string{"purpose"}),
		TicketValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyhold_ticket_validations_total",
			Help: "Verification ticket checks by result.",
		}, []string{"result"}),
		TokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyhold_oauth_tokens_issued_total",
			Help: "OAuth2 token pairs issued by grant type.",
		}, []string{"grant_type"}),
		NotifierFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyhold_notifier_failures_total",
			Help: "Failed email or SMS deliveries.",
		}, []string{"channel"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keyhold_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}

	reg.MustRegister(
		m.Logins,
		m.Registrations,
		m.TicketsIssued,
		m.TicketValidations,
		m.TokensIssued,
		m.NotifierFailures,
		m.RequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (tests)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRequest records one HTTP request
func (m *Metrics) ObserveRequest(route, method, status string, d time.Duration) {
	m.RequestDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}
