package app

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal *prometheus.CounterVec
	GuardDecisions    *prometheus.CounterVec
	RelayFallbacks    prometheus.Counter
	BillingEvents     *prometheus.CounterVec
	RateLimited       prometheus.Counter
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		GuardDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_guard_decisions_total",
				Help: "Usage guard decisions by outcome",
			},
			[]string{"outcome"},
		),
		RelayFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_relay_fallbacks_total",
				Help: "Relay calls answered with the fallback message",
			},
		),
		BillingEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_billing_events_total",
				Help: "Billing webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_rate_limited_total",
				Help: "Chat requests rejected by the burst limiter",
			},
		),
	}
	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.GuardDecisions,
		m.RelayFallbacks,
		m.BillingEvents,
		m.RateLimited,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts requests by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if m == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func (m *Metrics) guardDecision(outcome string) {
	if m == nil {
		return
	}
	m.GuardDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) relayFallback() {
	if m == nil {
		return
	}
	m.RelayFallbacks.Inc()
}

func (m *Metrics) billingEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.BillingEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) rateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
