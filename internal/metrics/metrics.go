// Package metrics holds the Prometheus collectors of the billing service.
package metrics

import (
	"net/http"
	"time"

	"github.com/aiagenz/billing/pkg/payment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Gateway metrics
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec

	// Billing metrics
	SubscriptionChangesTotal *prometheus.CounterVec
	LedgerRecordsTotal       *prometheus.CounterVec
	LedgerAdjustmentsTotal   *prometheus.CounterVec
	WebhookEventsTotal       *prometheus.CounterVec
	PreviewFallbacksTotal    prometheus.Counter
	ReconciledInvoicesTotal  *prometheus.CounterVec
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		GatewayCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_gateway_calls_total",
				Help: "Payment gateway calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		GatewayCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_gateway_call_duration_seconds",
				Help:    "Payment gateway call duration in seconds, retries included",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"op"},
		),

		SubscriptionChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_subscription_changes_total",
				Help: "Subscription change operations by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		LedgerRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ledger_records_total",
				Help: "Ledger writes by source and result",
			},
			[]string{"source", "result"},
		),
		LedgerAdjustmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_ledger_adjustments_total",
				Help: "Payment decompositions that had to be reconciled to the invoice amount",
			},
			[]string{"reason"},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Webhook deliveries by event type and outcome",
			},
			[]string{"type", "outcome"},
		),
		PreviewFallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_preview_fallbacks_total",
				Help: "Proration previews served from list prices because the gateway preview failed",
			},
		),
		ReconciledInvoicesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_reconciled_invoices_total",
				Help: "Invoices replayed through the ledger by result",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GatewayCallsTotal,
		m.GatewayCallDuration,
		m.SubscriptionChangesTotal,
		m.LedgerRecordsTotal,
		m.LedgerAdjustmentsTotal,
		m.WebhookEventsTotal,
		m.PreviewFallbacksTotal,
		m.ReconciledInvoicesTotal,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GatewayObserver records every gateway call.
func (m *Metrics) GatewayObserver() payment.Observer {
	return func(op string, elapsed time.Duration, err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if payment.IsTransient(err) {
				outcome = "transient"
			}
		}
		m.GatewayCallsTotal.WithLabelValues(op, outcome).Inc()
		m.GatewayCallDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}
