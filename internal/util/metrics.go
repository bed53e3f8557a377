package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_recorded_total",
		Help: "Ledger recordOrGet calls by outcome (created, existing, transitioned, adopted)",
	}, []string{"outcome", "environment"})

	PurchasesCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_completed_total",
		Help: "Purchases that reached completed, by entry point",
	}, []string{"source", "purpose"})

	PurchasesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_failed_total",
		Help: "Pending purchases marked failed",
	}, []string{"reason"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook deliveries by event type and outcome",
	}, []string{"type", "outcome"})

	WebhookHandleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_handle_latency_seconds",
		Help:    "Latency of webhook handling",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	AccessGrantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "access_grants_total",
		Help: "Grant attempts by outcome (created, existing, failed, unavailable)",
	}, []string{"outcome"})

	SlotCreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bundle_slot_credits_total",
		Help: "Bundle slot credits by outcome (applied, duplicate)",
	}, []string{"outcome"})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliations_total",
		Help: "Client-triggered session verifications by outcome",
	}, []string{"outcome"})

	ReconciliationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconciliation_latency_seconds",
		Help:    "Latency of client-triggered session verification",
		Buckets: prometheus.DefBuckets,
	})

	GrantRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grant_retries_total",
		Help: "Grant retry attempts by outcome (succeeded, failed, exhausted, skipped)",
	}, []string{"outcome"})

	ConfigurationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "configuration_errors_total",
		Help: "Environment or credential mismatches",
	}, []string{"component"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
