package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected order creations",
	}, []string{"reason"})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Order status transitions by target status",
	}, []string{"status"})

	ShippingQuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shipping_quotes_total",
		Help: "Shipping estimates by outcome",
	}, []string{"outcome"})

	GeoCacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geo_cache_lookups_total",
		Help: "Geo cache lookups by kind and result",
	}, []string{"kind", "result"})

	GeoProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geo_provider_latency_seconds",
		Help:    "Latency of geocoding and distance lookups",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of push payment initiations",
	})

	PaymentInitiationFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_initiation_failed_total",
		Help: "Push payments the gateway did not accept",
	})

	PaymentReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconciliations_total",
		Help: "Reconciliation attempts by source and result",
	}, []string{"source", "result"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	EscrowReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_releases_total",
		Help: "Escrow releases by trigger and result",
	}, []string{"trigger", "result"})

	EscrowTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "escrow_tick_duration_seconds",
		Help:    "Duration of escrow scheduler ticks",
		Buckets: prometheus.DefBuckets,
	})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_total",
		Help: "Refund state transitions by status",
	}, []string{"status"})

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
