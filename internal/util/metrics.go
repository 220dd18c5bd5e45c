package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgreementsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "installment_agreements_created_total",
		Help: "Total number of installment agreements created",
	}, []string{"fulfillment_timing"})

	AgreementsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "installment_agreements_completed_total",
		Help: "Total number of agreements fully paid",
	})

	AgreementsDefaultedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "installment_agreements_defaulted_total",
		Help: "Total number of agreements moved to DEFAULTED",
	})

	AgreementsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "installment_agreements_cancelled_total",
		Help: "Total number of cancelled agreements",
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "installment_payment_attempts_total",
		Help: "Total number of scheduled payment attempts",
	})

	PaymentSuccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "installment_payment_success_total",
		Help: "Total number of successful payments by method",
	}, []string{"method"})

	PaymentFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "installment_payment_failed_total",
		Help: "Total number of failed payments",
	}, []string{"reason"})

	PaymentProcessingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "installment_payment_processing_latency_seconds",
		Help:    "Latency of scheduled payment processing",
		Buckets: prometheus.DefBuckets,
	})

	LedgerReconciliationRequired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconciliation_required_total",
		Help: "Ledger debits whose bookkeeping did not commit",
	})

	FulfillmentOrdersFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "installment_fulfillment_orders_failed_total",
		Help: "Order creation requests that failed and need reconciliation",
	})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	InventoryCacheFallbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_cache_fallback_total",
		Help: "Stock operations that could not use the Redis cache",
	}, []string{"op"})

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
