package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the delivery lifecycle, the credit ledger and the
// tracking relay.
var (
	DeliveriesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deliveries_created_total",
			Help: "Total number of deliveries created",
		},
	)

	DeliveriesAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deliveries_accepted_total",
			Help: "Total number of deliveries accepted by couriers",
		},
	)

	DeliveriesCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deliveries_cancelled_total",
			Help: "Total number of deliveries cancelled",
		},
	)

	DeliveriesCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deliveries_completed_total",
			Help: "Total number of deliveries completed",
		},
	)

	CreditUnitsPurchasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credit_units_purchased_total",
			Help: "Total credit units purchased by couriers",
		},
	)

	CreditUnitsConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credit_units_consumed_total",
			Help: "Total credit units consumed by accepts",
		},
	)

	CreditUnitsRefundedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credit_units_refunded_total",
			Help: "Total credit units refunded after cancellations",
		},
	)

	CreditAccountsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credit_accounts_expired_total",
			Help: "Total credit accounts deactivated by the expiry sweep",
		},
	)

	TrackingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_connections",
			Help: "Current number of open tracking websocket connections",
		},
	)

	TrackingSamplesPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_samples_published_total",
			Help: "Total location samples published to tracking rooms",
		},
	)

	TrackingPersistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_persist_failures_total",
			Help: "Total location samples that failed to persist",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(DeliveriesCreatedTotal)
	prometheus.MustRegister(DeliveriesAcceptedTotal)
	prometheus.MustRegister(DeliveriesCancelledTotal)
	prometheus.MustRegister(DeliveriesCompletedTotal)
	prometheus.MustRegister(CreditUnitsPurchasedTotal)
	prometheus.MustRegister(CreditUnitsConsumedTotal)
	prometheus.MustRegister(CreditUnitsRefundedTotal)
	prometheus.MustRegister(CreditAccountsExpiredTotal)
	prometheus.MustRegister(TrackingConnections)
	prometheus.MustRegister(TrackingSamplesPublishedTotal)
	prometheus.MustRegister(TrackingPersistFailuresTotal)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}
