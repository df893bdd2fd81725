package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Listings handled by the pipeline, by outcome (created | attached | duplicate | unattributed | deferred | error).
	ListingsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_listings_processed_total",
			Help: "Listings processed by the matching pipeline, by vendor and outcome.",
		},
		[]string{"vendor", "outcome"},
	)

	// Attributed listings stored without a usable price, so no price point was recorded.
	UnpricedListings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_listings_unpriced_total",
			Help: "Attributed listings flagged unpriced, by vendor.",
		},
		[]string{"vendor"},
	)

	// Deferred queue deliveries by result (ok | retried | parked | error).
	DeferredDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_deferred_deliveries_total",
			Help: "Deferred listings handled from the queue, by result.",
		},
		[]string{"result"},
	)

	// Match decisions by kind (exact | fuzzy | new).
	MatchDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_match_decisions_total",
			Help: "Matching engine decisions by kind.",
		},
		[]string{"kind"},
	)

	CatalogRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_catalog_retries_total",
			Help: "Catalog operations retried after a failure.",
		},
		[]string{"operation"},
	)

	PricePoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_price_points_total",
			Help: "Price observations by result (recorded | out_of_order | pruned | error).",
		},
		[]string{"result"},
	)

	Alerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_alerts_total",
			Help: "Alert triggers by type and result (emitted | suppressed | error).",
		},
		[]string{"type", "result"},
	)

	Dispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_alert_dispatch_total",
			Help: "Alert deliveries by channel and result.",
		},
		[]string{"channel", "result"}, // result = "ok" | "error"
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pricewatch_cycle_duration_seconds",
			Help:    "Duration of orchestrator cycles.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"kind"}, // cycle | reprocess
	)

	// Gauges the last completed cycle (seconds since epoch).
	LastCycleTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pricewatch_last_cycle_timestamp",
			Help: "Timestamp (unix seconds) of the last completed cycle.",
		},
		[]string{"kind"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricewatch_errors_total",
			Help: "Count of errors by component.",
		},
		[]string{"component", "reason"},
	)
)

// ObserveDuration records the time since start on a histogram.
func ObserveDuration(h *prometheus.HistogramVec, start time.Time, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}
