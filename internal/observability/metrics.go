package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for GridSettle.
type Metrics struct {
	// --- Event listener ---
	EventsDecoded      *prometheus.CounterVec // event_type
	EventsDropped      *prometheus.CounterVec // event_type, reason
	EventsDuplicate    *prometheus.CounterVec // event_type, tier
	HandlerDuration    *prometheus.HistogramVec
	SubscriberRestarts prometheus.Counter

	// --- Order cache ---
	OrdersOpen       prometheus.Gauge
	OrderTransitions *prometheus.CounterVec // from, to
	OrderConflicts   *prometheus.CounterVec // kind
	TradesRecorded   prometheus.Counter

	// --- Settlement engine ---
	SettlementCycles       prometheus.Counter
	SettlementsSubmitted   *prometheus.CounterVec // direction: mint|burn
	SettlementsConfirmed   *prometheus.CounterVec // outcome: success|failed
	SettlementsSkipped     *prometheus.CounterVec // reason
	SettlementCycleSeconds prometheus.Histogram

	// --- Chain client ---
	ChainCallDuration *prometheus.HistogramVec // method
	ChainCallErrors   *prometheus.CounterVec   // method
	ChainConnected    prometheus.Gauge

	// --- Price aggregator ---
	CandlesFolded *prometheus.CounterVec // resolution
	SeriesEvicted *prometheus.CounterVec // resolution, cause
	SamplesTaken  prometheus.Counter

	// --- Persistence ---
	StoreErrors   *prometheus.CounterVec // entity
	StoreDuration *prometheus.HistogramVec

	// --- Notifications ---
	NotifyPublished *prometheus.CounterVec // subject
	NotifyDropped   prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	callBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	handlerBuckets := []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1}

	return &Metrics{
		EventsDecoded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_events_decoded_total",
			Help: "Chain logs successfully decoded into domain events",
		}, []string{"event_type"}),

		EventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_events_dropped_total",
			Help: "Chain logs dropped before handling",
		}, []string{"event_type", "reason"}),

		EventsDuplicate: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_events_duplicate_total",
			Help: "Events skipped as already processed",
		}, []string{"event_type", "tier"}),

		HandlerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grid_event_handler_duration_seconds",
			Help:    "Time spent applying a decoded event",
			Buckets: handlerBuckets,
		}, []string{"event_type"}),

		SubscriberRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grid_subscriber_restarts_total",
			Help: "Log subscription reconnects after provider drops",
		}),

		OrdersOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "grid_orders_open",
			Help: "Orders currently OPEN in the local mirror",
		}),

		OrderTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_order_transitions_total",
			Help: "Order status transitions applied to the cache",
		}, []string{"from", "to"}),

		OrderConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_order_conflicts_total",
			Help: "Events implying a transition conflicting with local state",
		}, []string{"kind"}),

		TradesRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grid_trades_recorded_total",
			Help: "Distinct trades inserted into the mirror",
		}),

		SettlementCycles: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grid_settlement_cycles_total",
			Help: "Settlement cycles triggered (periodic or manual)",
		}),

		SettlementsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_settlements_submitted_total",
			Help: "Settlement transactions submitted to the chain",
		}, []string{"direction"}),

		SettlementsConfirmed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_settlements_confirmed_total",
			Help: "Settlement rows moved to a terminal status",
		}, []string{"outcome"}),

		SettlementsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_settlements_skipped_total",
			Help: "Meters skipped during a settlement cycle",
		}, []string{"reason"}),

		SettlementCycleSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "grid_settlement_cycle_seconds",
			Help:    "Wall time of a full settlement cycle",
			Buckets: callBuckets,
		}),

		ChainCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grid_chain_call_duration_seconds",
			Help:    "Duration of JSON-RPC calls by contract method",
			Buckets: callBuckets,
		}, []string{"method"}),

		ChainCallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_chain_call_errors_total",
			Help: "Failed JSON-RPC calls by contract method",
		}, []string{"method"}),

		ChainConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "grid_chain_connected",
			Help: "1 while the log subscription is live, 0 while reconnecting",
		}),

		CandlesFolded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_candles_folded_total",
			Help: "Candles derived at resolution boundaries",
		}, []string{"resolution"}),

		SeriesEvicted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_series_evicted_total",
			Help: "Series entries evicted by cap or TTL",
		}, []string{"resolution", "cause"}),

		SamplesTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grid_price_samples_total",
			Help: "Per-second price samples appended to the finest series",
		}),

		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_store_errors_total",
			Help: "Postgres mirror write failures by entity",
		}, []string{"entity"}),

		StoreDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grid_store_duration_seconds",
			Help:    "Postgres mirror write latency by entity",
			Buckets: handlerBuckets,
		}, []string{"entity"}),

		NotifyPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_notify_published_total",
			Help: "Outbound NATS messages published",
		}, []string{"subject"}),

		NotifyDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "grid_notify_dropped_total",
			Help: "Outbound NATS messages dropped after publish failure",
		}),
	}
}
