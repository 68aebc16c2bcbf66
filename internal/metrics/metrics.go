package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersCreated counts posted orders by direction (buy/sell)
var OrdersCreated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "p2pex_orders_created_total",
		Help: "Total number of orders posted",
	},
	[]string{"direction"},
)

// OrdersCancelled counts soft-cancelled orders
var OrdersCancelled = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "p2pex_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	},
)

// TradeTransitions counts applied trade state machine events
var TradeTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "p2pex_trade_transitions_total",
		Help: "Trade state transitions by event and resulting status",
	},
	[]string{"event", "status"},
)

// TradeRejections counts trade operations refused by a guard, by error kind
var TradeRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "p2pex_trade_rejections_total",
		Help: "Trade operations rejected, by event and error kind",
	},
	[]string{"event", "kind"},
)

// TradeLatency records how long each engine operation takes
var TradeLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "p2pex_trade_operation_seconds",
		Help:    "Latency in seconds of trade engine operations",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"event"},
)

// EventsPublished counts lifecycle events by sink
var EventsPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "p2pex_events_published_total",
		Help: "Lifecycle events delivered, by sink",
	},
	[]string{"sink"},
)

func init() {
	prometheus.MustRegister(OrdersCreated, OrdersCancelled)
	prometheus.MustRegister(TradeTransitions, TradeRejections, TradeLatency)
	prometheus.MustRegister(EventsPublished)
}
