package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersProcessed counts orders scanned by the matching engine, by side
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meridian_orders_processed_total",
		Help: "Total number of orders processed by the matching engine",
	},
	[]string{"side"},
)

// TradesSettled counts trades written by settlement, by symbol
var TradesSettled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "meridian_trades_settled_total",
		Help: "Total number of trades settled",
	},
	[]string{"symbol"},
)

// MatchCycleDuration records the duration of one matching cycle per symbol
var MatchCycleDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "meridian_match_cycle_duration_seconds",
		Help:    "Duration in seconds of one matching cycle for a symbol",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"symbol"},
)

// Lock contention counters. A contended acquire is an expected outcome of
// the protocol, not an error, so it gets its own series.
var (
	OrderLockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_order_lock_contention_total",
			Help: "Order lock acquisitions refused because the order was held or not matchable",
		},
	)

	BalanceLockFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meridian_balance_lock_failures_total",
			Help: "Balance lock acquisitions refused for insufficient available funds",
		},
	)

	ExpiredLocksReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_expired_locks_reclaimed_total",
			Help: "Stale locks force-cleared by the expiry sweep",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(OrdersProcessed, TradesSettled, MatchCycleDuration)
	prometheus.MustRegister(OrderLockContention, BalanceLockFailures, ExpiredLocksReclaimed)
}
