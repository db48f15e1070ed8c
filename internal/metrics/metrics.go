// Package metrics exposes Prometheus collectors for the order engine.
//
//   - engine_broker_calls_total{op,result}      brokerage calls through the limiter
//   - engine_rate_limit_wait_seconds             time spent waiting for admission
//   - engine_tracked_orders{side}                orders currently tracked by the monitor
//   - engine_order_transitions_total{status}     terminal and intermediate transitions
//   - engine_timeout_actions_total{side,action}  timeout cancels and market conversions
//   - engine_ledger_lots                         lots held across all ledger entries
//   - engine_push_events_total{result}           push events handled or ignored
//
// Collectors are registered in init() and served by the API at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BrokerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_broker_calls_total",
			Help: "Brokerage calls by operation and result",
		},
		[]string{"op", "result"},
	)

	RateLimitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_rate_limit_wait_seconds",
			Help:    "Time callers waited for brokerage admission",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	TrackedOrders = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_tracked_orders",
			Help: "Orders currently tracked by the monitor",
		},
		[]string{"side"},
	)

	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_order_transitions_total",
			Help: "Tracked order status transitions",
		},
		[]string{"status"},
	)

	// action: cancel, convert, abort
	TimeoutActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_timeout_actions_total",
			Help: "Actions taken on timed-out orders",
		},
		[]string{"side", "action"},
	)

	LedgerLots = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_ledger_lots",
			Help: "Lots held across all ledger entries",
		},
	)

	PushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_push_events_total",
			Help: "Order push events by result (handled|ignored|invalid)",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		BrokerCalls, RateLimitWait, TrackedOrders, OrderTransitions,
		TimeoutActions, LedgerLots, PushEvents,
	)
}

// Handler serves the default registry in text exposition format
func Handler() http.Handler {
	return promhttp.Handler()
}
