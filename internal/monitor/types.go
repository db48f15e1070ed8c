// Package monitor tracks submitted orders from submission to a terminal
// status. Push events and a periodic tick drive it: timed-out buys are
// cancelled, timed-out sells are cancelled and resubmitted at market, and
// resting limit orders follow the quote.
package monitor

import (
	"sync/atomic"
	"time"

	"longbridge-quant-bot/internal/broker"
	"longbridge-quant-bot/internal/orders"
)

// TrackedOrder is the monitor's view of one submitted order
type TrackedOrder struct {
	OrderID                 string             `json:"order_id"`
	Symbol                  string             `json:"symbol"`
	Side                    orders.Side        `json:"side"`
	Direction               orders.Direction   `json:"direction"`
	SubmittedPrice          float64            `json:"submitted_price"`
	SubmittedQuantity       int64              `json:"submitted_quantity"`
	FilledQuantity          int64              `json:"filled_quantity"`
	ExecutedPrice           float64            `json:"executed_price"`
	IsProtectiveLiquidation bool               `json:"is_protective_liquidation"`
	OrderType               orders.OrderType   `json:"order_type"`
	SubmittedAt             time.Time          `json:"submitted_at"`
	Status                  orders.OrderStatus `json:"status"`
	LastReplaceAt           time.Time          `json:"last_replace_at,omitempty"`

	// buy quantity already in the ledger under OrderID, and its price
	// (a partial fill found by recovery)
	BookedQuantity int64   `json:"booked_quantity,omitempty"`
	BookedPrice    float64 `json:"booked_price,omitempty"`

	busy         bool               // a brokerage call for this order is in flight
	statusBefore orders.OrderStatus // restored when a replace fails
	pendingPrice float64            // price of an unacknowledged replace
}

// RemainingQuantity is the unfilled part of the order
func (o TrackedOrder) RemainingQuantity() int64 {
	if rem := o.SubmittedQuantity - o.FilledQuantity; rem > 0 {
		return rem
	}
	return 0
}

// TimeoutConfig is the timeout policy of one side
type TimeoutConfig struct {
	Enabled bool `json:"enabled"`
	Seconds int  `json:"seconds"` // 0 acts on the very next tick
}

func (c TimeoutConfig) expired(submittedAt, now time.Time) bool {
	if !c.Enabled {
		return false
	}
	return now.Sub(submittedAt) >= time.Duration(c.Seconds)*time.Second
}

// Config controls timeouts and price chasing
type Config struct {
	BuyTimeout         TimeoutConfig      `json:"buy_timeout"`
	SellTimeout        TimeoutConfig      `json:"sell_timeout"`
	PriceChaseEnabled  bool               `json:"price_chase_enabled"`
	PriceChaseMinDelta float64            `json:"price_chase_min_delta"`
	ReplaceAckWindow   time.Duration      `json:"replace_ack_window"`
	TimeInForce        broker.TimeInForce `json:"time_in_force"`
}

// DefaultConfig returns the monitor defaults
func DefaultConfig() Config {
	return Config{
		BuyTimeout:         TimeoutConfig{Enabled: true, Seconds: 180},
		SellTimeout:        TimeoutConfig{Enabled: true, Seconds: 180},
		PriceChaseEnabled:  true,
		PriceChaseMinDelta: 0.001,
		ReplaceAckWindow:   5 * time.Second,
		TimeInForce:        broker.TimeInForceDay,
	}
}

// Gate is the global execution gate. While closed, timed-out orders are
// cancelled without resubmission and no orders are replaced or submitted.
type Gate struct {
	open atomic.Bool
}

// NewGate creates a gate in the given state
func NewGate(open bool) *Gate {
	g := &Gate{}
	g.open.Store(open)
	return g
}

func (g *Gate) Open()        { g.open.Store(true) }
func (g *Gate) Close()       { g.open.Store(false) }
func (g *Gate) IsOpen() bool { return g.open.Load() }

// Failure is one order whose tick action failed
type Failure struct {
	OrderID string `json:"order_id"`
	Action  string `json:"action"`
	Err     error  `json:"-"`
	Message string `json:"error"`
}

// TickResult summarizes one ProcessTick pass
type TickResult struct {
	Cancelled []string          `json:"cancelled"`
	Converted map[string]string `json:"converted"` // old order id -> market order id
	Replaced  []string          `json:"replaced"`
	Failures  []Failure         `json:"failures"`
}

func (r *TickResult) fail(orderID, action string, err error) {
	r.Failures = append(r.Failures, Failure{OrderID: orderID, Action: action, Err: err, Message: err.Error()})
}

// MergeAction is the outcome of a sell merge decision
type MergeAction string

const (
	MergeSubmit          MergeAction = "SUBMIT"
	MergeReplace         MergeAction = "REPLACE"
	MergeCancelAndSubmit MergeAction = "CANCEL_AND_SUBMIT"
	MergeSkip            MergeAction = "SKIP"
)

// SellIntent is a new sell decision for a seat, with the lots it sells
type SellIntent struct {
	Symbol                  string
	Direction               orders.Direction
	Quantity                int64
	Price                   float64
	OrderType               orders.OrderType
	IsProtectiveLiquidation bool
	LotIDs                  []string
}

// MergeDecision says how a sell intent combines with live sells
type MergeDecision struct {
	Action        MergeAction `json:"action"`
	TargetOrderID string      `json:"target_order_id,omitempty"` // REPLACE
	CancelIDs     []string    `json:"cancel_ids,omitempty"`      // CANCEL_AND_SUBMIT
	Quantity      int64       `json:"quantity"`
	Price         float64     `json:"price"`
	Reason        string      `json:"reason"`
	OrderID       string      `json:"order_id,omitempty"` // resulting order after execution
}
