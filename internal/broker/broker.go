// Package broker defines the brokerage capability the order engine needs:
// submit, cancel, replace and query orders. Implementations are wrapped by
// LimitedBroker so every call passes the admission rate limiter.
package broker

import (
	"context"
	"time"

	"longbridge-quant-bot/internal/orders"
)

// TimeInForce controls how long a submitted order rests
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "Day"
	TimeInForceGTC TimeInForce = "GTC"
)

// SubmitRequest describes an order to place
type SubmitRequest struct {
	Symbol      string           `json:"symbol"`
	Side        orders.Side      `json:"side"`
	Quantity    int64            `json:"quantity"`
	Price       float64          `json:"price,omitempty"` // ignored for market orders
	OrderType   orders.OrderType `json:"order_type"`
	TimeInForce TimeInForce      `json:"time_in_force"`
	Remark      string           `json:"remark,omitempty"`
}

// OrderQuery filters QueryOrders. Zero values mean "no filter".
type OrderQuery struct {
	Symbol   string
	From     time.Time
	To       time.Time
	OpenOnly bool
	OrderIDs []string
}

// Matches reports whether an order passes the query filters
func (q OrderQuery) Matches(o OrderSnapshot) bool {
	if q.Symbol != "" && o.Symbol != q.Symbol {
		return false
	}
	if q.OpenOnly && !o.Status.IsActive() {
		return false
	}
	if !q.From.IsZero() && o.SubmittedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && o.SubmittedAt.After(q.To) {
		return false
	}
	if len(q.OrderIDs) > 0 {
		for _, id := range q.OrderIDs {
			if id == o.OrderID {
				return true
			}
		}
		return false
	}
	return true
}

// OrderSnapshot is a validated view of one brokerage order
type OrderSnapshot struct {
	OrderID          string             `json:"order_id"`
	Symbol           string             `json:"symbol"`
	Side             orders.Side        `json:"side"`
	OrderType        orders.OrderType   `json:"order_type"`
	Status           orders.OrderStatus `json:"status"`
	Price            float64            `json:"price"`
	Quantity         int64              `json:"quantity"`
	ExecutedQuantity int64              `json:"executed_quantity"`
	ExecutedPrice    float64            `json:"executed_price"`
	SubmittedAt      time.Time          `json:"submitted_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// RemainingQuantity is the unfilled part of the order
func (o OrderSnapshot) RemainingQuantity() int64 {
	if rem := o.Quantity - o.ExecutedQuantity; rem > 0 {
		return rem
	}
	return 0
}

// Broker is the abstract brokerage capability
type Broker interface {
	// SubmitOrder places an order and returns its id
	SubmitOrder(ctx context.Context, req SubmitRequest) (string, error)
	// CancelOrder requests cancellation; false means the brokerage declined
	CancelOrder(ctx context.Context, orderID string) (bool, error)
	// ReplaceOrder changes price and, when quantity > 0, quantity
	ReplaceOrder(ctx context.Context, orderID string, price float64, quantity int64) error
	// QueryOrders returns orders matching the query
	QueryOrders(ctx context.Context, query OrderQuery) ([]OrderSnapshot, error)
}
