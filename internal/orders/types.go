// Package orders holds the order ledger for warrant trading: filled buy lots
// per (symbol, direction), the sell claims placed on them, and the selection
// rules that decide which lots a sell may consume.
package orders

import (
	"errors"
	"strings"
	"time"
)

// Direction is the seat a warrant is bound to under a monitored index.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// ValidDirections returns all valid directions
func ValidDirections() []Direction {
	return []Direction{DirectionLong, DirectionShort}
}

// IsValidDirection checks if a direction string is valid
func IsValidDirection(direction string) bool {
	for _, d := range ValidDirections() {
		if string(d) == strings.ToUpper(direction) {
			return true
		}
	}
	return false
}

// Side is the order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the brokerage order type
type OrderType string

const (
	OrderTypeLimit         OrderType = "LO"
	OrderTypeEnhancedLimit OrderType = "ELO"
	OrderTypeMarket        OrderType = "MO"
)

// IsPriced reports whether the order rests at a price and can be price-replaced
func (t OrderType) IsPriced() bool {
	return t == OrderTypeLimit || t == OrderTypeEnhancedLimit
}

// OrderStatus is the lifecycle status of a submitted order
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusPartialFilled   OrderStatus = "PARTIAL_FILLED"
	StatusReplacedPending OrderStatus = "REPLACED_PENDING"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsActive reports whether the order may still trade
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusSubmitted, StatusPartialFilled, StatusReplacedPending:
		return true
	}
	return false
}

// IsTerminal reports whether the order can no longer change
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Lot is one filled buy order. Selection and claims always take whole lots,
// but a lot is not immutable: a sell that ends inside a claimed lot reduces
// it when settled, recovery reduces the lots a partial sell consumed, and
// GrowLot adds later fills of the same buy.
type Lot struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Quantity   int64     `json:"quantity"`
	ExecutedAt time.Time `json:"executed_at"`
}

// PendingSell is a submitted sell order and the lots it is consuming
type PendingSell struct {
	SellOrderID       string      `json:"sell_order_id"`
	Symbol            string      `json:"symbol"`
	Direction         Direction   `json:"direction"`
	SubmittedQuantity int64       `json:"submitted_quantity"`
	FilledQuantity    int64       `json:"filled_quantity"`
	ClaimedLotIDs     []string    `json:"claimed_lot_ids"`
	Status            OrderStatus `json:"status"`
	SubmittedAt       time.Time   `json:"submitted_at"`
}

// Errors returned by the ledger
var (
	ErrInvalidLot        = errors.New("invalid lot: price and quantity must be finite and positive")
	ErrLotAlreadyClaimed = errors.New("lot already claimed by another active sell")
	ErrLotNotFound       = errors.New("lot not found")
	ErrClaimNotFound     = errors.New("pending sell claim not found")
	ErrEmptySymbol       = errors.New("symbol cannot be empty")
)
