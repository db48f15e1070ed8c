package broker

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"longbridge-quant-bot/internal/orders"
)

// RawOrder is an order record as the brokerage sends it, with decimals as
// strings. It is converted to OrderSnapshot by ParseOrderSnapshot and never
// used past the broker package boundary.
type RawOrder struct {
	OrderID          string `json:"order_id"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	OrderType        string `json:"order_type"`
	Status           string `json:"status"`
	Price            string `json:"price"`
	Quantity         string `json:"quantity"`
	ExecutedQuantity string `json:"executed_quantity"`
	ExecutedPrice    string `json:"executed_price"`
	SubmittedAtMs    int64  `json:"submitted_at"`
	UpdatedAtMs      int64  `json:"updated_at"`
}

var (
	errEmpty       = errors.New("empty value")
	errUnknown     = errors.New("unknown value")
	errNotWhole    = errors.New("quantity must be a whole number of shares")
	errNegative    = errors.New("must not be negative")
	errOverExecute = errors.New("executed quantity exceeds order quantity")
)

// ParseOrderSnapshot validates a raw brokerage order
func ParseOrderSnapshot(raw RawOrder) (OrderSnapshot, error) {
	fail := func(field, value string, err error) (OrderSnapshot, error) {
		return OrderSnapshot{}, &ParseError{OrderID: raw.OrderID, Field: field, Value: value, Err: err}
	}

	if raw.OrderID == "" {
		return fail("order_id", raw.OrderID, errEmpty)
	}
	if raw.Symbol == "" {
		return fail("symbol", raw.Symbol, errEmpty)
	}
	side, err := ParseSide(raw.Side)
	if err != nil {
		return fail("side", raw.Side, err)
	}
	orderType, err := ParseOrderType(raw.OrderType)
	if err != nil {
		return fail("order_type", raw.OrderType, err)
	}
	status, err := ParseStatus(raw.Status)
	if err != nil {
		return fail("status", raw.Status, err)
	}
	quantity, err := parseShares(raw.Quantity, true)
	if err != nil {
		return fail("quantity", raw.Quantity, err)
	}
	executed, err := parseShares(raw.ExecutedQuantity, false)
	if err != nil {
		return fail("executed_quantity", raw.ExecutedQuantity, err)
	}
	if executed > quantity {
		return fail("executed_quantity", raw.ExecutedQuantity, errOverExecute)
	}
	price, err := parsePrice(raw.Price)
	if err != nil {
		return fail("price", raw.Price, err)
	}
	executedPrice, err := parsePrice(raw.ExecutedPrice)
	if err != nil {
		return fail("executed_price", raw.ExecutedPrice, err)
	}

	snap := OrderSnapshot{
		OrderID:          raw.OrderID,
		Symbol:           raw.Symbol,
		Side:             side,
		OrderType:        orderType,
		Status:           status,
		Price:            price,
		Quantity:         quantity,
		ExecutedQuantity: executed,
		ExecutedPrice:    executedPrice,
	}
	if raw.SubmittedAtMs > 0 {
		snap.SubmittedAt = time.UnixMilli(raw.SubmittedAtMs)
	}
	if raw.UpdatedAtMs > 0 {
		snap.UpdatedAt = time.UnixMilli(raw.UpdatedAtMs)
	} else {
		snap.UpdatedAt = snap.SubmittedAt
	}
	return snap, nil
}

// ParseOrderSnapshots converts a batch, returning the valid orders and the
// errors for the rest
func ParseOrderSnapshots(raws []RawOrder) ([]OrderSnapshot, []error) {
	out := make([]OrderSnapshot, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		snap, err := ParseOrderSnapshot(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, snap)
	}
	return out, errs
}

// ToRaw renders a snapshot in the brokerage wire shape
func (o OrderSnapshot) ToRaw() RawOrder {
	raw := RawOrder{
		OrderID:          o.OrderID,
		Symbol:           o.Symbol,
		Side:             string(o.Side),
		OrderType:        string(o.OrderType),
		Status:           rawStatus(o.Status),
		Quantity:         decimal.NewFromInt(o.Quantity).String(),
		ExecutedQuantity: decimal.NewFromInt(o.ExecutedQuantity).String(),
	}
	if o.Price > 0 {
		raw.Price = decimal.NewFromFloat(o.Price).String()
	}
	if o.ExecutedPrice > 0 {
		raw.ExecutedPrice = decimal.NewFromFloat(o.ExecutedPrice).String()
	}
	if !o.SubmittedAt.IsZero() {
		raw.SubmittedAtMs = o.SubmittedAt.UnixMilli()
	}
	if !o.UpdatedAt.IsZero() {
		raw.UpdatedAtMs = o.UpdatedAt.UnixMilli()
	}
	return raw
}

func parseShares(v string, required bool) (int64, error) {
	if v == "" {
		if required {
			return 0, errEmpty
		}
		return 0, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, errNegative
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, errNotWhole
	}
	return d.IntPart(), nil
}

// parsePrice accepts an empty price (market orders) as 0
func parsePrice(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, errNegative
	}
	f, _ := d.Float64()
	return f, nil
}

// ParseSide accepts BUY/SELL in any case
func ParseSide(v string) (orders.Side, error) {
	switch strings.ToUpper(v) {
	case "BUY":
		return orders.SideBuy, nil
	case "SELL":
		return orders.SideSell, nil
	}
	return "", errUnknown
}

// ParseOrderType maps brokerage order type codes
func ParseOrderType(v string) (orders.OrderType, error) {
	switch strings.ToUpper(v) {
	case "LO", "LIMIT":
		return orders.OrderTypeLimit, nil
	case "ELO", "ENHANCED_LIMIT":
		return orders.OrderTypeEnhancedLimit, nil
	case "MO", "MARKET":
		return orders.OrderTypeMarket, nil
	}
	return "", errUnknown
}

// ParseStatus maps brokerage order statuses onto the tracking states
func ParseStatus(v string) (orders.OrderStatus, error) {
	switch strings.ToUpper(strings.ReplaceAll(v, "_", "")) {
	case "NEW", "SUBMITTED", "WAITTONEW", "NOTREPORTED", "PENDINGNEW", "PENDINGCANCEL", "WAITTOCANCEL":
		return orders.StatusSubmitted, nil
	case "PARTIALFILLED", "PARTIALLYFILLED":
		return orders.StatusPartialFilled, nil
	case "PENDINGREPLACE", "WAITTOREPLACE", "REPLACEDPENDING":
		return orders.StatusReplacedPending, nil
	case "REPLACED":
		return orders.StatusSubmitted, nil
	case "FILLED":
		return orders.StatusFilled, nil
	case "CANCELED", "CANCELLED", "EXPIRED", "PARTIALWITHDRAWAL":
		return orders.StatusCancelled, nil
	case "REJECTED":
		return orders.StatusRejected, nil
	}
	return "", errUnknown
}

func rawStatus(s orders.OrderStatus) string {
	switch s {
	case orders.StatusSubmitted:
		return "New"
	case orders.StatusPartialFilled:
		return "PartialFilled"
	case orders.StatusReplacedPending:
		return "PendingReplace"
	case orders.StatusFilled:
		return "Filled"
	case orders.StatusCancelled:
		return "Canceled"
	case orders.StatusRejected:
		return "Rejected"
	}
	return string(s)
}
