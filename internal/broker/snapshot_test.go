package broker

import (
	"errors"
	"testing"
	"time"

	"longbridge-quant-bot/internal/orders"
)

func validRaw() RawOrder {
	return RawOrder{
		OrderID:          "701",
		Symbol:           "12345.HK",
		Side:             "Buy",
		OrderType:        "ELO",
		Status:           "PartialFilled",
		Price:            "0.125",
		Quantity:         "20000",
		ExecutedQuantity: "10000",
		ExecutedPrice:    "0.124",
		SubmittedAtMs:    1772415000000,
	}
}

func TestParseOrderSnapshot(t *testing.T) {
	snap, err := ParseOrderSnapshot(validRaw())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if snap.Side != orders.SideBuy || snap.OrderType != orders.OrderTypeEnhancedLimit {
		t.Errorf("Unexpected side/type: %s %s", snap.Side, snap.OrderType)
	}
	if snap.Status != orders.StatusPartialFilled {
		t.Errorf("Expected %s, got %s", orders.StatusPartialFilled, snap.Status)
	}
	if snap.Price != 0.125 || snap.ExecutedPrice != 0.124 {
		t.Errorf("Unexpected prices: %v %v", snap.Price, snap.ExecutedPrice)
	}
	if snap.RemainingQuantity() != 10000 {
		t.Errorf("Expected remaining 10000, got %d", snap.RemainingQuantity())
	}
	if !snap.SubmittedAt.Equal(time.UnixMilli(1772415000000)) || !snap.UpdatedAt.Equal(snap.SubmittedAt) {
		t.Errorf("Unexpected times: %v %v", snap.SubmittedAt, snap.UpdatedAt)
	}
}

func TestParseOrderSnapshotRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RawOrder)
		field  string
	}{
		{"missing id", func(r *RawOrder) { r.OrderID = "" }, "order_id"},
		{"missing symbol", func(r *RawOrder) { r.Symbol = "" }, "symbol"},
		{"bad side", func(r *RawOrder) { r.Side = "Hold" }, "side"},
		{"bad type", func(r *RawOrder) { r.OrderType = "AUCTION" }, "order_type"},
		{"bad status", func(r *RawOrder) { r.Status = "Unknown" }, "status"},
		{"fractional shares", func(r *RawOrder) { r.Quantity = "100.5" }, "quantity"},
		{"missing quantity", func(r *RawOrder) { r.Quantity = "" }, "quantity"},
		{"negative executed", func(r *RawOrder) { r.ExecutedQuantity = "-1" }, "executed_quantity"},
		{"over executed", func(r *RawOrder) { r.ExecutedQuantity = "30000" }, "executed_quantity"},
		{"garbage price", func(r *RawOrder) { r.Price = "abc" }, "price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mutate(&raw)
			_, err := ParseOrderSnapshot(raw)
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("Expected ParseError, got %v", err)
			}
			if perr.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, perr.Field)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	tests := map[string]orders.OrderStatus{
		"New":               orders.StatusSubmitted,
		"WaitToNew":         orders.StatusSubmitted,
		"PendingCancel":     orders.StatusSubmitted,
		"PartialFilled":     orders.StatusPartialFilled,
		"PendingReplace":    orders.StatusReplacedPending,
		"Replaced":          orders.StatusSubmitted,
		"Filled":            orders.StatusFilled,
		"Canceled":          orders.StatusCancelled,
		"PartialWithdrawal": orders.StatusCancelled,
		"Expired":           orders.StatusCancelled,
		"Rejected":          orders.StatusRejected,
	}
	for raw, want := range tests {
		got, err := ParseStatus(raw)
		if err != nil || got != want {
			t.Errorf("ParseStatus(%q) = %s, %v; want %s", raw, got, err, want)
		}
	}
}

func TestMarketOrderWithoutPrice(t *testing.T) {
	raw := validRaw()
	raw.OrderType = "MO"
	raw.Price = ""
	snap, err := ParseOrderSnapshot(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if snap.Price != 0 || snap.OrderType.IsPriced() {
		t.Errorf("Expected unpriced market order, got %+v", snap)
	}
}

func TestParseOrderSnapshotsSplitsErrors(t *testing.T) {
	bad := validRaw()
	bad.Side = ""
	snaps, errs := ParseOrderSnapshots([]RawOrder{validRaw(), bad})
	if len(snaps) != 1 || len(errs) != 1 {
		t.Errorf("Expected 1 valid and 1 error, got %d and %d", len(snaps), len(errs))
	}
}

func TestOrderQueryMatches(t *testing.T) {
	snap := OrderSnapshot{OrderID: "1", Symbol: "12345.HK", Status: orders.StatusFilled, SubmittedAt: time.Unix(1000, 0)}

	tests := []struct {
		name  string
		query OrderQuery
		want  bool
	}{
		{"empty", OrderQuery{}, true},
		{"symbol", OrderQuery{Symbol: "67890.HK"}, false},
		{"open only", OrderQuery{OpenOnly: true}, false},
		{"before range", OrderQuery{From: time.Unix(2000, 0)}, false},
		{"ids", OrderQuery{OrderIDs: []string{"2", "1"}}, true},
		{"other ids", OrderQuery{OrderIDs: []string{"2"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.query.Matches(snap); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
