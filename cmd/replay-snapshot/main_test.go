package main

import (
	"testing"
	"time"

	"longbridge-quant-bot/internal/broker"
	"longbridge-quant-bot/internal/orders"
)

func filledBuy(id, symbol string, qty int64, price float64, at time.Time) broker.RawOrder {
	return broker.OrderSnapshot{
		OrderID:          id,
		Symbol:           symbol,
		Side:             orders.SideBuy,
		OrderType:        orders.OrderTypeLimit,
		Status:           orders.StatusFilled,
		Price:            price,
		Quantity:         qty,
		ExecutedQuantity: qty,
		ExecutedPrice:    price,
		SubmittedAt:      at,
		UpdatedAt:        at,
	}.ToRaw()
}

func TestReplayGroupsBySymbol(t *testing.T) {
	at := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	raws := []broker.RawOrder{
		filledBuy("b1", "9988.HK", 50, 80, at),
		filledBuy("a1", "700.HK", 100, 300, at),
		filledBuy("a2", "700.HK", 200, 301, at.Add(time.Minute)),
		{OrderID: "bad", Symbol: "700.HK", Side: "Buy", Quantity: "abc"},
	}

	tests := []struct {
		name        string
		only        string
		wantSymbols []string
		wantLots    []int
	}{
		{"all symbols", "", []string{"700.HK", "9988.HK"}, []int{2, 1}},
		{"one symbol", "9988.HK", []string{"9988.HK"}, []int{1}},
		{"unknown symbol", "5.HK", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states, errs := replay(raws, orders.DirectionLong, tt.only)

			if len(errs) != 1 {
				t.Errorf("Expected 1 parse error, got %d", len(errs))
			}
			if len(states) != len(tt.wantSymbols) {
				t.Fatalf("Expected %d seats, got %d", len(tt.wantSymbols), len(states))
			}
			for i, st := range states {
				if st.Seat.Symbol != tt.wantSymbols[i] {
					t.Errorf("Expected seat %d to be %s, got %s", i, tt.wantSymbols[i], st.Seat.Symbol)
				}
				if len(st.Lots) != tt.wantLots[i] {
					t.Errorf("Expected %d lots for %s, got %d", tt.wantLots[i], st.Seat.Symbol, len(st.Lots))
				}
				if st.Seat.Direction != orders.DirectionLong {
					t.Errorf("Expected LONG seat, got %s", st.Seat.Direction)
				}
			}
		})
	}
}
