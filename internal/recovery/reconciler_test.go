package recovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"pgregory.net/rapid"

	"longbridge-quant-bot/internal/broker"
	"longbridge-quant-bot/internal/monitor"
	"longbridge-quant-bot/internal/orders"
)

const symbol = "12345.HK"

var (
	day  = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	seat = Seat{Symbol: symbol, Direction: orders.DirectionLong}
)

func buy(id string, minute int, price float64, qty, executed int64, status orders.OrderStatus) broker.OrderSnapshot {
	at := day.Add(time.Duration(minute) * time.Minute)
	return broker.OrderSnapshot{
		OrderID:          id,
		Symbol:           symbol,
		Side:             orders.SideBuy,
		OrderType:        orders.OrderTypeLimit,
		Status:           status,
		Price:            price,
		Quantity:         qty,
		ExecutedQuantity: executed,
		ExecutedPrice:    price,
		SubmittedAt:      at,
		UpdatedAt:        at.Add(10 * time.Second),
	}
}

func sell(id string, minute int, qty, executed int64, status orders.OrderStatus) broker.OrderSnapshot {
	at := day.Add(time.Duration(minute) * time.Minute)
	return broker.OrderSnapshot{
		OrderID:          id,
		Symbol:           symbol,
		Side:             orders.SideSell,
		OrderType:        orders.OrderTypeEnhancedLimit,
		Status:           status,
		Price:            0.7,
		Quantity:         qty,
		ExecutedQuantity: executed,
		ExecutedPrice:    0.7,
		SubmittedAt:      at,
		UpdatedAt:        at.Add(10 * time.Second),
	}
}

func lotQuantities(lots []orders.Lot) map[string]int64 {
	out := make(map[string]int64, len(lots))
	for _, lot := range lots {
		out[lot.ID] = lot.Quantity
	}
	return out
}

// ============================================================================
// TEST CASES: RECONCILE
// ============================================================================

func TestReconcileSeat(t *testing.T) {
	tests := []struct {
		name      string
		history   []broker.OrderSnapshot
		lots      map[string]int64
		claims    map[string][]string
		active    int
		unmatched int64
	}{
		{
			name: "filled buys become lots",
			history: []broker.OrderSnapshot{
				buy("B1", 0, 0.5, 1000, 1000, orders.StatusFilled),
				buy("B2", 5, 0.6, 500, 500, orders.StatusFilled),
			},
			lots:   map[string]int64{"B1": 1000, "B2": 500},
			claims: map[string][]string{},
		},
		{
			name: "partially filled and cancelled buy counts executed quantity",
			history: []broker.OrderSnapshot{
				buy("B1", 0, 0.5, 1000, 400, orders.StatusCancelled),
				buy("B2", 1, 0.5, 1000, 0, orders.StatusCancelled),
			},
			lots:   map[string]int64{"B1": 400},
			claims: map[string][]string{},
		},
		{
			name: "filled sell consumes lowest price first",
			history: []broker.OrderSnapshot{
				buy("B1", 0, 0.6, 500, 500, orders.StatusFilled),
				buy("B2", 1, 0.4, 500, 500, orders.StatusFilled),
				sell("S1", 2, 700, 700, orders.StatusFilled),
			},
			lots:   map[string]int64{"B1": 300},
			claims: map[string][]string{},
		},
		{
			name: "sell only consumes lots bought before it",
			history: []broker.OrderSnapshot{
				buy("B1", 0, 0.6, 500, 500, orders.StatusFilled),
				sell("S1", 1, 500, 500, orders.StatusFilled),
				buy("B2", 2, 0.4, 500, 500, orders.StatusFilled),
			},
			lots:   map[string]int64{"B2": 500},
			claims: map[string][]string{},
		},
		{
			name: "live sell claims oldest lots first",
			history: []broker.OrderSnapshot{
				buy("B1", 0, 0.6, 300, 300, orders.StatusFilled),
				buy("B2", 1, 0.4, 300, 300, orders.StatusFilled),
				buy("B3", 2, 0.5, 300, 300, orders.StatusFilled),
				sell("S1", 3, 500, 0, orders.StatusSubmitted),
			},
			lots:   map[string]int64{"B1": 300, "B2": 300, "B3": 300},
			claims: map[string][]string{"S1": {"B1", "B2"}},
			active: 1,
		},
		{
			name: "two live sells never share a lot",
			history: []broker.OrderSnapshot{
				buy("B1", 0, 0.6, 300, 300, orders.StatusFilled),
				buy("B2", 1, 0.4, 300, 300, orders.StatusFilled),
				buy("B3", 2, 0.5, 300, 300, orders.StatusFilled),
				sell("S1", 3, 300, 0, orders.StatusSubmitted),
				sell("S2", 4, 300, 0, orders.StatusSubmitted),
			},
			lots:   map[string]int64{"B1": 300, "B2": 300, "B3": 300},
			claims: map[string][]string{"S1": {"B1"}, "S2": {"B2"}},
			active: 2,
		},
		{
			name: "partially filled live sell claims its remainder",
			history: []broker.OrderSnapshot{
				buy("B1", 0, 0.4, 300, 300, orders.StatusFilled),
				buy("B2", 1, 0.5, 300, 300, orders.StatusFilled),
				sell("S1", 2, 600, 200, orders.StatusPartialFilled),
			},
			lots:   map[string]int64{"B1": 100, "B2": 300},
			claims: map[string][]string{"S1": {"B1", "B2"}},
			active: 1,
		},
		{
			name: "sells beyond recorded buys are reported",
			history: []broker.OrderSnapshot{
				buy("B1", 0, 0.4, 300, 300, orders.StatusFilled),
				sell("S1", 1, 500, 500, orders.StatusFilled),
			},
			lots:      map[string]int64{},
			claims:    map[string][]string{},
			unmatched: 200,
		},
		{
			name: "other symbols are ignored",
			history: []broker.OrderSnapshot{
				buy("B1", 0, 0.4, 300, 300, orders.StatusFilled),
				func() broker.OrderSnapshot {
					o := buy("X1", 1, 0.4, 300, 300, orders.StatusFilled)
					o.Symbol = "67890.HK"
					return o
				}(),
			},
			lots:   map[string]int64{"B1": 300},
			claims: map[string][]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := ReconcileSeat(seat, tt.history)

			if got := lotQuantities(state.Lots); !reflect.DeepEqual(got, tt.lots) {
				t.Errorf("Expected lots %v, got %v", tt.lots, got)
			}
			claims := map[string][]string{}
			for _, c := range state.Claims {
				claims[c.SellOrderID] = c.LotIDs
			}
			if !reflect.DeepEqual(claims, tt.claims) {
				t.Errorf("Expected claims %v, got %v", tt.claims, claims)
			}
			if len(state.Active) != tt.active {
				t.Errorf("Expected %d active orders, got %d", tt.active, len(state.Active))
			}
			if state.Unmatched != tt.unmatched {
				t.Errorf("Expected unmatched %d, got %d", tt.unmatched, state.Unmatched)
			}
		})
	}
}

func TestReconcileSeatKeepsLatestSnapshot(t *testing.T) {
	early := buy("B1", 0, 0.5, 1000, 200, orders.StatusPartialFilled)
	late := buy("B1", 0, 0.5, 1000, 1000, orders.StatusFilled)
	late.UpdatedAt = early.UpdatedAt.Add(time.Minute)

	state := ReconcileSeat(seat, []broker.OrderSnapshot{late, early})
	if len(state.Lots) != 1 || state.Lots[0].Quantity != 1000 {
		t.Errorf("Expected one lot of 1000, got %+v", state.Lots)
	}
	if len(state.Active) != 0 {
		t.Errorf("Expected no active orders, got %d", len(state.Active))
	}
}

// ============================================================================
// TEST CASES: REBUILD
// ============================================================================

type failingBroker struct {
	*broker.PaperBroker
}

func (failingBroker) QueryOrders(ctx context.Context, q broker.OrderQuery) ([]broker.OrderSnapshot, error) {
	return nil, &broker.APIError{Op: "query", Code: 503}
}

func TestRebuildRestoresLedger(t *testing.T) {
	paper := broker.NewPaperBroker(zerolog.Nop())
	paper.Seed(
		buy("B1", 0, 0.4, 300, 300, orders.StatusFilled),
		buy("B2", 1, 0.5, 300, 300, orders.StatusFilled),
		buy("B3", 2, 0.5, 300, 0, orders.StatusSubmitted),
		sell("S1", 3, 300, 0, orders.StatusSubmitted),
	)
	ledger := orders.NewLedger(zerolog.Nop())
	ledger.AddLot(symbol, orders.DirectionLong, "stale", 9.9, 1, day)
	r := New(paper, ledger, nil, zerolog.Nop())

	result, err := r.Rebuild(context.Background(), []Seat{seat}, day.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	stats := ledger.Stats(symbol, orders.DirectionLong)
	if stats.Bought != 600 || stats.Claimed != 300 || stats.Unclaimed != 300 || stats.PendingSells != 1 {
		t.Errorf("Unexpected ledger stats: %+v", stats)
	}
	ps, ok := ledger.PendingSell("S1")
	if !ok || !reflect.DeepEqual(ps.ClaimedLotIDs, []string{"B1"}) {
		t.Errorf("Expected S1 to claim B1, got %+v", ps)
	}
	if len(result.Active) != 2 {
		t.Errorf("Expected 2 active orders, got %d", len(result.Active))
	}

	tracked := TrackedFromSnapshot(seat, result.Active[0])
	if tracked.Direction != orders.DirectionLong || tracked.OrderID != "B3" {
		t.Errorf("Unexpected tracked order: %+v", tracked)
	}
}

func TestRecoveredPartialBuyKeepsLaterFills(t *testing.T) {
	tests := []struct {
		name      string
		finish    func(paper *broker.PaperBroker)
		wantQty   int64
		wantPrice float64
	}{
		{"filled", func(p *broker.PaperBroker) { p.Fill("B1", 600, 0.6) }, 1000, 0.56},
		{"cancelled after more fills", func(p *broker.PaperBroker) {
			p.Fill("B1", 100, 0.6)
			p.SetStatus("B1", orders.StatusCancelled)
		}, 500, 0.52},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paper := broker.NewPaperBroker(zerolog.Nop())
			paper.Seed(buy("B1", 0, 0.5, 1000, 400, orders.StatusPartialFilled))
			ledger := orders.NewLedger(zerolog.Nop())
			m := monitor.New(paper, ledger, monitor.NewGate(true), nil, monitor.DefaultConfig(), zerolog.Nop())
			paper.SetListener(m.HandlePush)

			result, err := New(paper, ledger, nil, zerolog.Nop()).Rebuild(context.Background(), []Seat{seat}, time.Time{})
			if err != nil {
				t.Fatalf("Rebuild failed: %v", err)
			}
			for _, o := range result.Active {
				m.TrackOrder(TrackedFromSnapshot(seat, o))
			}
			tt.finish(paper)

			stats := ledger.Stats(symbol, orders.DirectionLong)
			if stats.Bought != tt.wantQty || stats.Unclaimed != tt.wantQty {
				t.Errorf("Expected bought and unclaimed %d, got %+v", tt.wantQty, stats)
			}
			snap := ledger.Snapshot(symbol, orders.DirectionLong)
			if len(snap.Lots) != 1 || snap.Lots[0].ID != "B1" || snap.Lots[0].Quantity != tt.wantQty {
				t.Fatalf("Expected one lot B1 of %d, got %+v", tt.wantQty, snap.Lots)
			}
			if math.Abs(snap.Lots[0].Price-tt.wantPrice) > 1e-9 {
				t.Errorf("Expected average price %v, got %v", tt.wantPrice, snap.Lots[0].Price)
			}
			if m.Len() != 0 {
				t.Errorf("Expected order untracked, got %d", m.Len())
			}
		})
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	paper := broker.NewPaperBroker(zerolog.Nop())
	paper.Seed(
		buy("B1", 0, 0.4, 300, 300, orders.StatusFilled),
		buy("B2", 1, 0.5, 300, 300, orders.StatusFilled),
		sell("S1", 2, 400, 100, orders.StatusPartialFilled),
	)
	ledger := orders.NewLedger(zerolog.Nop())
	r := New(paper, ledger, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := r.Rebuild(ctx, []Seat{seat}, time.Time{}); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	first := ledger.Snapshot(symbol, orders.DirectionLong)
	if _, err := r.Rebuild(ctx, []Seat{seat}, time.Time{}); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	second := ledger.Snapshot(symbol, orders.DirectionLong)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical ledger after second rebuild:\n%+v\n%+v", first, second)
	}
}

func TestRebuildLeavesLedgerOnQueryFailure(t *testing.T) {
	ledger := orders.NewLedger(zerolog.Nop())
	ledger.AddLot(symbol, orders.DirectionLong, "B1", 0.5, 100, day)
	r := New(failingBroker{broker.NewPaperBroker(zerolog.Nop())}, ledger, nil, zerolog.Nop())

	_, err := r.Rebuild(context.Background(), []Seat{seat}, time.Time{})
	var apiErr *broker.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if ledger.TotalLots() != 1 {
		t.Errorf("Expected ledger untouched, got %d lots", ledger.TotalLots())
	}
}

// ============================================================================
// PROPERTIES
// ============================================================================

func genHistory(t *rapid.T) []broker.OrderSnapshot {
	n := rapid.IntRange(0, 12).Draw(t, "orders")
	var history []broker.OrderSnapshot
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("O%02d", i)
		minute := rapid.IntRange(0, 30).Draw(t, "minute")
		qty := int64(rapid.IntRange(1, 10).Draw(t, "lots")) * 100
		executed := int64(rapid.IntRange(0, int(qty/100)).Draw(t, "executed")) * 100
		status := rapid.SampledFrom([]orders.OrderStatus{
			orders.StatusSubmitted, orders.StatusPartialFilled, orders.StatusFilled, orders.StatusCancelled,
		}).Draw(t, "status")
		if status == orders.StatusFilled {
			executed = qty
		}
		if rapid.Bool().Draw(t, "buy") {
			price := float64(rapid.IntRange(30, 80).Draw(t, "price")) / 100
			history = append(history, buy(id, minute, price, qty, executed, status))
		} else {
			history = append(history, sell(id, minute, qty, executed, status))
		}
	}
	return history
}

func TestReconcileIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		history := genHistory(t)
		first := ReconcileSeat(seat, history)

		shuffled := append([]broker.OrderSnapshot(nil), history...)
		rng := rand.New(rand.NewSource(rapid.Int64().Draw(t, "seed")))
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		second := ReconcileSeat(seat, shuffled)

		if !reflect.DeepEqual(first.Lots, second.Lots) {
			t.Fatalf("Lots differ:\n%+v\n%+v", first.Lots, second.Lots)
		}
		if !reflect.DeepEqual(first.Claims, second.Claims) {
			t.Fatalf("Claims differ:\n%+v\n%+v", first.Claims, second.Claims)
		}

		seen := map[string]string{}
		for _, c := range first.Claims {
			for _, lotID := range c.LotIDs {
				if owner, dup := seen[lotID]; dup {
					t.Fatalf("Lot %s claimed by %s and %s", lotID, owner, c.SellOrderID)
				}
				seen[lotID] = c.SellOrderID
			}
		}

		var bought, sold, held int64
		for _, o := range history {
			if o.Side == orders.SideBuy {
				bought += o.ExecutedQuantity
			} else {
				sold += o.ExecutedQuantity
			}
		}
		for _, lot := range first.Lots {
			held += lot.Quantity
		}
		if held+sold-first.Unmatched != bought {
			t.Fatalf("Quantity not conserved: held=%d sold=%d unmatched=%d bought=%d", held, sold, first.Unmatched, bought)
		}
	})
}
