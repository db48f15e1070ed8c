// Package recovery rebuilds the order ledger from the brokerage order
// history after a restart, when in-memory lot claims are gone.
package recovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"longbridge-quant-bot/internal/broker"
	"longbridge-quant-bot/internal/events"
	"longbridge-quant-bot/internal/metrics"
	"longbridge-quant-bot/internal/monitor"
	"longbridge-quant-bot/internal/orders"
)

// Seat is one traded (symbol, direction) pair
type Seat struct {
	Symbol    string           `json:"symbol"`
	Direction orders.Direction `json:"direction"`
}

// Claim is a derived association of a live sell with the lots it sells
type Claim struct {
	SellOrderID string    `json:"sell_order_id"`
	LotIDs      []string  `json:"lot_ids"`
	Quantity    int64     `json:"quantity"` // unfilled quantity of the sell
	SubmittedAt time.Time `json:"submitted_at"`
}

// SeatState is the reconstructed ledger state of one seat
type SeatState struct {
	Seat   Seat                   `json:"seat"`
	Lots   []orders.Lot           `json:"lots"`
	Claims []Claim                `json:"claims"`
	Active []broker.OrderSnapshot `json:"active"`
	// Unmatched is executed sell quantity no recorded lot could cover
	Unmatched int64 `json:"unmatched"`
}

// Result summarizes a rebuild
type Result struct {
	Seats       []SeatState            `json:"seats"`
	Active      []broker.OrderSnapshot `json:"active"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Reconciler rebuilds ledger entries from brokerage order snapshots
type Reconciler struct {
	broker broker.Broker
	ledger *orders.Ledger
	bus    *events.EventBus
	logger zerolog.Logger
}

// New creates a reconciler. bus may be nil.
func New(b broker.Broker, ledger *orders.Ledger, bus *events.EventBus, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		broker: b,
		ledger: ledger,
		bus:    bus,
		logger: logger.With().Str("component", "Recovery").Logger(),
	}
}

// Rebuild fetches the order history of every seat since from and replaces
// their ledger entries. Nothing is written unless every query succeeded.
func (r *Reconciler) Rebuild(ctx context.Context, seats []Seat, from time.Time) (*Result, error) {
	fetched := make([][]broker.OrderSnapshot, len(seats))
	for i, seat := range seats {
		snaps, err := r.broker.QueryOrders(ctx, broker.OrderQuery{Symbol: seat.Symbol, From: from})
		if err != nil {
			return nil, fmt.Errorf("query orders for %s: %w", seat.Symbol, err)
		}
		fetched[i] = snaps
	}

	result := &Result{}
	var unmatched int64
	var unmatchedSymbols []string
	for i, seat := range seats {
		state := ReconcileSeat(seat, fetched[i])
		r.apply(state)
		result.Seats = append(result.Seats, state)
		result.Active = append(result.Active, state.Active...)

		r.logger.Info().
			Str("symbol", seat.Symbol).
			Str("direction", string(seat.Direction)).
			Int("lots", len(state.Lots)).
			Int("claims", len(state.Claims)).
			Int("active_orders", len(state.Active)).
			Msg("Seat rebuilt from order history")
		if state.Unmatched > 0 {
			unmatched += state.Unmatched
			unmatchedSymbols = append(unmatchedSymbols, seat.Symbol)
			r.logger.Warn().
				Str("symbol", seat.Symbol).
				Int64("unmatched_qty", state.Unmatched).
				Msg("Executed sells exceed recorded buys, history window too short?")
		}
	}
	result.CompletedAt = time.Now()

	metrics.LedgerLots.Set(float64(r.ledger.TotalLots()))
	r.bus.Publish(events.Event{
		Type: events.EventRecoveryCompleted,
		Data: map[string]interface{}{
			"seats":         len(seats),
			"active_orders": len(result.Active),
			"unmatched":     unmatched,
			"symbol":        strings.Join(unmatchedSymbols, ","),
		},
	})
	return result, nil
}

func (r *Reconciler) apply(state SeatState) {
	seat := state.Seat
	r.ledger.Restore(seat.Symbol, seat.Direction, state.Lots)
	for _, c := range state.Claims {
		if err := r.ledger.ClaimLotsForPendingSell(c.SellOrderID, seat.Symbol, seat.Direction, c.LotIDs, c.Quantity, c.SubmittedAt); err != nil {
			r.logger.Error().Err(err).Str("sell_order_id", c.SellOrderID).Msg("Could not restore claim")
		}
	}
}

// ReconcileSeat derives the ledger state of a seat from its order history.
// Buy fills become lots; executed sell quantity consumes lots lowest price
// first in chronological order; every live sell then claims whole lots
// oldest first until its unfilled quantity is covered. The result depends
// only on the set of orders, not on their input order.
func ReconcileSeat(seat Seat, snaps []broker.OrderSnapshot) SeatState {
	state := SeatState{Seat: seat}
	history := normalize(seat.Symbol, snaps)

	var lots []orders.Lot
	for _, o := range history {
		if o.Status.IsActive() {
			state.Active = append(state.Active, o)
		}
		switch o.Side {
		case orders.SideBuy:
			if o.ExecutedQuantity > 0 {
				lots = append(lots, lotFromBuy(o))
			}
		case orders.SideSell:
			if o.ExecutedQuantity > 0 {
				var unmatched int64
				lots, unmatched = consume(lots, o.ExecutedQuantity)
				state.Unmatched += unmatched
			}
		}
	}
	sortByAge(lots)
	state.Lots = lots

	claimed := make(map[string]bool)
	for _, o := range history {
		if o.Side != orders.SideSell || !o.Status.IsActive() {
			continue
		}
		remaining := o.RemainingQuantity()
		if remaining <= 0 {
			continue
		}
		claim := Claim{SellOrderID: o.OrderID, Quantity: remaining, SubmittedAt: o.SubmittedAt}
		var covered int64
		for _, lot := range lots {
			if covered >= remaining {
				break
			}
			if claimed[lot.ID] {
				continue
			}
			claimed[lot.ID] = true
			claim.LotIDs = append(claim.LotIDs, lot.ID)
			covered += lot.Quantity
		}
		state.Claims = append(state.Claims, claim)
	}
	return state
}

// normalize keeps the seat's orders, one snapshot per id (latest update),
// in submission order
func normalize(symbol string, snaps []broker.OrderSnapshot) []broker.OrderSnapshot {
	latest := make(map[string]broker.OrderSnapshot, len(snaps))
	for _, s := range snaps {
		if s.Symbol != symbol || s.OrderID == "" {
			continue
		}
		if prev, ok := latest[s.OrderID]; ok && !newer(s, prev) {
			continue
		}
		latest[s.OrderID] = s
	}
	out := make([]broker.OrderSnapshot, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func newer(a, b broker.OrderSnapshot) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ExecutedQuantity > b.ExecutedQuantity
}

func lotFromBuy(o broker.OrderSnapshot) orders.Lot {
	price := o.ExecutedPrice
	if price <= 0 {
		price = o.Price
	}
	executedAt := o.UpdatedAt
	if executedAt.IsZero() {
		executedAt = o.SubmittedAt
	}
	return orders.Lot{
		ID:         o.OrderID,
		Symbol:     o.Symbol,
		Price:      price,
		Quantity:   o.ExecutedQuantity,
		ExecutedAt: executedAt,
	}
}

// consume removes quantity from lots lowest price first. A quantity that
// ends inside a lot reduces it. Returns the lots left and the quantity no
// lot covered.
func consume(lots []orders.Lot, quantity int64) ([]orders.Lot, int64) {
	byPrice := append([]orders.Lot(nil), lots...)
	sort.SliceStable(byPrice, func(i, j int) bool {
		if byPrice[i].Price != byPrice[j].Price {
			return byPrice[i].Price < byPrice[j].Price
		}
		if !byPrice[i].ExecutedAt.Equal(byPrice[j].ExecutedAt) {
			return byPrice[i].ExecutedAt.Before(byPrice[j].ExecutedAt)
		}
		return byPrice[i].ID < byPrice[j].ID
	})

	left := make(map[string]int64, len(lots))
	for _, lot := range byPrice {
		take := lot.Quantity
		if take > quantity {
			take = quantity
		}
		quantity -= take
		left[lot.ID] = lot.Quantity - take
	}

	out := lots[:0]
	for _, lot := range lots {
		if q := left[lot.ID]; q > 0 {
			lot.Quantity = q
			out = append(out, lot)
		}
	}
	return out, quantity
}

func sortByAge(lots []orders.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].ExecutedAt.Equal(lots[j].ExecutedAt) {
			return lots[i].ExecutedAt.Before(lots[j].ExecutedAt)
		}
		return lots[i].ID < lots[j].ID
	})
}

// TrackedFromSnapshot converts a live brokerage order into a monitor entry
func TrackedFromSnapshot(seat Seat, o broker.OrderSnapshot) monitor.TrackedOrder {
	t := monitor.TrackedOrder{
		OrderID:           o.OrderID,
		Symbol:            o.Symbol,
		Side:              o.Side,
		Direction:         seat.Direction,
		SubmittedPrice:    o.Price,
		SubmittedQuantity: o.Quantity,
		FilledQuantity:    o.ExecutedQuantity,
		ExecutedPrice:     o.ExecutedPrice,
		OrderType:         o.OrderType,
		SubmittedAt:       o.SubmittedAt,
		Status:            o.Status,
	}
	if o.Side == orders.SideBuy && o.ExecutedQuantity > 0 {
		// ReconcileSeat already made a lot of the executed part
		lot := lotFromBuy(o)
		t.BookedQuantity = lot.Quantity
		t.BookedPrice = lot.Price
	}
	return t
}
