package orders

import (
	"sort"
	"time"
)

// SellStrategy decides which lots are candidates for a sell
type SellStrategy string

const (
	StrategyAll         SellStrategy = "ALL"
	StrategyProfitOnly  SellStrategy = "PROFIT_ONLY"
	StrategyTimeoutOnly SellStrategy = "TIMEOUT_ONLY"
)

// Unlimited disables quantity truncation in a SelectRequest
const Unlimited int64 = -1

// TradingMinutesCounter measures holding time in trading minutes only.
// calendar.Snapshot implements it.
type TradingMinutesCounter interface {
	TradingMinutesBetween(from, to time.Time) float64
}

// SelectRequest describes one selection pass over a ledger snapshot
type SelectRequest struct {
	Strategy      SellStrategy
	CurrentPrice  float64
	MaxQuantity   int64    // Unlimited or a non-negative bound
	ExcludeLotIDs []string // lots selected by an earlier stage
	Now           time.Time

	// TIMEOUT_ONLY only. A nil TimeoutMinutes selects nothing.
	TimeoutMinutes *int
	Calendar       TradingMinutesCounter
}

// Selection is the ordered result of SelectSellableLots
type Selection struct {
	Lots          []Lot
	TotalQuantity int64
}

// LotIDs returns the ids of the selected lots in selection order
func (s Selection) LotIDs() []string {
	ids := make([]string, 0, len(s.Lots))
	for _, lot := range s.Lots {
		ids = append(ids, lot.ID)
	}
	return ids
}

// SelectSellableLots filters the unclaimed lots of a snapshot by strategy,
// orders them lowest price first and accumulates whole lots until the next
// one would exceed MaxQuantity.
func SelectSellableLots(snapshot EntrySnapshot, req SelectRequest) Selection {
	excluded := make(map[string]struct{}, len(req.ExcludeLotIDs))
	for _, id := range req.ExcludeLotIDs {
		excluded[id] = struct{}{}
	}

	candidates := make([]Lot, 0, len(snapshot.Lots))
	for _, lot := range snapshot.Lots {
		if lot.Quantity <= 0 || snapshot.IsClaimed(lot.ID) {
			continue
		}
		if _, skip := excluded[lot.ID]; skip {
			continue
		}
		if matchesStrategy(lot, req) {
			candidates = append(candidates, lot)
		}
	}
	sortLotsForSale(candidates)

	var sel Selection
	for _, lot := range candidates {
		if req.MaxQuantity != Unlimited && sel.TotalQuantity+lot.Quantity > req.MaxQuantity {
			break
		}
		sel.Lots = append(sel.Lots, lot)
		sel.TotalQuantity += lot.Quantity
	}
	return sel
}

func matchesStrategy(lot Lot, req SelectRequest) bool {
	switch req.Strategy {
	case StrategyAll:
		return true
	case StrategyProfitOnly:
		if !isValidPrice(req.CurrentPrice) {
			return false
		}
		return effectivePrice(lot) < req.CurrentPrice
	case StrategyTimeoutOnly:
		if req.TimeoutMinutes == nil {
			return false
		}
		return heldMinutes(lot.ExecutedAt, req.Now, req.Calendar) > float64(*req.TimeoutMinutes)
	}
	return false
}

func heldMinutes(from, to time.Time, cal TradingMinutesCounter) float64 {
	if to.IsZero() {
		to = time.Now()
	}
	if cal != nil {
		return cal.TradingMinutesBetween(from, to)
	}
	if !to.After(from) {
		return 0
	}
	return to.Sub(from).Minutes()
}

// effectivePrice counts an unusable lot price as 0, matching CostAveragePrice
func effectivePrice(lot Lot) float64 {
	if !isValidPrice(lot.Price) {
		return 0
	}
	return lot.Price
}

// sortLotsForSale orders lots by price ascending, then execution time, then id
func sortLotsForSale(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		pa, pb := effectivePrice(a), effectivePrice(b)
		if pa != pb {
			return pa < pb
		}
		if !a.ExecutedAt.Equal(b.ExecutedAt) {
			return a.ExecutedAt.Before(b.ExecutedAt)
		}
		return a.ID < b.ID
	})
}
