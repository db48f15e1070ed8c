package orders

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type entryKey struct {
	symbol    string
	direction Direction
}

type ledgerEntry struct {
	lots         []Lot                   // ordered by ExecutedAt
	pendingSells map[string]*PendingSell // keyed by sell order id
	claims       map[string]string       // lot id -> sell order id
	bought       int64
	removed      int64
}

func newLedgerEntry() *ledgerEntry {
	return &ledgerEntry{
		pendingSells: make(map[string]*PendingSell),
		claims:       make(map[string]string),
	}
}

func (e *ledgerEntry) lotIndex(lotID string) int {
	for i := range e.lots {
		if e.lots[i].ID == lotID {
			return i
		}
	}
	return -1
}

// EntrySnapshot is a read-only copy of one ledger entry
type EntrySnapshot struct {
	Symbol    string            `json:"symbol"`
	Direction Direction         `json:"direction"`
	Lots      []Lot             `json:"lots"`
	ClaimedBy map[string]string `json:"claimed_by"` // lot id -> sell order id
}

// IsClaimed reports whether a lot is held by an active pending sell
func (s EntrySnapshot) IsClaimed(lotID string) bool {
	_, ok := s.ClaimedBy[lotID]
	return ok
}

// TotalQuantity returns the quantity of all lots, claimed or not
func (s EntrySnapshot) TotalQuantity() int64 {
	var total int64
	for _, lot := range s.Lots {
		total += lot.Quantity
	}
	return total
}

// EntryStats exposes the conservation counters of one entry.
// Unclaimed + Claimed + Removed always equals Bought.
type EntryStats struct {
	Bought       int64 `json:"bought"`
	Unclaimed    int64 `json:"unclaimed"`
	Claimed      int64 `json:"claimed"`
	Removed      int64 `json:"removed"`
	LotCount     int   `json:"lot_count"`
	PendingSells int   `json:"pending_sells"`
}

// Ledger stores filled buy lots and sell claims per (symbol, direction).
// All mutation goes through its methods.
type Ledger struct {
	mu        sync.RWMutex
	entries   map[entryKey]*ledgerEntry
	sellIndex map[string]entryKey // sell order id -> entry
	logger    zerolog.Logger
}

// NewLedger creates an empty ledger
func NewLedger(logger zerolog.Logger) *Ledger {
	return &Ledger{
		entries:   make(map[entryKey]*ledgerEntry),
		sellIndex: make(map[string]entryKey),
		logger:    logger.With().Str("component", "OrderLedger").Logger(),
	}
}

func isValidPrice(price float64) bool {
	return !math.IsNaN(price) && !math.IsInf(price, 0) && price > 0
}

func (l *Ledger) entry(symbol string, direction Direction, create bool) *ledgerEntry {
	key := entryKey{symbol: symbol, direction: direction}
	e, ok := l.entries[key]
	if !ok && create {
		e = newLedgerEntry()
		l.entries[key] = e
	}
	return e
}

// AddLot appends a filled buy lot. Invalid input is rejected and logged;
// a lot id already present in the entry is ignored. Returns true if added.
func (l *Ledger) AddLot(symbol string, direction Direction, lotID string, price float64, quantity int64, executedAt time.Time) bool {
	if symbol == "" || !isValidPrice(price) || quantity <= 0 {
		l.logger.Warn().
			Str("symbol", symbol).
			Str("direction", string(direction)).
			Float64("price", price).
			Int64("quantity", quantity).
			Err(ErrInvalidLot).
			Msg("Rejected lot")
		return false
	}
	if lotID == "" {
		lotID = uuid.New().String()
	}
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(symbol, direction, true)
	if e.lotIndex(lotID) >= 0 {
		l.logger.Debug().Str("lot_id", lotID).Msg("Lot already recorded, ignoring")
		return false
	}

	e.insertLot(Lot{ID: lotID, Symbol: symbol, Price: price, Quantity: quantity, ExecutedAt: executedAt})
	e.bought += quantity

	l.logger.Info().
		Str("symbol", symbol).
		Str("direction", string(direction)).
		Str("lot_id", lotID).
		Float64("price", price).
		Int64("quantity", quantity).
		Msg("Lot added")
	return true
}

// insertLot keeps lots ordered by execution time
func (e *ledgerEntry) insertLot(lot Lot) {
	idx := sort.Search(len(e.lots), func(i int) bool {
		return e.lots[i].ExecutedAt.After(lot.ExecutedAt)
	})
	e.lots = append(e.lots, Lot{})
	copy(e.lots[idx+1:], e.lots[idx:])
	e.lots[idx] = lot
}

// GrowLot adds quantity executed at price to an existing lot, e.g. a buy
// that was partly filled when the ledger was rebuilt and filled further
// afterwards. The lot price becomes the weighted average. A lot that no
// longer exists is recorded anew under the same id.
func (l *Ledger) GrowLot(symbol string, direction Direction, lotID string, price float64, quantity int64, executedAt time.Time) bool {
	if symbol == "" || lotID == "" || !isValidPrice(price) || quantity <= 0 {
		l.logger.Warn().
			Str("symbol", symbol).
			Str("lot_id", lotID).
			Float64("price", price).
			Int64("quantity", quantity).
			Err(ErrInvalidLot).
			Msg("Rejected lot increase")
		return false
	}
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(symbol, direction, true)
	idx := e.lotIndex(lotID)
	if idx < 0 {
		e.insertLot(Lot{ID: lotID, Symbol: symbol, Price: price, Quantity: quantity, ExecutedAt: executedAt})
		e.bought += quantity
		l.logger.Info().Str("lot_id", lotID).Int64("quantity", quantity).Msg("Lot re-added for later fill")
		return true
	}

	lot := &e.lots[idx]
	total := lot.Quantity + quantity
	notional := decimal.NewFromFloat(effectivePrice(*lot)).Mul(decimal.NewFromInt(lot.Quantity)).
		Add(decimal.NewFromFloat(price).Mul(decimal.NewFromInt(quantity)))
	lot.Price, _ = notional.Div(decimal.NewFromInt(total)).Float64()
	lot.Quantity = total
	e.bought += quantity

	l.logger.Info().
		Str("symbol", symbol).
		Str("direction", string(direction)).
		Str("lot_id", lotID).
		Int64("added", quantity).
		Int64("quantity", total).
		Float64("price", lot.Price).
		Msg("Lot increased")
	return true
}

// Restore replaces an entry with lots rebuilt elsewhere (startup recovery).
// Unlike AddLot it keeps lots whose price is unusable; CostAveragePrice
// counts them at price 0. Lots without positive quantity are dropped.
func (l *Ledger) Restore(symbol string, direction Direction, lots []Lot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.clearLocked(entryKey{symbol: symbol, direction: direction})
	e := l.entry(symbol, direction, true)
	for _, lot := range lots {
		if lot.Quantity <= 0 {
			continue
		}
		lot.Symbol = symbol
		e.lots = append(e.lots, lot)
		e.bought += lot.Quantity
	}
	sort.SliceStable(e.lots, func(i, j int) bool {
		return e.lots[i].ExecutedAt.Before(e.lots[j].ExecutedAt)
	})
}

// CostAveragePrice returns the quantity-weighted mean price of every lot in
// the entry, claimed or not. ok is false when there is no quantity.
func (l *Ledger) CostAveragePrice(symbol string, direction Direction) (price float64, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e := l.entry(symbol, direction, false)
	if e == nil {
		return 0, false
	}
	return costAverage(e.lots)
}

func costAverage(lots []Lot) (float64, bool) {
	notional := decimal.Zero
	var quantity int64
	for _, lot := range lots {
		if lot.Quantity <= 0 {
			continue
		}
		quantity += lot.Quantity
		if !isValidPrice(lot.Price) {
			// bought quantity still counts, at zero cost
			continue
		}
		notional = notional.Add(decimal.NewFromFloat(lot.Price).Mul(decimal.NewFromInt(lot.Quantity)))
	}
	if quantity == 0 {
		return 0, false
	}
	avg, _ := notional.Div(decimal.NewFromInt(quantity)).Float64()
	return avg, true
}

// Snapshot returns a copy of the entry for selection
func (l *Ledger) Snapshot(symbol string, direction Direction) EntrySnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := EntrySnapshot{Symbol: symbol, Direction: direction, ClaimedBy: map[string]string{}}
	e := l.entry(symbol, direction, false)
	if e == nil {
		return snap
	}
	snap.Lots = append([]Lot(nil), e.lots...)
	for lotID, sellID := range e.claims {
		snap.ClaimedBy[lotID] = sellID
	}
	return snap
}

// ClaimLotsForPendingSell marks lots as consumed by a sell order. Claiming
// the same lots again for the same order is a no-op; claiming a lot held by
// another active sell fails without claiming anything. submittedQuantity of
// zero means the sum of the claimed lots.
func (l *Ledger) ClaimLotsForPendingSell(sellOrderID, symbol string, direction Direction, lotIDs []string, submittedQuantity int64, submittedAt time.Time) error {
	if symbol == "" {
		return ErrEmptySymbol
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey{symbol: symbol, direction: direction}
	if existing, ok := l.sellIndex[sellOrderID]; ok && existing != key {
		return ErrLotAlreadyClaimed
	}
	e := l.entry(symbol, direction, true)
	if err := l.checkClaimableLocked(e, sellOrderID, lotIDs); err != nil {
		return err
	}

	ps, ok := e.pendingSells[sellOrderID]
	if !ok {
		ps = &PendingSell{
			SellOrderID: sellOrderID,
			Symbol:      symbol,
			Direction:   direction,
			Status:      StatusSubmitted,
			SubmittedAt: submittedAt,
		}
		e.pendingSells[sellOrderID] = ps
		l.sellIndex[sellOrderID] = key
	}
	l.addClaimsLocked(e, ps, lotIDs)
	if submittedQuantity > 0 {
		ps.SubmittedQuantity = submittedQuantity
	} else if ps.SubmittedQuantity == 0 {
		ps.SubmittedQuantity = claimedQuantity(e, ps)
	}

	l.logger.Debug().
		Str("sell_order_id", sellOrderID).
		Strs("lot_ids", ps.ClaimedLotIDs).
		Int64("submitted_qty", ps.SubmittedQuantity).
		Msg("Lots claimed for pending sell")
	return nil
}

// ExtendClaim adds lots to an existing pending sell (sell order replaced with
// a larger quantity).
func (l *Ledger) ExtendClaim(sellOrderID string, lotIDs []string, submittedQuantity int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, ok := l.sellIndex[sellOrderID]
	if !ok {
		return ErrClaimNotFound
	}
	e := l.entries[key]
	if err := l.checkClaimableLocked(e, sellOrderID, lotIDs); err != nil {
		return err
	}
	ps := e.pendingSells[sellOrderID]
	l.addClaimsLocked(e, ps, lotIDs)
	if submittedQuantity > 0 {
		ps.SubmittedQuantity = submittedQuantity
	}
	return nil
}

func (l *Ledger) checkClaimableLocked(e *ledgerEntry, sellOrderID string, lotIDs []string) error {
	for _, lotID := range lotIDs {
		if e.lotIndex(lotID) < 0 {
			return ErrLotNotFound
		}
		if owner, claimed := e.claims[lotID]; claimed && owner != sellOrderID {
			l.logger.Error().
				Str("lot_id", lotID).
				Str("owner", owner).
				Str("requested_by", sellOrderID).
				Msg("Lot already claimed by another sell")
			return ErrLotAlreadyClaimed
		}
	}
	return nil
}

func (l *Ledger) addClaimsLocked(e *ledgerEntry, ps *PendingSell, lotIDs []string) {
	for _, lotID := range lotIDs {
		if _, claimed := e.claims[lotID]; claimed {
			continue
		}
		e.claims[lotID] = ps.SellOrderID
		ps.ClaimedLotIDs = append(ps.ClaimedLotIDs, lotID)
	}
}

func claimedQuantity(e *ledgerEntry, ps *PendingSell) int64 {
	var total int64
	for _, lotID := range ps.ClaimedLotIDs {
		if idx := e.lotIndex(lotID); idx >= 0 {
			total += e.lots[idx].Quantity
		}
	}
	return total
}

// TransferClaim moves a pending sell to a replacement order (limit sell
// converted to market). Claimed lots and filled quantity carry over.
func (l *Ledger) TransferClaim(oldSellOrderID, newSellOrderID string, submittedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, ok := l.sellIndex[oldSellOrderID]
	if !ok {
		return ErrClaimNotFound
	}
	if _, taken := l.sellIndex[newSellOrderID]; taken {
		return ErrLotAlreadyClaimed
	}
	e := l.entries[key]
	ps := e.pendingSells[oldSellOrderID]
	delete(e.pendingSells, oldSellOrderID)
	delete(l.sellIndex, oldSellOrderID)

	ps.SellOrderID = newSellOrderID
	ps.Status = StatusSubmitted
	ps.SubmittedAt = submittedAt
	e.pendingSells[newSellOrderID] = ps
	l.sellIndex[newSellOrderID] = key
	for _, lotID := range ps.ClaimedLotIDs {
		e.claims[lotID] = newSellOrderID
	}

	l.logger.Info().
		Str("from_order_id", oldSellOrderID).
		Str("to_order_id", newSellOrderID).
		Int("lots", len(ps.ClaimedLotIDs)).
		Msg("Claim transferred")
	return nil
}

// MergeClaim folds the lots and fills of one pending sell into another of
// the same entry (sell order replaced with a larger quantity). A positive
// submittedQuantity becomes the new order quantity.
func (l *Ledger) MergeClaim(fromSellOrderID, intoSellOrderID string, submittedQuantity int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	fromKey, ok := l.sellIndex[fromSellOrderID]
	if !ok {
		return ErrClaimNotFound
	}
	intoKey, ok := l.sellIndex[intoSellOrderID]
	if !ok {
		return ErrClaimNotFound
	}
	if fromKey != intoKey {
		return ErrLotAlreadyClaimed
	}
	e := l.entries[intoKey]
	from := e.pendingSells[fromSellOrderID]
	into := e.pendingSells[intoSellOrderID]

	for _, lotID := range from.ClaimedLotIDs {
		e.claims[lotID] = intoSellOrderID
		into.ClaimedLotIDs = append(into.ClaimedLotIDs, lotID)
	}
	into.FilledQuantity += from.FilledQuantity
	if submittedQuantity > 0 {
		into.SubmittedQuantity = submittedQuantity
	} else {
		into.SubmittedQuantity += from.SubmittedQuantity
	}
	delete(e.pendingSells, fromSellOrderID)
	delete(l.sellIndex, fromSellOrderID)
	return nil
}

// RecordSellFill records executed quantity against a pending sell
func (l *Ledger) RecordSellFill(sellOrderID string, quantity int64) {
	if quantity <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key, ok := l.sellIndex[sellOrderID]
	if !ok {
		return
	}
	ps := l.entries[key].pendingSells[sellOrderID]
	ps.FilledQuantity += quantity
	if ps.FilledQuantity < ps.SubmittedQuantity {
		ps.Status = StatusPartialFilled
	}
}

// CompleteSell settles a fully filled sell: the claimed lots are removed
// and the claim is dropped. Returns the quantity removed from the ledger.
func (l *Ledger) CompleteSell(sellOrderID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, ok := l.sellIndex[sellOrderID]
	if !ok {
		return 0
	}
	e := l.entries[key]
	ps := e.pendingSells[sellOrderID]
	filled := ps.FilledQuantity
	if filled < ps.SubmittedQuantity {
		filled = ps.SubmittedQuantity
	}
	ps.Status = StatusFilled
	return l.settleLocked(key, e, ps, filled)
}

// ReleaseClaim drops a sell claim so its lots become sellable again. Any
// quantity the sell already executed is taken out of the claimed lots first.
// Releasing an unknown claim is a no-op.
func (l *Ledger) ReleaseClaim(sellOrderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, ok := l.sellIndex[sellOrderID]
	if !ok {
		return
	}
	e := l.entries[key]
	ps := e.pendingSells[sellOrderID]
	ps.Status = StatusCancelled
	l.settleLocked(key, e, ps, ps.FilledQuantity)
}

// settleLocked removes filled quantity from the claimed lots, lowest price
// first, then drops the claim. A quantity that ends inside a lot reduces
// that lot instead of removing it.
func (l *Ledger) settleLocked(key entryKey, e *ledgerEntry, ps *PendingSell, filled int64) int64 {
	claimed := make([]Lot, 0, len(ps.ClaimedLotIDs))
	for _, lotID := range ps.ClaimedLotIDs {
		if idx := e.lotIndex(lotID); idx >= 0 {
			claimed = append(claimed, e.lots[idx])
		}
		delete(e.claims, lotID)
	}
	sortLotsForSale(claimed)

	var removed int64
	remaining := filled
	for _, lot := range claimed {
		if remaining <= 0 {
			break
		}
		idx := e.lotIndex(lot.ID)
		if remaining >= lot.Quantity {
			e.lots = append(e.lots[:idx], e.lots[idx+1:]...)
			removed += lot.Quantity
			remaining -= lot.Quantity
			continue
		}
		reduced := lot
		reduced.Quantity = lot.Quantity - remaining
		e.lots[idx] = reduced
		removed += remaining
		l.logger.Warn().
			Str("lot_id", lot.ID).
			Int64("consumed", remaining).
			Int64("left", reduced.Quantity).
			Msg("Sell ended inside a lot, lot reduced")
		remaining = 0
	}
	if remaining > 0 {
		l.logger.Warn().
			Str("sell_order_id", ps.SellOrderID).
			Int64("unmatched_qty", remaining).
			Msg("Sell filled more than its claimed lots")
	}
	e.removed += removed

	delete(e.pendingSells, ps.SellOrderID)
	delete(l.sellIndex, ps.SellOrderID)

	l.logger.Info().
		Str("symbol", key.symbol).
		Str("direction", string(key.direction)).
		Str("sell_order_id", ps.SellOrderID).
		Str("status", string(ps.Status)).
		Int64("removed_qty", removed).
		Msg("Sell claim settled")
	return removed
}

// RemoveAfterSellFill permanently deletes whole lots that a sell consumed.
// A removed lot also leaves any claim that referenced it.
func (l *Ledger) RemoveAfterSellFill(symbol string, direction Direction, soldLotIDs []string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.entry(symbol, direction, false)
	if e == nil {
		return 0
	}
	var removed int64
	for _, lotID := range soldLotIDs {
		idx := e.lotIndex(lotID)
		if idx < 0 {
			continue
		}
		removed += e.lots[idx].Quantity
		e.lots = append(e.lots[:idx], e.lots[idx+1:]...)
		if sellID, claimed := e.claims[lotID]; claimed {
			delete(e.claims, lotID)
			if ps, ok := e.pendingSells[sellID]; ok {
				ps.ClaimedLotIDs = removeString(ps.ClaimedLotIDs, lotID)
			}
		}
	}
	e.removed += removed
	return removed
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// PendingSell returns a copy of an active pending sell
func (l *Ledger) PendingSell(sellOrderID string) (PendingSell, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	key, ok := l.sellIndex[sellOrderID]
	if !ok {
		return PendingSell{}, false
	}
	return copyPendingSell(l.entries[key].pendingSells[sellOrderID]), true
}

// PendingSells returns copies of the active pending sells of an entry,
// oldest first.
func (l *Ledger) PendingSells(symbol string, direction Direction) []PendingSell {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e := l.entry(symbol, direction, false)
	if e == nil {
		return nil
	}
	out := make([]PendingSell, 0, len(e.pendingSells))
	for _, ps := range e.pendingSells {
		out = append(out, copyPendingSell(ps))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SellOrderID < out[j].SellOrderID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func copyPendingSell(ps *PendingSell) PendingSell {
	c := *ps
	c.ClaimedLotIDs = append([]string(nil), ps.ClaimedLotIDs...)
	return c
}

// Stats returns the conservation counters of an entry
func (l *Ledger) Stats(symbol string, direction Direction) EntryStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e := l.entry(symbol, direction, false)
	if e == nil {
		return EntryStats{}
	}
	stats := EntryStats{
		Bought:       e.bought,
		Removed:      e.removed,
		LotCount:     len(e.lots),
		PendingSells: len(e.pendingSells),
	}
	for _, lot := range e.lots {
		if _, claimed := e.claims[lot.ID]; claimed {
			stats.Claimed += lot.Quantity
		} else {
			stats.Unclaimed += lot.Quantity
		}
	}
	return stats
}

// Keys lists every (symbol, direction) pair with an entry
func (l *Ledger) Keys() []EntrySnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]EntrySnapshot, 0, len(l.entries))
	for key := range l.entries {
		out = append(out, EntrySnapshot{Symbol: key.symbol, Direction: key.direction})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol == out[j].Symbol {
			return out[i].Direction < out[j].Direction
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// TotalLots returns the number of lots across all entries
func (l *Ledger) TotalLots() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, e := range l.entries {
		n += len(e.lots)
	}
	return n
}

// Clear resets one entry (daily rollover, symbol switch)
func (l *Ledger) Clear(symbol string, direction Direction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearLocked(entryKey{symbol: symbol, direction: direction})
}

// ClearAll resets every entry
func (l *Ledger) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make(map[entryKey]*ledgerEntry)
	l.sellIndex = make(map[string]entryKey)
	l.logger.Info().Msg("Ledger cleared")
}

func (l *Ledger) clearLocked(key entryKey) {
	e, ok := l.entries[key]
	if !ok {
		return
	}
	for sellID := range e.pendingSells {
		delete(l.sellIndex, sellID)
	}
	delete(l.entries, key)
}
