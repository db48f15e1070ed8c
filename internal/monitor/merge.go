package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"longbridge-quant-bot/internal/broker"
	"longbridge-quant-bot/internal/orders"
)

// provisionalPrefix marks a claim held while its sell order is being placed
const provisionalPrefix = "pending:"

// DecideSellMerge compares a new sell intent with the live sells of the same
// seat:
//   - SKIP when there is nothing to sell or the gate is closed
//   - SUBMIT when no sell is live, or the intent cannot be folded into one
//   - CANCEL_AND_SUBMIT when a market or protective intent meets resting priced sells
//   - REPLACE when exactly one idle priced sell is live: it takes the added quantity
func (m *Monitor) DecideSellMerge(intent SellIntent) MergeDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decideLocked(intent)
}

func (m *Monitor) decideLocked(intent SellIntent) MergeDecision {
	dec := MergeDecision{Quantity: intent.Quantity, Price: intent.Price}
	if intent.Quantity <= 0 {
		dec.Action = MergeSkip
		dec.Reason = "nothing to sell"
		return dec
	}
	if !m.gate.IsOpen() {
		dec.Action = MergeSkip
		dec.Reason = ErrGateClosed.Error()
		return dec
	}

	var live []TrackedOrder
	for _, o := range m.orders {
		if o.Side == orders.SideSell && o.Symbol == intent.Symbol && o.Direction == intent.Direction && o.Status.IsActive() {
			live = append(live, *o)
		}
	}
	sortOrders(live)
	if len(live) == 0 {
		dec.Action = MergeSubmit
		dec.Reason = "no live sell"
		return dec
	}

	if intent.OrderType == orders.OrderTypeMarket || intent.IsProtectiveLiquidation {
		var resting []string
		total := intent.Quantity
		for _, o := range live {
			if o.OrderType.IsPriced() {
				resting = append(resting, o.OrderID)
				total += o.RemainingQuantity()
			}
		}
		if len(resting) > 0 {
			dec.Action = MergeCancelAndSubmit
			dec.CancelIDs = resting
			dec.Quantity = total
			dec.Reason = "market sell supersedes resting limit sells"
			return dec
		}
		dec.Action = MergeSubmit
		dec.Reason = "live sells are already at market"
		return dec
	}

	if len(live) == 1 {
		o := live[0]
		replaceable := o.OrderType.IsPriced() && !o.busy &&
			(o.Status == orders.StatusSubmitted || o.Status == orders.StatusPartialFilled)
		if replaceable {
			dec.Action = MergeReplace
			dec.TargetOrderID = o.OrderID
			dec.Quantity = o.SubmittedQuantity + intent.Quantity
			dec.Reason = "fold into live sell"
			return dec
		}
	}
	dec.Action = MergeSubmit
	dec.Reason = "live sells cannot absorb the intent"
	return dec
}

// ExecuteSellIntent decides and carries out a sell intent. The intent's
// lots are claimed before any brokerage call so no concurrent decision can
// select them; the claim follows the resulting order or is released when
// the call fails.
func (m *Monitor) ExecuteSellIntent(ctx context.Context, intent SellIntent) (MergeDecision, error) {
	dec := m.DecideSellMerge(intent)
	if dec.Action == MergeSkip {
		return dec, nil
	}

	provisional := provisionalPrefix + uuid.New().String()
	if len(intent.LotIDs) > 0 {
		if err := m.ledger.ClaimLotsForPendingSell(provisional, intent.Symbol, intent.Direction, intent.LotIDs, intent.Quantity, m.currentTime()); err != nil {
			return dec, fmt.Errorf("claim lots: %w", err)
		}
	}

	var err error
	switch dec.Action {
	case MergeReplace:
		err = m.executeReplace(ctx, intent, &dec, provisional)
	case MergeCancelAndSubmit:
		err = m.executeCancelAndSubmit(ctx, intent, &dec, provisional)
	default:
		err = m.executeSubmit(ctx, intent, &dec, provisional)
	}
	if err != nil {
		m.ledger.ReleaseClaim(provisional)
		m.logger.Warn().
			Err(err).
			Str("symbol", intent.Symbol).
			Str("action", string(dec.Action)).
			Msg("Sell intent failed, lots released")
	}
	return dec, err
}

// SubmitBuy places a buy order and tracks it
func (m *Monitor) SubmitBuy(ctx context.Context, symbol string, direction orders.Direction, quantity int64, price float64, orderType orders.OrderType) (string, error) {
	if !m.gate.IsOpen() {
		return "", ErrGateClosed
	}
	if orderType == "" {
		orderType = orders.OrderTypeEnhancedLimit
	}
	id, err := m.broker.SubmitOrder(ctx, broker.SubmitRequest{
		Symbol:      symbol,
		Side:        orders.SideBuy,
		Quantity:    quantity,
		Price:       price,
		OrderType:   orderType,
		TimeInForce: m.Config().TimeInForce,
	})
	if err != nil {
		return "", fmt.Errorf("submit buy: %w", err)
	}
	m.TrackOrder(TrackedOrder{
		OrderID:           id,
		Symbol:            symbol,
		Side:              orders.SideBuy,
		Direction:         direction,
		SubmittedPrice:    price,
		SubmittedQuantity: quantity,
		OrderType:         orderType,
		SubmittedAt:       m.currentTime(),
	})
	return id, nil
}

func (m *Monitor) currentTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now()
}

func intentOrderType(intent SellIntent) orders.OrderType {
	switch {
	case intent.OrderType != "":
		return intent.OrderType
	case intent.IsProtectiveLiquidation || intent.Price <= 0:
		return orders.OrderTypeMarket
	}
	return orders.OrderTypeEnhancedLimit
}

// placeSell submits a sell, hands it the provisional claim and tracks it
func (m *Monitor) placeSell(ctx context.Context, intent SellIntent, orderType orders.OrderType, quantity int64, provisional string) (string, error) {
	price := intent.Price
	if !orderType.IsPriced() {
		price = 0
	}
	id, err := m.broker.SubmitOrder(ctx, broker.SubmitRequest{
		Symbol:      intent.Symbol,
		Side:        orders.SideSell,
		Quantity:    quantity,
		Price:       price,
		OrderType:   orderType,
		TimeInForce: m.Config().TimeInForce,
	})
	if err != nil {
		return "", fmt.Errorf("submit sell: %w", err)
	}

	now := m.currentTime()
	if err := m.ledger.TransferClaim(provisional, id, now); err != nil && !errors.Is(err, orders.ErrClaimNotFound) {
		m.logger.Error().Err(err).Str("order_id", id).Msg("Claim handover to new sell failed")
	}
	m.TrackOrder(TrackedOrder{
		OrderID:                 id,
		Symbol:                  intent.Symbol,
		Side:                    orders.SideSell,
		Direction:               intent.Direction,
		SubmittedPrice:          price,
		SubmittedQuantity:       quantity,
		IsProtectiveLiquidation: intent.IsProtectiveLiquidation,
		OrderType:               orderType,
		SubmittedAt:             now,
	})
	return id, nil
}

func (m *Monitor) executeSubmit(ctx context.Context, intent SellIntent, dec *MergeDecision, provisional string) error {
	id, err := m.placeSell(ctx, intent, intentOrderType(intent), dec.Quantity, provisional)
	if err != nil {
		return err
	}
	dec.OrderID = id
	return nil
}

func (m *Monitor) executeReplace(ctx context.Context, intent SellIntent, dec *MergeDecision, provisional string) error {
	m.mu.Lock()
	target, ok := m.orders[dec.TargetOrderID]
	if !ok || target.busy || !(target.Status == orders.StatusSubmitted || target.Status == orders.StatusPartialFilled) {
		m.mu.Unlock()
		// target changed since the decision; place the intent on its own
		dec.Action = MergeSubmit
		dec.TargetOrderID = ""
		dec.Quantity = intent.Quantity
		dec.Reason = "live sell changed, submitting separately"
		return m.executeSubmit(ctx, intent, dec, provisional)
	}
	quantity := target.SubmittedQuantity + intent.Quantity
	target.busy = true
	target.statusBefore = target.Status
	target.Status = orders.StatusReplacedPending
	target.pendingPrice = intent.Price
	target.LastReplaceAt = m.now()
	m.mu.Unlock()

	dec.Quantity = quantity
	err := m.broker.ReplaceOrder(ctx, dec.TargetOrderID, intent.Price, quantity)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[dec.TargetOrderID]
	if !ok {
		return fmt.Errorf("sell %s closed during replace", dec.TargetOrderID)
	}
	cur.busy = false
	if err != nil {
		if cur.Status == orders.StatusReplacedPending {
			cur.Status = cur.statusBefore
			cur.pendingPrice = 0
		}
		m.settleIfClosedLocked(cur)
		return fmt.Errorf("replace sell %s: %w", dec.TargetOrderID, err)
	}
	cur.SubmittedQuantity = quantity

	err = m.ledger.MergeClaim(provisional, cur.OrderID, quantity)
	if errors.Is(err, orders.ErrClaimNotFound) {
		// target sell had no lots of its own
		err = m.ledger.TransferClaim(provisional, cur.OrderID, cur.SubmittedAt)
	}
	if err != nil && !errors.Is(err, orders.ErrClaimNotFound) {
		m.logger.Error().Err(err).Str("order_id", cur.OrderID).Msg("Claim merge into replaced sell failed")
	}
	m.settleIfClosedLocked(cur)
	dec.OrderID = dec.TargetOrderID
	return nil
}

func (m *Monitor) executeCancelAndSubmit(ctx context.Context, intent SellIntent, dec *MergeDecision, provisional string) error {
	extra := int64(0)
	for _, id := range dec.CancelIDs {
		m.mu.Lock()
		o, ok := m.orders[id]
		if !ok {
			m.mu.Unlock()
			continue
		}
		if o.busy {
			m.mu.Unlock()
			return fmt.Errorf("sell %s has a call in flight", id)
		}
		o.busy = true
		m.mu.Unlock()

		outcome, err := m.cancelAndConfirm(ctx, id)
		switch outcome {
		case cancelGone:
			continue
		case cancelAborted:
			m.release(id)
			return fmt.Errorf("cancel sell %s: %w", id, err)
		}

		m.mu.Lock()
		if cur, ok := m.orders[id]; ok {
			var lotIDs []string
			if ps, found := m.ledger.PendingSell(id); found {
				lotIDs = ps.ClaimedLotIDs
			}
			extra += cur.RemainingQuantity()
			if cur.Status != orders.StatusRejected {
				cur.Status = orders.StatusCancelled
			}
			m.finalizeCancelledLocked(cur)

			if survivors := unclaimedLots(m.ledger.Snapshot(intent.Symbol, intent.Direction), lotIDs); len(survivors) > 0 {
				if err := m.ledger.ClaimLotsForPendingSell(provisional, intent.Symbol, intent.Direction, survivors, 0, m.now()); err != nil {
					m.logger.Error().Err(err).Str("from", id).Msg("Could not carry lots of cancelled sell")
				}
			}
		}
		m.mu.Unlock()
	}

	quantity := intent.Quantity + extra
	if ps, ok := m.ledger.PendingSell(provisional); ok {
		quantity = claimedTotal(m.ledger.Snapshot(intent.Symbol, intent.Direction), ps.ClaimedLotIDs)
		if err := m.ledger.ExtendClaim(provisional, nil, quantity); err != nil {
			return fmt.Errorf("resize claim: %w", err)
		}
	}
	dec.Quantity = quantity

	id, err := m.placeSell(ctx, intent, orders.OrderTypeMarket, quantity, provisional)
	if err != nil {
		return err
	}
	dec.OrderID = id
	return nil
}

func unclaimedLots(snap orders.EntrySnapshot, lotIDs []string) []string {
	want := make(map[string]bool, len(lotIDs))
	for _, id := range lotIDs {
		want[id] = true
	}
	var out []string
	for _, lot := range snap.Lots {
		if want[lot.ID] && !snap.IsClaimed(lot.ID) {
			out = append(out, lot.ID)
		}
	}
	return out
}

func claimedTotal(snap orders.EntrySnapshot, lotIDs []string) int64 {
	want := make(map[string]bool, len(lotIDs))
	for _, id := range lotIDs {
		want[id] = true
	}
	var total int64
	for _, lot := range snap.Lots {
		if want[lot.ID] {
			total += lot.Quantity
		}
	}
	return total
}
