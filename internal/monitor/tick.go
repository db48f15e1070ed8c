package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"longbridge-quant-bot/internal/broker"
	"longbridge-quant-bot/internal/metrics"
	"longbridge-quant-bot/internal/orders"
)

var (
	// ErrStillResting means a cancel was not confirmed and the order is still live
	ErrStillResting = errors.New("cancel not confirmed, order still resting")
	// ErrCancelPending means the brokerage accepted a cancel it has not applied yet
	ErrCancelPending = errors.New("cancel accepted, order not closed yet")
)

type tickAction int

const (
	actionTimeout tickAction = iota
	actionChase
)

type tickCandidate struct {
	order  TrackedOrder
	action tickAction
	quote  float64
}

type cancelOutcome int

const (
	cancelConfirmed cancelOutcome = iota // order is cancelled at the brokerage
	cancelGone                           // order reached FILLED meanwhile and was finalized
	cancelAborted                        // order may still be live
)

// ProcessTick runs one timeout and price-chase pass with the latest quotes.
// A failed step for one order is reported in the result and does not stop
// the pass.
func (m *Monitor) ProcessTick(ctx context.Context, quotes map[string]float64) TickResult {
	result := TickResult{Converted: map[string]string{}}
	candidates := m.collectCandidates(quotes)

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			m.release(c.order.OrderID)
			result.fail(c.order.OrderID, "tick", err)
			continue
		}
		switch c.action {
		case actionTimeout:
			m.handleTimeout(ctx, c.order, &result)
		case actionChase:
			m.chasePrice(ctx, c.order, c.quote, &result)
		}
	}
	return result
}

// collectCandidates picks the orders this tick acts on and marks them busy
func (m *Monitor) collectCandidates(quotes map[string]float64) []tickCandidate {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	gateOpen := m.gate.IsOpen()
	var out []tickCandidate

	for _, o := range m.orders {
		if o.busy || !o.Status.IsActive() {
			continue
		}
		if o.Status == orders.StatusReplacedPending {
			if now.Sub(o.LastReplaceAt) < m.cfg.ReplaceAckWindow {
				continue
			}
			// no acknowledgement within the window: take the replace as applied
			o.SubmittedPrice = o.pendingPrice
			o.pendingPrice = 0
			o.Status = liveStatus(o)
			m.logger.Debug().Str("order_id", o.OrderID).Msg("Replace auto-confirmed")
		}

		isMarketSell := o.Side == orders.SideSell && o.OrderType == orders.OrderTypeMarket
		timeout := m.cfg.BuyTimeout
		if o.Side == orders.SideSell {
			timeout = m.cfg.SellTimeout
		}

		if !isMarketSell && timeout.expired(o.SubmittedAt, now) {
			o.busy = true
			out = append(out, tickCandidate{order: *o, action: actionTimeout})
			continue
		}

		if !gateOpen || !m.cfg.PriceChaseEnabled || !o.OrderType.IsPriced() {
			continue
		}
		quote, ok := quotes[o.Symbol]
		if !ok || quote <= 0 || math.Abs(quote-o.SubmittedPrice) < m.cfg.PriceChaseMinDelta {
			continue
		}
		o.busy = true
		o.statusBefore = o.Status
		o.Status = orders.StatusReplacedPending
		o.pendingPrice = quote
		o.LastReplaceAt = now
		out = append(out, tickCandidate{order: *o, action: actionChase, quote: quote})
	}

	sortCandidates(out)
	return out
}

func sortCandidates(list []tickCandidate) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].order, list[j].order
		if a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.OrderID < b.OrderID
		}
		return a.SubmittedAt.Before(b.SubmittedAt)
	})
}

// release clears the busy flag and finalizes an order a push closed meanwhile
func (m *Monitor) release(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.busy = false
		m.settleIfClosedLocked(o)
	}
}

func (m *Monitor) settleIfClosedLocked(o *TrackedOrder) {
	if o.Status == orders.StatusCancelled || o.Status == orders.StatusRejected {
		m.finalizeCancelledLocked(o)
	}
}

// ==================== TIMEOUT ====================

func (m *Monitor) handleTimeout(ctx context.Context, o TrackedOrder, result *TickResult) {
	side := sideLabel(o.Side)
	m.logger.Info().
		Str("order_id", o.OrderID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Dur("age", m.now().Sub(o.SubmittedAt)).
		Msg("Order timed out, cancelling")

	outcome, err := m.cancelAndConfirm(ctx, o.OrderID)
	switch outcome {
	case cancelGone:
		return
	case cancelAborted:
		// the claim stays; the next tick retries
		m.release(o.OrderID)
		if errors.Is(err, ErrCancelPending) {
			m.logger.Info().Str("order_id", o.OrderID).Msg("Timeout cancel pending at brokerage, checking next tick")
			return
		}
		metrics.TimeoutActions.WithLabelValues(side, "abort").Inc()
		result.fail(o.OrderID, "cancel", err)
		m.logger.Warn().Err(err).Str("order_id", o.OrderID).Msg("Timeout cancel not confirmed, retrying next tick")
		return
	}

	m.mu.Lock()
	cur, ok := m.orders[o.OrderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	result.Cancelled = append(result.Cancelled, o.OrderID)
	metrics.TimeoutActions.WithLabelValues(side, "cancel").Inc()

	if cur.Side == orders.SideBuy || !m.gate.IsOpen() {
		if cur.Status != orders.StatusRejected {
			cur.Status = orders.StatusCancelled
		}
		m.finalizeCancelledLocked(cur)
		m.mu.Unlock()
		return
	}

	remaining := cur.RemainingQuantity()
	if remaining <= 0 {
		cur.Status = orders.StatusFilled
		m.finalizeFilledLocked(cur)
		m.mu.Unlock()
		return
	}
	old := *cur
	m.mu.Unlock()

	newID, err := m.broker.SubmitOrder(ctx, broker.SubmitRequest{
		Symbol:      old.Symbol,
		Side:        orders.SideSell,
		Quantity:    remaining,
		OrderType:   orders.OrderTypeMarket,
		TimeInForce: m.cfg.TimeInForce,
		Remark:      "timeout:" + old.OrderID,
	})

	m.mu.Lock()
	cur, ok = m.orders[old.OrderID]
	if !ok {
		m.mu.Unlock()
		if err == nil {
			m.withdrawConversion(ctx, old, newID, remaining, result)
		}
		return
	}
	if err != nil {
		cur.Status = orders.StatusCancelled
		m.finalizeCancelledLocked(cur)
		m.mu.Unlock()
		result.fail(old.OrderID, "convert", fmt.Errorf("submit market sell: %w", err))
		m.bus.PublishError("monitor", fmt.Sprintf("market conversion of %s failed: %v", old.OrderID, err))
		return
	}

	now := m.now()
	if err := m.ledger.TransferClaim(old.OrderID, newID, now); err != nil && !errors.Is(err, orders.ErrClaimNotFound) {
		m.logger.Error().Err(err).Str("from", old.OrderID).Str("to", newID).Msg("Claim transfer failed")
	}
	cur.Status = orders.StatusCancelled
	delete(m.orders, old.OrderID)
	metrics.OrderTransitions.WithLabelValues(string(orders.StatusCancelled)).Inc()
	m.mu.Unlock()

	m.TrackOrder(TrackedOrder{
		OrderID:                 newID,
		Symbol:                  old.Symbol,
		Side:                    orders.SideSell,
		Direction:               old.Direction,
		SubmittedQuantity:       remaining,
		IsProtectiveLiquidation: old.IsProtectiveLiquidation,
		OrderType:               orders.OrderTypeMarket,
		SubmittedAt:             now,
	})
	result.Converted[old.OrderID] = newID
	metrics.TimeoutActions.WithLabelValues(side, "convert").Inc()
	m.bus.PublishConversion(old.OrderID, newID, old.Symbol, remaining)

	m.logger.Info().
		Str("from_order_id", old.OrderID).
		Str("to_order_id", newID).
		Int64("quantity", remaining).
		Msg("Timed-out sell resubmitted at market")
}

// withdrawConversion handles a market sell placed for an order that a push
// closed while the submit was in flight. The sell has no lots behind it, so
// it is tracked and cancelled.
func (m *Monitor) withdrawConversion(ctx context.Context, old TrackedOrder, newID string, quantity int64, result *TickResult) {
	m.logger.Error().
		Str("from_order_id", old.OrderID).
		Str("to_order_id", newID).
		Int64("quantity", quantity).
		Msg("Sell closed during market conversion, withdrawing market order")
	m.bus.PublishError("monitor", fmt.Sprintf("sell %s closed during conversion, withdrawing market order %s", old.OrderID, newID))

	m.TrackOrder(TrackedOrder{
		OrderID:           newID,
		Symbol:            old.Symbol,
		Side:              orders.SideSell,
		Direction:         old.Direction,
		SubmittedQuantity: quantity,
		OrderType:         orders.OrderTypeMarket,
		SubmittedAt:       m.currentTime(),
	})
	m.mu.Lock()
	if cur, ok := m.orders[newID]; ok {
		cur.busy = true
	}
	m.mu.Unlock()

	outcome, err := m.cancelAndConfirm(ctx, newID)
	switch outcome {
	case cancelConfirmed:
		m.mu.Lock()
		if cur, ok := m.orders[newID]; ok {
			m.finalizeCancelledLocked(cur)
		}
		m.mu.Unlock()
	case cancelAborted:
		// left tracked; its terminal push untracks it
		m.release(newID)
		if err == nil {
			err = ErrCancelPending
		}
		result.fail(newID, "withdraw", err)
	case cancelGone:
		m.bus.PublishError("monitor", fmt.Sprintf("market order %s executed without lots behind it", newID))
	}
}

// cancelAndConfirm cancels an order and decides from the call result, the
// tracked status and a brokerage query whether it is really gone. The query
// also books what executed while the cancel was in flight.
func (m *Monitor) cancelAndConfirm(ctx context.Context, orderID string) (cancelOutcome, error) {
	accepted, cancelErr := m.broker.CancelOrder(ctx, orderID)

	m.mu.Lock()
	cur, tracked := m.orders[orderID]
	if !tracked {
		m.mu.Unlock()
		return cancelGone, nil
	}
	status := cur.Status
	m.mu.Unlock()

	// a terminal push carries the final executed quantity
	if status == orders.StatusCancelled || status == orders.StatusRejected {
		return cancelConfirmed, nil
	}

	snaps, err := m.broker.QueryOrders(ctx, broker.OrderQuery{OrderIDs: []string{orderID}})
	if err != nil {
		return cancelAborted, fmt.Errorf("confirm cancel: %w", err)
	}
	if len(snaps) == 0 {
		if cancelErr != nil {
			return cancelAborted, cancelErr
		}
		return cancelAborted, broker.ErrOrderNotFound
	}

	snap := snaps[0]
	m.HandlePush(snap)
	switch {
	case snap.Status == orders.StatusFilled:
		return cancelGone, nil
	case snap.Status == orders.StatusCancelled || snap.Status == orders.StatusRejected:
		return cancelConfirmed, nil
	}
	if accepted && cancelErr == nil {
		return cancelAborted, ErrCancelPending
	}
	if cancelErr != nil {
		return cancelAborted, fmt.Errorf("%w: %v", ErrStillResting, cancelErr)
	}
	return cancelAborted, ErrStillResting
}

// ==================== PRICE CHASE ====================

func (m *Monitor) chasePrice(ctx context.Context, o TrackedOrder, quote float64, result *TickResult) {
	err := m.broker.ReplaceOrder(ctx, o.OrderID, quote, 0)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.OrderID]
	if !ok {
		return
	}
	cur.busy = false
	if err != nil {
		if cur.Status == orders.StatusReplacedPending {
			cur.Status = cur.statusBefore
			cur.pendingPrice = 0
		}
		result.fail(o.OrderID, "replace", err)
		m.logger.Warn().Err(err).Str("order_id", o.OrderID).Float64("price", quote).Msg("Price chase failed")
		m.settleIfClosedLocked(cur)
		return
	}
	result.Replaced = append(result.Replaced, o.OrderID)
	m.logger.Debug().
		Str("order_id", o.OrderID).
		Float64("from", o.SubmittedPrice).
		Float64("to", quote).
		Msg("Order price replaced")
	m.settleIfClosedLocked(cur)
}

func sideLabel(side orders.Side) string {
	if side == orders.SideBuy {
		return "buy"
	}
	return "sell"
}
