package monitor

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"longbridge-quant-bot/internal/broker"
	"longbridge-quant-bot/internal/events"
	"longbridge-quant-bot/internal/metrics"
	"longbridge-quant-bot/internal/orders"
)

// ErrGateClosed is returned when a submission is attempted with the gate closed
var ErrGateClosed = errors.New("execution gate closed")

// orphanTTL bounds how long a push for an unknown order is kept in case the
// order is tracked right after (push raced the submit response)
const orphanTTL = time.Minute

type orphanPush struct {
	snap       broker.OrderSnapshot
	receivedAt time.Time
}

// Monitor is the order tracking state machine. Its lock is never held across
// a brokerage call; every step after a call re-reads the tracked order.
type Monitor struct {
	mu      sync.Mutex
	orders  map[string]*TrackedOrder
	orphans map[string]orphanPush

	broker broker.Broker
	ledger *orders.Ledger
	gate   *Gate
	bus    *events.EventBus
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a monitor. bus may be nil.
func New(b broker.Broker, ledger *orders.Ledger, gate *Gate, bus *events.EventBus, cfg Config, logger zerolog.Logger) *Monitor {
	if gate == nil {
		gate = NewGate(true)
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = broker.TimeInForceDay
	}
	return &Monitor{
		orders:  make(map[string]*TrackedOrder),
		orphans: make(map[string]orphanPush),
		broker:  b,
		ledger:  ledger,
		gate:    gate,
		bus:     bus,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With().Str("component", "OrderMonitor").Logger(),
	}
}

// SetClock overrides the time source
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Gate returns the execution gate
func (m *Monitor) Gate() *Gate {
	return m.gate
}

// Config returns the active configuration
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// UpdateConfig swaps the timeout and chase settings
func (m *Monitor) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = m.cfg.TimeInForce
	}
	m.cfg = cfg
}

// ==================== TRACKING ====================

// TrackOrder starts tracking a submitted order. Status defaults to
// SUBMITTED and SubmittedAt to now. A push that arrived for the order
// before it was tracked is applied immediately.
func (m *Monitor) TrackOrder(order TrackedOrder) {
	m.mu.Lock()
	if order.Status == "" {
		order.Status = orders.StatusSubmitted
	}
	if order.SubmittedAt.IsZero() {
		order.SubmittedAt = m.now()
	}
	order.busy = false
	o := order
	m.orders[o.OrderID] = &o
	m.updateGaugesLocked()

	orphan, hasOrphan := m.orphans[o.OrderID]
	delete(m.orphans, o.OrderID)
	m.mu.Unlock()

	m.logger.Info().
		Str("order_id", o.OrderID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Str("type", string(o.OrderType)).
		Float64("price", o.SubmittedPrice).
		Int64("quantity", o.SubmittedQuantity).
		Msg("Tracking order")
	m.bus.PublishOrder(events.EventOrderTracked, o.OrderID, o.Symbol, string(o.Side), o.SubmittedQuantity, o.FilledQuantity, o.SubmittedPrice)

	if hasOrphan {
		m.HandlePush(orphan.snap)
	}
}

// Order returns a copy of a tracked order
func (m *Monitor) Order(orderID string) (TrackedOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return TrackedOrder{}, false
	}
	return *o, true
}

// Orders returns copies of all tracked orders, oldest first
func (m *Monitor) Orders() []TrackedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrackedOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	sortOrders(out)
	return out
}

// Len returns the number of tracked orders
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// Reset forgets every tracked order (daily rollover). Ledger claims are
// left to the caller.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]*TrackedOrder)
	m.orphans = make(map[string]orphanPush)
	m.updateGaugesLocked()
}

func sortOrders(list []TrackedOrder) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].SubmittedAt.Equal(list[j].SubmittedAt) {
			return list[i].OrderID < list[j].OrderID
		}
		return list[i].SubmittedAt.Before(list[j].SubmittedAt)
	})
}

func (m *Monitor) updateGaugesLocked() {
	var buys, sells int
	for _, o := range m.orders {
		if o.Side == orders.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	metrics.TrackedOrders.WithLabelValues("buy").Set(float64(buys))
	metrics.TrackedOrders.WithLabelValues("sell").Set(float64(sells))
}

// ==================== PUSH EVENTS ====================

// HandlePush applies a brokerage order update. Updates for untracked orders
// change nothing.
func (m *Monitor) HandlePush(snap broker.OrderSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[snap.OrderID]
	if !ok {
		m.rememberOrphanLocked(snap)
		metrics.PushEvents.WithLabelValues("ignored").Inc()
		return
	}
	metrics.PushEvents.WithLabelValues("handled").Inc()

	if delta := snap.ExecutedQuantity - o.FilledQuantity; delta > 0 {
		o.FilledQuantity = snap.ExecutedQuantity
		if snap.ExecutedPrice > 0 {
			o.ExecutedPrice = snap.ExecutedPrice
		}
		if o.Side == orders.SideSell {
			m.ledger.RecordSellFill(o.OrderID, delta)
		}
	}

	switch snap.Status {
	case orders.StatusFilled:
		// a fill always wins over an in-flight cancel or replace
		o.Status = orders.StatusFilled
		m.finalizeFilledLocked(o)

	case orders.StatusCancelled, orders.StatusRejected:
		o.Status = snap.Status
		if o.busy {
			// the goroutine that issued the call finalizes
			return
		}
		m.finalizeCancelledLocked(o)

	case orders.StatusPartialFilled:
		if o.Status == orders.StatusReplacedPending {
			m.ackReplaceLocked(o, snap)
		}
		o.Status = orders.StatusPartialFilled
		m.bus.PublishOrder(events.EventOrderPartialFilled, o.OrderID, o.Symbol, string(o.Side), o.SubmittedQuantity, o.FilledQuantity, o.ExecutedPrice)
		metrics.OrderTransitions.WithLabelValues(string(orders.StatusPartialFilled)).Inc()

	case orders.StatusSubmitted, orders.StatusReplacedPending:
		if o.Status == orders.StatusReplacedPending {
			m.ackReplaceLocked(o, snap)
		} else if snap.Price > 0 {
			o.SubmittedPrice = snap.Price
		}
		if snap.Quantity > 0 {
			o.SubmittedQuantity = snap.Quantity
		}
	}
}

// ackReplaceLocked confirms a replace from a brokerage update
func (m *Monitor) ackReplaceLocked(o *TrackedOrder, snap broker.OrderSnapshot) {
	if snap.Price > 0 {
		o.SubmittedPrice = snap.Price
	}
	if snap.Quantity > 0 {
		o.SubmittedQuantity = snap.Quantity
	}
	o.Status = liveStatus(o)
	o.pendingPrice = 0
	m.bus.PublishOrder(events.EventOrderReplaced, o.OrderID, o.Symbol, string(o.Side), o.SubmittedQuantity, o.FilledQuantity, o.SubmittedPrice)
	metrics.OrderTransitions.WithLabelValues(string(orders.StatusReplacedPending)).Inc()
}

func liveStatus(o *TrackedOrder) orders.OrderStatus {
	if o.FilledQuantity > 0 {
		return orders.StatusPartialFilled
	}
	return orders.StatusSubmitted
}

func (m *Monitor) rememberOrphanLocked(snap broker.OrderSnapshot) {
	now := m.now()
	for id, p := range m.orphans {
		if now.Sub(p.receivedAt) > orphanTTL {
			delete(m.orphans, id)
		}
	}
	m.orphans[snap.OrderID] = orphanPush{snap: snap, receivedAt: now}
}

// finalizeFilledLocked books a filled order into the ledger and stops tracking it
func (m *Monitor) finalizeFilledLocked(o *TrackedOrder) {
	switch o.Side {
	case orders.SideBuy:
		m.bookBuyLocked(o)
	case orders.SideSell:
		m.ledger.CompleteSell(o.OrderID)
	}
	m.untrackLocked(o, events.EventOrderFilled)

	m.logger.Info().
		Str("order_id", o.OrderID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Int64("filled", o.FilledQuantity).
		Float64("price", fillPrice(o)).
		Msg("Order filled")
}

// finalizeCancelledLocked settles a cancelled or rejected order: executed
// buy quantity becomes a lot, a sell claim is released after its fills are
// settled.
func (m *Monitor) finalizeCancelledLocked(o *TrackedOrder) {
	switch o.Side {
	case orders.SideBuy:
		m.bookBuyLocked(o)
	case orders.SideSell:
		m.ledger.ReleaseClaim(o.OrderID)
		m.bus.Publish(events.Event{Type: events.EventClaimReleased, Data: map[string]interface{}{
			"order_id": o.OrderID,
			"symbol":   o.Symbol,
		}})
	}
	eventType := events.EventOrderCancelled
	if o.Status == orders.StatusRejected {
		eventType = events.EventOrderRejected
	} else {
		o.Status = orders.StatusCancelled
	}
	m.untrackLocked(o, eventType)

	m.logger.Info().
		Str("order_id", o.OrderID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Str("status", string(o.Status)).
		Int64("filled", o.FilledQuantity).
		Msg("Order closed without full fill")
}

// bookBuyLocked records the executed quantity of a closed buy that is not
// in the ledger yet. A lot recovery already booked for the order grows.
func (m *Monitor) bookBuyLocked(o *TrackedOrder) {
	quantity := o.FilledQuantity - o.BookedQuantity
	if quantity <= 0 {
		return
	}
	price := fillPrice(o)
	if o.BookedQuantity > 0 {
		// ExecutedPrice averages every fill; keep only the new ones
		if later := (price*float64(o.FilledQuantity) - o.BookedPrice*float64(o.BookedQuantity)) / float64(quantity); later > 0 && !math.IsInf(later, 0) {
			price = later
		}
		m.ledger.GrowLot(o.Symbol, o.Direction, o.OrderID, price, quantity, m.now())
	} else {
		m.ledger.AddLot(o.Symbol, o.Direction, o.OrderID, price, quantity, m.now())
	}
	o.BookedQuantity = o.FilledQuantity

	m.bus.Publish(events.Event{Type: events.EventLotAdded, Data: map[string]interface{}{
		"lot_id":   o.OrderID,
		"symbol":   o.Symbol,
		"quantity": quantity,
		"price":    price,
	}})
}

func (m *Monitor) untrackLocked(o *TrackedOrder, eventType events.EventType) {
	delete(m.orders, o.OrderID)
	m.updateGaugesLocked()
	metrics.OrderTransitions.WithLabelValues(string(o.Status)).Inc()
	metrics.LedgerLots.Set(float64(m.ledger.TotalLots()))
	m.bus.PublishOrder(eventType, o.OrderID, o.Symbol, string(o.Side), o.SubmittedQuantity, o.FilledQuantity, fillPrice(o))
}

func fillPrice(o *TrackedOrder) float64 {
	if o.ExecutedPrice > 0 {
		return o.ExecutedPrice
	}
	return o.SubmittedPrice
}
