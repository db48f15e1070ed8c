package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"longbridge-quant-bot/internal/orders"
)

// Call is one recorded PaperBroker invocation
type Call struct {
	Op       string // submit, cancel, replace, query
	OrderID  string
	Request  SubmitRequest
	Price    float64
	Quantity int64
	At       time.Time
}

type cancelOutcome struct {
	ok  bool
	err error
}

// PaperBroker is an in-memory brokerage for dry runs and tests. Orders rest
// until Match sees a crossing quote or a test fills them explicitly.
type PaperBroker struct {
	mu       sync.Mutex
	orders   map[string]*OrderSnapshot
	sequence []string // order ids in submission order
	calls    []Call

	cancelOutcomes map[string]cancelOutcome
	submitErr      error
	listener       func(OrderSnapshot)
	now            func() time.Time
	logger         zerolog.Logger
}

// NewPaperBroker creates an empty paper brokerage
func NewPaperBroker(logger zerolog.Logger) *PaperBroker {
	return &PaperBroker{
		orders:         make(map[string]*OrderSnapshot),
		cancelOutcomes: make(map[string]cancelOutcome),
		now:            time.Now,
		logger:         logger.With().Str("component", "PaperBroker").Logger(),
	}
}

// SetListener receives a push for every order change
func (p *PaperBroker) SetListener(fn func(OrderSnapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = fn
}

// SetClock overrides the time source
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *PaperBroker) emit(snap OrderSnapshot) {
	p.mu.Lock()
	fn := p.listener
	p.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// ==================== BROKER ====================

func (p *PaperBroker) SubmitOrder(ctx context.Context, req SubmitRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{Op: "submit", Request: req, Price: req.Price, Quantity: req.Quantity, At: p.now()})

	if p.submitErr != nil {
		return "", p.submitErr
	}
	if req.Symbol == "" || req.Quantity <= 0 {
		return "", &APIError{Op: "submit", Code: 400, Message: "symbol and positive quantity required"}
	}
	if req.OrderType.IsPriced() && req.Price <= 0 {
		return "", &APIError{Op: "submit", Code: 400, Message: fmt.Sprintf("%s order requires a price", req.OrderType)}
	}

	id := uuid.New().String()
	now := p.now()
	snap := &OrderSnapshot{
		OrderID:     id,
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Status:      orders.StatusSubmitted,
		Quantity:    req.Quantity,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if req.OrderType.IsPriced() {
		snap.Price = req.Price
	}
	p.orders[id] = snap
	p.sequence = append(p.sequence, id)
	p.calls[len(p.calls)-1].OrderID = id

	p.logger.Debug().
		Str("order_id", id).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("type", string(req.OrderType)).
		Int64("quantity", req.Quantity).
		Msg("Paper order placed")
	return id, nil
}

func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Op: "cancel", OrderID: orderID, At: p.now()})

	if outcome, scripted := p.cancelOutcomes[orderID]; scripted {
		p.mu.Unlock()
		return outcome.ok, outcome.err
	}
	snap, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return false, &APIError{Op: "cancel", Code: 404, Err: ErrOrderNotFound}
	}
	if !snap.Status.IsActive() {
		p.mu.Unlock()
		return false, nil
	}
	snap.Status = orders.StatusCancelled
	snap.UpdatedAt = p.now()
	out := *snap
	p.mu.Unlock()

	p.emit(out)
	return true, nil
}

func (p *PaperBroker) ReplaceOrder(ctx context.Context, orderID string, price float64, quantity int64) error {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Op: "replace", OrderID: orderID, Price: price, Quantity: quantity, At: p.now()})

	snap, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return &APIError{Op: "replace", Code: 404, Err: ErrOrderNotFound}
	}
	if !snap.Status.IsActive() || !snap.OrderType.IsPriced() || price <= 0 {
		p.mu.Unlock()
		return &APIError{Op: "replace", Code: 400, Err: ErrNotReplaceable}
	}
	if quantity > 0 {
		if quantity < snap.ExecutedQuantity {
			p.mu.Unlock()
			return &APIError{Op: "replace", Code: 400, Message: "quantity below executed quantity"}
		}
		snap.Quantity = quantity
	}
	snap.Price = price
	snap.UpdatedAt = p.now()
	out := *snap
	p.mu.Unlock()

	p.emit(out)
	return nil
}

func (p *PaperBroker) QueryOrders(ctx context.Context, query OrderQuery) ([]OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, Call{Op: "query", At: p.now()})
	var out []OrderSnapshot
	for _, id := range p.sequence {
		snap := p.orders[id]
		if query.Matches(*snap) {
			out = append(out, *snap)
		}
	}
	return out, nil
}

// ==================== SIMULATION ====================

// Match fills resting orders against the latest quotes: market orders at
// the quote, limit orders at their price once the quote crosses it.
func (p *PaperBroker) Match(quotes map[string]float64) {
	p.mu.Lock()
	var filled []OrderSnapshot
	for _, id := range p.sequence {
		snap := p.orders[id]
		if !snap.Status.IsActive() {
			continue
		}
		quote, ok := quotes[snap.Symbol]
		if !ok || quote <= 0 {
			continue
		}
		price := snap.Price
		switch {
		case snap.OrderType == orders.OrderTypeMarket:
			price = quote
		case snap.Side == orders.SideBuy && quote <= snap.Price:
		case snap.Side == orders.SideSell && quote >= snap.Price:
		default:
			continue
		}
		p.fillLocked(snap, snap.RemainingQuantity(), price)
		filled = append(filled, *snap)
	}
	p.mu.Unlock()

	for _, snap := range filled {
		p.emit(snap)
	}
}

func (p *PaperBroker) fillLocked(snap *OrderSnapshot, quantity int64, price float64) {
	if quantity > snap.RemainingQuantity() {
		quantity = snap.RemainingQuantity()
	}
	notional := snap.ExecutedPrice*float64(snap.ExecutedQuantity) + price*float64(quantity)
	snap.ExecutedQuantity += quantity
	if snap.ExecutedQuantity > 0 {
		snap.ExecutedPrice = notional / float64(snap.ExecutedQuantity)
	}
	if snap.ExecutedQuantity == snap.Quantity {
		snap.Status = orders.StatusFilled
	} else {
		snap.Status = orders.StatusPartialFilled
	}
	snap.UpdatedAt = p.now()
}

// Fill executes quantity of an order at price and pushes the update
func (p *PaperBroker) Fill(orderID string, quantity int64, price float64) (OrderSnapshot, error) {
	p.mu.Lock()
	snap, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return OrderSnapshot{}, ErrOrderNotFound
	}
	p.fillLocked(snap, quantity, price)
	out := *snap
	p.mu.Unlock()

	p.emit(out)
	return out, nil
}

// SetStatus forces an order status without a brokerage call (external
// cancel or reject) and pushes the update
func (p *PaperBroker) SetStatus(orderID string, status orders.OrderStatus) (OrderSnapshot, error) {
	p.mu.Lock()
	snap, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return OrderSnapshot{}, ErrOrderNotFound
	}
	snap.Status = status
	snap.UpdatedAt = p.now()
	out := *snap
	p.mu.Unlock()

	p.emit(out)
	return out, nil
}

// Seed loads existing orders, as if placed before the process started
func (p *PaperBroker) Seed(snaps ...OrderSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, snap := range snaps {
		s := snap
		if _, exists := p.orders[s.OrderID]; !exists {
			p.sequence = append(p.sequence, s.OrderID)
		}
		p.orders[s.OrderID] = &s
	}
}

// ScriptCancel makes CancelOrder for orderID return the given result
// without touching the order
func (p *PaperBroker) ScriptCancel(orderID string, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelOutcomes[orderID] = cancelOutcome{ok: ok, err: err}
}

// FailSubmits makes every SubmitOrder fail with err; nil restores normal behavior
func (p *PaperBroker) FailSubmits(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = err
}

// Order returns the current state of an order
func (p *PaperBroker) Order(orderID string) (OrderSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.orders[orderID]
	if !ok {
		return OrderSnapshot{}, false
	}
	return *snap, true
}

// Calls returns every recorded call
func (p *PaperBroker) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// CallCount counts recorded calls of one operation
func (p *PaperBroker) CallCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log
func (p *PaperBroker) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
