package orders

import (
	"time"

	"github.com/rs/zerolog"
)

// Hold reasons reported by the smart close resolver
const (
	ReasonLedgerUnavailable = "order ledger unavailable"
	ReasonNothingSellable   = "no profitable lots, and no timed-out lots or all timed-out lots already claimed"
)

// SmartCloseDecision answers "how much of this seat may be sold now"
type SmartCloseDecision struct {
	ShouldHold    bool     `json:"should_hold"`
	Quantity      int64    `json:"quantity"`
	ClaimedLotIDs []string `json:"claimed_lot_ids"`
	Reason        string   `json:"reason"`
	Stage         int      `json:"stage"` // stage that produced the quantity, 0 when holding
}

// SmartCloseResolver composes lot selections into one sell decision:
// whole position when it is in profit overall, otherwise profitable lots
// plus timed-out lots up to the available quantity.
type SmartCloseResolver struct {
	ledger   *Ledger
	calendar TradingMinutesCounter
	now      func() time.Time
	logger   zerolog.Logger

	selectFn func(EntrySnapshot, SelectRequest) Selection
}

// NewSmartCloseResolver creates a resolver. A nil ledger makes every
// decision a hold.
func NewSmartCloseResolver(ledger *Ledger, calendar TradingMinutesCounter, logger zerolog.Logger) *SmartCloseResolver {
	return &SmartCloseResolver{
		ledger:   ledger,
		calendar: calendar,
		now:      time.Now,
		logger:   logger.With().Str("component", "SmartClose").Logger(),
		selectFn: SelectSellableLots,
	}
}

// Resolve decides the sell quantity for a seat. timeoutMinutes nil disables
// the timed-out stage.
func (r *SmartCloseResolver) Resolve(symbol string, direction Direction, currentPrice float64, availableQuantity int64, timeoutMinutes *int) SmartCloseDecision {
	if r.ledger == nil {
		return SmartCloseDecision{ShouldHold: true, Reason: ReasonLedgerUnavailable}
	}

	now := r.now()
	snapshot := r.ledger.Snapshot(symbol, direction)

	// Stage 1: position in profit as a whole
	if avg, ok := r.ledger.CostAveragePrice(symbol, direction); ok && currentPrice > avg {
		all := r.selectFn(snapshot, SelectRequest{
			Strategy:     StrategyAll,
			CurrentPrice: currentPrice,
			MaxQuantity:  Unlimited,
			Now:          now,
		})
		if all.TotalQuantity == 0 {
			return r.hold(symbol, direction, ReasonNothingSellable)
		}
		r.logger.Info().
			Str("symbol", symbol).
			Str("direction", string(direction)).
			Float64("cost_avg", avg).
			Float64("price", currentPrice).
			Int64("quantity", all.TotalQuantity).
			Msg("Smart close: position in profit, selling all lots")
		return SmartCloseDecision{
			Quantity:      all.TotalQuantity,
			ClaimedLotIDs: all.LotIDs(),
			Reason:        "position in overall profit",
			Stage:         1,
		}
	}

	// Stage 2: individually profitable lots
	profit := r.selectFn(snapshot, SelectRequest{
		Strategy:     StrategyProfitOnly,
		CurrentPrice: currentPrice,
		MaxQuantity:  Unlimited,
		Now:          now,
	})
	lotIDs := profit.LotIDs()
	total := profit.TotalQuantity
	stage := 2

	// Stage 3: timed-out lots within what is left of the available quantity
	if timeoutMinutes != nil {
		remaining := availableQuantity - profit.TotalQuantity
		if remaining > 0 {
			timedOut := r.selectFn(snapshot, SelectRequest{
				Strategy:       StrategyTimeoutOnly,
				CurrentPrice:   currentPrice,
				MaxQuantity:    remaining,
				ExcludeLotIDs:  lotIDs,
				Now:            now,
				TimeoutMinutes: timeoutMinutes,
				Calendar:       r.calendar,
			})
			if timedOut.TotalQuantity > 0 {
				lotIDs = append(lotIDs, timedOut.LotIDs()...)
				total += timedOut.TotalQuantity
				stage = 3
			}
		}
	}

	if total == 0 {
		return r.hold(symbol, direction, ReasonNothingSellable)
	}

	r.logger.Info().
		Str("symbol", symbol).
		Str("direction", string(direction)).
		Float64("price", currentPrice).
		Int64("profit_qty", profit.TotalQuantity).
		Int64("quantity", total).
		Msg("Smart close: selling selected lots")
	return SmartCloseDecision{
		Quantity:      total,
		ClaimedLotIDs: lotIDs,
		Reason:        "profitable or timed-out lots selected",
		Stage:         stage,
	}
}

func (r *SmartCloseResolver) hold(symbol string, direction Direction, reason string) SmartCloseDecision {
	r.logger.Debug().
		Str("symbol", symbol).
		Str("direction", string(direction)).
		Str("reason", reason).
		Msg("Smart close: holding")
	return SmartCloseDecision{ShouldHold: true, Reason: reason}
}
