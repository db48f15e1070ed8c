// Package engine wires the order lifecycle components into a running
// service: startup recovery, push routing, the per-cycle tick and the
// daily rollover.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"longbridge-quant-bot/config"
	"longbridge-quant-bot/internal/broker"
	"longbridge-quant-bot/internal/calendar"
	"longbridge-quant-bot/internal/circuit"
	"longbridge-quant-bot/internal/database"
	"longbridge-quant-bot/internal/events"
	"longbridge-quant-bot/internal/monitor"
	"longbridge-quant-bot/internal/orders"
	"longbridge-quant-bot/internal/recovery"
	"longbridge-quant-bot/internal/vault"
)

// CredentialAccount is the vault account the engine trades with
const CredentialAccount = "default"

// ErrNoLiveBroker is returned when paper mode is off and no brokerage
// adapter was supplied
var ErrNoLiveBroker = errors.New("paper mode disabled and no brokerage adapter supplied")

// Options are the external parts of the engine. Only Config is required.
type Options struct {
	Config  *config.Config
	Broker  broker.Broker      // live brokerage adapter; ignored in paper mode
	Quotes  QuoteSource        // nil uses a StaticQuotes
	Vault   *vault.Client      // nil disables credential lookup
	Mirror  *database.RedisOrderMirror
	Journal *database.FillJournal
	Bus     *events.EventBus // nil creates one
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Engine owns the order lifecycle components
type Engine struct {
	cfg      *config.Config
	logger   zerolog.Logger
	now      func() time.Time
	bus      *events.EventBus
	calendar *calendar.Snapshot

	ledger     *orders.Ledger
	monitor    *monitor.Monitor
	reconciler *recovery.Reconciler
	resolver   *orders.SmartCloseResolver
	limiter    *broker.RateLimiter
	breaker    *circuit.Breaker
	broker     broker.Broker
	paper      *broker.PaperBroker
	stream     *broker.PushStream
	quotes     QuoteSource
	vault      *vault.Client
	mirror     *database.RedisOrderMirror
	seats      []recovery.Seat

	// cycleMu serializes ticks, recovery and rollover
	cycleMu      sync.Mutex
	lastRollover string
	rolloverAt   time.Duration
}

// New builds an engine from configuration
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("engine: config is required")
	}
	logger := opts.Logger.With().Str("component", "Engine").Logger()
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	cal, err := calendar.New(calendar.Config{
		Timezone: cfg.CalendarConfig.Timezone,
		HalfDays: cfg.CalendarConfig.HalfDays,
		Closures: cfg.CalendarConfig.Closures,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: calendar: %w", err)
	}

	rollover, err := time.Parse("15:04", cfg.TradingConfig.RolloverTime)
	if err != nil {
		return nil, fmt.Errorf("engine: rollover time: %w", err)
	}

	seats, err := seatsFromConfig(cfg.TradingConfig.Seats)
	if err != nil {
		return nil, err
	}

	bus := opts.Bus
	if bus == nil {
		bus = events.NewEventBus()
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		now:        now,
		bus:        bus,
		calendar:   cal,
		vault:      opts.Vault,
		mirror:     opts.Mirror,
		seats:      seats,
		quotes:     opts.Quotes,
		rolloverAt: time.Duration(rollover.Hour())*time.Hour + time.Duration(rollover.Minute())*time.Minute,
	}
	if e.quotes == nil {
		e.quotes = NewStaticQuotes()
	}
	e.lastRollover = cal.TradingDate(now())

	e.ledger = orders.NewLedger(opts.Logger)

	raw := opts.Broker
	if cfg.BrokerConfig.PaperMode {
		e.paper = broker.NewPaperBroker(opts.Logger)
		e.paper.SetClock(now)
		raw = e.paper
	} else if raw == nil {
		return nil, ErrNoLiveBroker
	}

	e.limiter = broker.NewRateLimiter(broker.RateLimiterConfig{
		MaxCalls:    cfg.RateLimitConfig.MaxCalls,
		Window:      time.Duration(cfg.RateLimitConfig.WindowSeconds) * time.Second,
		MinInterval: time.Duration(cfg.RateLimitConfig.MinIntervalMs) * time.Millisecond,
		QueueSize:   broker.DefaultRateLimiterConfig().QueueSize,
	}, opts.Logger)
	e.broker = broker.NewLimitedBroker(raw, e.limiter, broker.DefaultRetryConfig(), opts.Logger)

	e.monitor = monitor.New(e.broker, e.ledger, monitor.NewGate(true), bus, monitorConfig(cfg.MonitorConfig), opts.Logger)
	e.monitor.SetClock(now)
	e.breaker = circuit.New(circuit.Config{
		Enabled:                cfg.CircuitBreakerConfig.Enabled,
		MaxConsecutiveFailures: cfg.CircuitBreakerConfig.MaxConsecutiveFailures,
		MaxFailuresPerHour:     cfg.CircuitBreakerConfig.MaxFailuresPerHour,
		CooldownMinutes:        cfg.CircuitBreakerConfig.CooldownMinutes,
	}, e.monitor.Gate(), bus, opts.Logger)
	e.breaker.SetClock(now)
	e.reconciler = recovery.New(e.broker, e.ledger, bus, opts.Logger)
	e.resolver = orders.NewSmartCloseResolver(e.ledger, cal, opts.Logger)

	if e.paper != nil {
		e.paper.SetListener(e.monitor.HandlePush)
	}
	if e.mirror != nil {
		e.mirror.Attach(bus)
	}
	if opts.Journal != nil {
		opts.Journal.Attach(bus)
	}
	return e, nil
}

func monitorConfig(c config.MonitorConfig) monitor.Config {
	mc := monitor.DefaultConfig()
	mc.BuyTimeout = monitor.TimeoutConfig{Enabled: c.BuyTimeoutEnabled, Seconds: c.BuyTimeoutSeconds}
	mc.SellTimeout = monitor.TimeoutConfig{Enabled: c.SellTimeoutEnabled, Seconds: c.SellTimeoutSeconds}
	mc.PriceChaseEnabled = c.PriceChaseEnabled
	mc.PriceChaseMinDelta = c.PriceChaseMinDelta
	if c.ReplaceAckSeconds > 0 {
		mc.ReplaceAckWindow = time.Duration(c.ReplaceAckSeconds) * time.Second
	}
	return mc
}

func seatsFromConfig(list []config.SeatConfig) ([]recovery.Seat, error) {
	seats := make([]recovery.Seat, 0, len(list))
	for _, s := range list {
		if !orders.IsValidDirection(s.Direction) {
			return nil, fmt.Errorf("engine: seat %s has invalid direction %q", s.Symbol, s.Direction)
		}
		seats = append(seats, recovery.Seat{Symbol: s.Symbol, Direction: orders.Direction(s.Direction)})
	}
	return seats, nil
}

// Accessors used by the API and the entrypoints

func (e *Engine) Ledger() *orders.Ledger       { return e.ledger }
func (e *Engine) Monitor() *monitor.Monitor    { return e.monitor }
func (e *Engine) Bus() *events.EventBus        { return e.bus }
func (e *Engine) Paper() *broker.PaperBroker   { return e.paper }
func (e *Engine) Calendar() *calendar.Snapshot { return e.calendar }
func (e *Engine) Breaker() *circuit.Breaker    { return e.breaker }

// Seats returns a copy of the configured seats
func (e *Engine) Seats() []recovery.Seat {
	return append([]recovery.Seat(nil), e.seats...)
}

// Run recovers state, then drives the tick loop and the push stream until
// ctx is cancelled. The execution gate is closed on return.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.Refresh(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	e.lastRollover = e.calendar.TradingDate(e.now())

	if e.paper == nil {
		stream, err := e.pushStream(ctx)
		if err != nil {
			return err
		}
		e.stream = stream
	}

	g, gctx := errgroup.WithContext(ctx)
	if e.stream != nil {
		g.Go(func() error { return e.stream.Run(gctx) })
	}
	g.Go(func() error { return e.tickLoop(gctx) })

	err := g.Wait()
	e.Shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pushStream builds the order push connection from brokerage credentials
func (e *Engine) pushStream(ctx context.Context) (*broker.PushStream, error) {
	if e.cfg.BrokerConfig.PushURL == "" {
		e.logger.Warn().Msg("No push URL configured, relying on tick reconciliation only")
		return nil, nil
	}
	token := e.cfg.BrokerConfig.AccessToken
	if e.vault != nil {
		creds, err := e.vault.GetCredentials(ctx, CredentialAccount)
		if err != nil {
			return nil, fmt.Errorf("broker credentials: %w", err)
		}
		token = creds.AccessToken
	}
	return broker.NewPushStream(broker.PushStreamConfig{
		URL:   e.cfg.BrokerConfig.PushURL,
		Token: token,
	}, e.monitor.HandlePush, e.logger), nil
}

func (e *Engine) tickLoop(ctx context.Context) error {
	interval := time.Duration(e.cfg.TradingConfig.TickInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one price cycle: rollover check, quote fetch, paper matching,
// then the monitor's timeout and price-chase pass
func (e *Engine) Tick(ctx context.Context) monitor.TickResult {
	e.maybeRollover(ctx)

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	quotes, err := e.quotes.Quotes(ctx, e.symbols())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Quote fetch failed, running timeouts without quotes")
		quotes = nil
	}
	if e.paper != nil && len(quotes) > 0 {
		e.paper.Match(quotes)
	}

	result := e.monitor.ProcessTick(ctx, quotes)
	for _, f := range result.Failures {
		e.logger.Warn().
			Str("order_id", f.OrderID).
			Str("action", f.Action).
			Str("error", f.Message).
			Msg("Tick action failed")
	}
	e.breaker.Record(len(result.Failures))
	return result
}

func (e *Engine) symbols() []string {
	seen := make(map[string]bool, len(e.seats))
	out := make([]string, 0, len(e.seats))
	for _, s := range e.seats {
		if !seen[s.Symbol] {
			seen[s.Symbol] = true
			out = append(out, s.Symbol)
		}
	}
	return out
}

// Refresh rebuilds the ledger from brokerage history and re-tracks every
// live order
func (e *Engine) Refresh(ctx context.Context) (*recovery.Result, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.refreshLocked(ctx)
}

func (e *Engine) refreshLocked(ctx context.Context) (*recovery.Result, error) {
	from := e.now().AddDate(0, 0, -e.cfg.TradingConfig.RecoveryLookbackDay)
	result, err := e.reconciler.Rebuild(ctx, e.seats, from)
	if err != nil {
		return nil, err
	}

	e.monitor.Reset()
	for _, st := range result.Seats {
		for _, o := range st.Active {
			e.monitor.TrackOrder(recovery.TrackedFromSnapshot(st.Seat, o))
		}
	}

	if e.mirror != nil {
		mirrored := make([]database.MirroredOrder, 0, len(result.Active))
		for _, o := range e.monitor.Orders() {
			mirrored = append(mirrored, database.MirroredOrder{
				OrderID:   o.OrderID,
				Symbol:    o.Symbol,
				Side:      string(o.Side),
				Quantity:  o.SubmittedQuantity,
				Filled:    o.FilledQuantity,
				Price:     o.SubmittedPrice,
				Status:    string(o.Status),
				UpdatedAt: e.now(),
			})
		}
		if err := e.mirror.Replace(ctx, mirrored); err != nil {
			e.logger.Warn().Err(err).Msg("Order mirror replace failed")
		}
	}

	e.logger.Info().
		Int("seats", len(result.Seats)).
		Int("active_orders", len(result.Active)).
		Int("lots", e.ledger.TotalLots()).
		Msg("Recovery completed")
	return result, nil
}

// maybeRollover clears the day's state once per trading date after the
// configured local time and rebuilds it from the brokerage
func (e *Engine) maybeRollover(ctx context.Context) {
	now := e.now()
	date := e.calendar.TradingDate(now)
	local := now.In(e.calendar.Location())
	sinceMidnight := local.Sub(time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.calendar.Location()))

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	if date == e.lastRollover || sinceMidnight < e.rolloverAt {
		return
	}

	e.logger.Info().Str("date", date).Msg("Daily rollover")
	if e.vault != nil {
		e.vault.ClearCache()
	}
	e.ledger.ClearAll()
	if _, err := e.refreshLocked(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Rollover recovery failed, will retry next tick")
		return
	}
	e.lastRollover = date
}

// CloseSeat asks the smart close resolver how much of a seat may be sold
// at price and submits the sell through the merge logic
func (e *Engine) CloseSeat(ctx context.Context, symbol string, direction orders.Direction, price float64, available int64, timeoutMinutes *int) (orders.SmartCloseDecision, monitor.MergeDecision, error) {
	decision := e.resolver.Resolve(symbol, direction, price, available, timeoutMinutes)
	if decision.ShouldHold {
		return decision, monitor.MergeDecision{Action: monitor.MergeSkip, Reason: decision.Reason}, nil
	}
	merge, err := e.monitor.ExecuteSellIntent(ctx, monitor.SellIntent{
		Symbol:    symbol,
		Direction: direction,
		Quantity:  decision.Quantity,
		Price:     price,
		OrderType: orders.OrderTypeEnhancedLimit,
		LotIDs:    decision.ClaimedLotIDs,
	})
	return decision, merge, err
}

// Buy places a buy for a seat at price
func (e *Engine) Buy(ctx context.Context, symbol string, direction orders.Direction, quantity int64, price float64) (string, error) {
	return e.monitor.SubmitBuy(ctx, symbol, direction, quantity, price, orders.OrderTypeEnhancedLimit)
}

// Shutdown closes the execution gate and releases the rate limiter
func (e *Engine) Shutdown() {
	e.monitor.Gate().Close()
	e.bus.Publish(events.Event{
		Type: events.EventGateChanged,
		Data: map[string]interface{}{"open": false, "source": "shutdown"},
	})
	e.limiter.Close()
	e.logger.Info().Int("tracked_orders", e.monitor.Len()).Msg("Engine stopped, execution gate closed")
}
