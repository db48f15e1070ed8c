package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"longbridge-quant-bot/internal/events"
)

// querier is the subset of *pgxpool.Pool the journal uses
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// JournalEntry is one persisted order lifecycle event
type JournalEntry struct {
	ID          int64     `json:"id"`
	EventType   string    `json:"event_type"`
	OrderID     string    `json:"order_id"`
	FromOrderID string    `json:"from_order_id,omitempty"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    int64     `json:"quantity"`
	Filled      int64     `json:"filled"`
	Price       float64   `json:"price"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// FillJournal appends order lifecycle events to PostgreSQL. It is an audit
// trail; recovery always rebuilds from the brokerage history.
type FillJournal struct {
	db     querier
	logger zerolog.Logger
}

// NewFillJournal creates a journal over db (usually DB.Pool)
func NewFillJournal(db querier, logger zerolog.Logger) *FillJournal {
	return &FillJournal{
		db:     db,
		logger: logger.With().Str("component", "FillJournal").Logger(),
	}
}

// Attach subscribes the journal to the lifecycle events it records
func (j *FillJournal) Attach(bus *events.EventBus) {
	bus.SubscribeAll(func(ev events.Event) {
		entry, ok := entryFromEvent(ev)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := j.Record(ctx, entry); err != nil {
			j.logger.Error().Err(err).Str("order_id", entry.OrderID).Str("event", entry.EventType).Msg("Failed to journal event")
		}
	})
}

// Record inserts one entry
func (j *FillJournal) Record(ctx context.Context, e JournalEntry) error {
	query := `
		INSERT INTO order_events (event_type, order_id, from_order_id, symbol, side, quantity, filled, price, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8, $9)`

	if _, err := j.db.Exec(ctx, query,
		e.EventType, e.OrderID, e.FromOrderID, e.Symbol, e.Side,
		e.Quantity, e.Filled, e.Price, e.OccurredAt,
	); err != nil {
		return fmt.Errorf("failed to insert order event: %w", err)
	}
	return nil
}

// Recent returns the latest entries of a symbol, newest first. An empty
// symbol returns all symbols.
func (j *FillJournal) Recent(ctx context.Context, symbol string, limit int) ([]JournalEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, event_type, order_id, COALESCE(from_order_id, ''), symbol, COALESCE(side, ''),
		       quantity, filled, COALESCE(price, 0)::float8, occurred_at
		FROM order_events
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2`

	rows, err := j.db.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query order events: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(
			&e.ID, &e.EventType, &e.OrderID, &e.FromOrderID, &e.Symbol, &e.Side,
			&e.Quantity, &e.Filled, &e.Price, &e.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func entryFromEvent(ev events.Event) (JournalEntry, bool) {
	switch ev.Type {
	case events.EventOrderTracked, events.EventOrderPartialFilled, events.EventOrderFilled,
		events.EventOrderCancelled, events.EventOrderRejected, events.EventOrderReplaced,
		events.EventOrderConverted, events.EventLotAdded, events.EventClaimReleased:
	default:
		return JournalEntry{}, false
	}

	orderID := ev.String("order_id")
	if ev.Type == events.EventLotAdded {
		orderID = ev.String("lot_id")
	}
	if orderID == "" {
		return JournalEntry{}, false
	}
	return JournalEntry{
		EventType:   string(ev.Type),
		OrderID:     orderID,
		FromOrderID: ev.String("from_order_id"),
		Symbol:      ev.String("symbol"),
		Side:        ev.String("side"),
		Quantity:    int64Field(ev.Data, "quantity"),
		Filled:      int64Field(ev.Data, "filled"),
		Price:       float64Field(ev.Data, "price"),
		OccurredAt:  ev.Timestamp,
	}, true
}
