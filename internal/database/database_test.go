package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"longbridge-quant-bot/internal/events"
)

func orderEvent(t events.EventType, orderID string, filled int64) events.Event {
	return events.Event{
		Type:      t,
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Data: map[string]interface{}{
			"order_id": orderID,
			"symbol":   "12345.HK",
			"side":     "SELL",
			"quantity": int64(1000),
			"filled":   filled,
			"price":    0.105,
		},
	}
}

// ==================== Redis mirror ====================

func TestOrderKey(t *testing.T) {
	got := orderKey("12345.HK", "O-1")
	expected := "quant:tracked_order:12345.HK:O-1"
	if got != expected {
		t.Errorf("Expected %s, got %s", expected, got)
	}
}

func TestActionFor(t *testing.T) {
	tests := []struct {
		event    events.EventType
		expected mirrorAction
	}{
		{events.EventOrderTracked, mirrorUpsert},
		{events.EventOrderPartialFilled, mirrorUpsert},
		{events.EventOrderReplaced, mirrorUpsert},
		{events.EventOrderFilled, mirrorRemove},
		{events.EventOrderCancelled, mirrorRemove},
		{events.EventOrderRejected, mirrorRemove},
		{events.EventOrderConverted, mirrorIgnore},
		{events.EventLotAdded, mirrorIgnore},
		{events.EventGateChanged, mirrorIgnore},
	}

	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			if got := actionFor(tt.event); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestMirroredFromEvent(t *testing.T) {
	order, ok := mirroredFromEvent(orderEvent(events.EventOrderTracked, "O-1", 0))
	if !ok {
		t.Fatal("Expected event to convert")
	}
	if order.Status != "SUBMITTED" || order.Quantity != 1000 || order.Price != 0.105 {
		t.Errorf("Unexpected mirrored order %+v", order)
	}

	order, _ = mirroredFromEvent(orderEvent(events.EventOrderReplaced, "O-1", 300))
	if order.Status != "PARTIAL_FILLED" {
		t.Errorf("Expected PARTIAL_FILLED after fills, got %s", order.Status)
	}

	if _, ok := mirroredFromEvent(events.Event{Type: events.EventOrderTracked, Data: map[string]interface{}{}}); ok {
		t.Error("Expected event without order id to be skipped")
	}
}

func TestMirrorWithoutClient(t *testing.T) {
	m := NewRedisOrderMirror(nil, 0, zerolog.Nop())
	if m.ttl != DefaultMirrorTTL {
		t.Errorf("Expected default ttl, got %v", m.ttl)
	}
	if err := m.Apply(context.Background(), orderEvent(events.EventOrderTracked, "O-1", 0)); err == nil {
		t.Error("Expected error without redis client")
	}
	if err := m.Apply(context.Background(), orderEvent(events.EventOrderFilled, "O-1", 1000)); err != nil {
		t.Errorf("Expected removal without client to be a no-op, got %v", err)
	}
}

// ==================== Fill journal ====================

type fakeQuerier struct {
	sql  string
	args []any
	err  error
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func TestEntryFromEvent(t *testing.T) {
	conv := events.Event{
		Type: events.EventOrderConverted,
		Data: map[string]interface{}{
			"order_id":      "M-1",
			"from_order_id": "O-1",
			"symbol":        "12345.HK",
			"quantity":      int64(700),
		},
	}
	entry, ok := entryFromEvent(conv)
	if !ok {
		t.Fatal("Expected conversion to be journaled")
	}
	if entry.OrderID != "M-1" || entry.FromOrderID != "O-1" || entry.Quantity != 700 {
		t.Errorf("Unexpected entry %+v", entry)
	}

	lot := events.Event{Type: events.EventLotAdded, Data: map[string]interface{}{
		"lot_id": "B-1", "symbol": "12345.HK", "quantity": int64(500), "price": 0.1,
	}}
	entry, ok = entryFromEvent(lot)
	if !ok || entry.OrderID != "B-1" {
		t.Errorf("Expected lot event keyed by lot id, got %+v (ok=%v)", entry, ok)
	}

	if _, ok := entryFromEvent(events.Event{Type: events.EventGateChanged}); ok {
		t.Error("Expected gate events to be skipped")
	}
}

func TestRecordPassesEntryFields(t *testing.T) {
	q := &fakeQuerier{}
	j := NewFillJournal(q, zerolog.Nop())

	entry, _ := entryFromEvent(orderEvent(events.EventOrderFilled, "O-1", 1000))
	if err := j.Record(context.Background(), entry); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if len(q.args) != 9 {
		t.Fatalf("Expected 9 args, got %d", len(q.args))
	}
	if q.args[0] != "ORDER_FILLED" || q.args[1] != "O-1" || q.args[6] != int64(1000) {
		t.Errorf("Unexpected args %v", q.args)
	}

	q.err = errors.New("connection reset")
	if err := j.Record(context.Background(), entry); err == nil {
		t.Error("Expected insert error to be returned")
	}
}

func TestRecentWrapsQueryError(t *testing.T) {
	j := NewFillJournal(&fakeQuerier{}, zerolog.Nop())
	if _, err := j.Recent(context.Background(), "", 10); err == nil {
		t.Error("Expected query error")
	}
}
