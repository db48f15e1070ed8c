package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"longbridge-quant-bot/internal/events"
)

// Redis key prefixes for the tracked-order mirror
const (
	// TrackedOrderKeyPrefix is the prefix of one mirrored order
	// Format: quant:tracked_order:{symbol}:{orderID}
	TrackedOrderKeyPrefix = "quant:tracked_order"

	// TrackedOrderListKey is the set of all mirrored order keys
	TrackedOrderListKey = "quant:tracked_orders:list"

	// DefaultMirrorTTL bounds how long an entry outlives a missed removal
	DefaultMirrorTTL = 24 * time.Hour
)

// MirroredOrder is the Redis view of one tracked order
type MirroredOrder struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Quantity  int64     `json:"quantity"`
	Filled    int64     `json:"filled"`
	Price     float64   `json:"price"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type mirrorAction int

const (
	mirrorIgnore mirrorAction = iota
	mirrorUpsert
	mirrorRemove
)

// RedisOrderMirror keeps a Redis copy of the orders the monitor tracks so
// dashboards and operators can inspect them without reaching the engine
type RedisOrderMirror struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisOrderMirror creates a mirror. ttl <= 0 uses DefaultMirrorTTL.
func NewRedisOrderMirror(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisOrderMirror {
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	return &RedisOrderMirror{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "OrderMirror").Logger(),
	}
}

// Attach subscribes the mirror to order lifecycle events
func (m *RedisOrderMirror) Attach(bus *events.EventBus) {
	bus.SubscribeAll(func(ev events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Apply(ctx, ev); err != nil {
			m.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Mirror update failed")
		}
	})
}

// Apply updates the mirror for one lifecycle event
func (m *RedisOrderMirror) Apply(ctx context.Context, ev events.Event) error {
	switch actionFor(ev.Type) {
	case mirrorUpsert:
		order, ok := mirroredFromEvent(ev)
		if !ok {
			return nil
		}
		return m.Put(ctx, order)
	case mirrorRemove:
		if err := m.Remove(ctx, ev.String("symbol"), ev.String("order_id")); err != nil {
			return err
		}
	}
	if ev.Type == events.EventOrderConverted {
		return m.Remove(ctx, ev.String("symbol"), ev.String("from_order_id"))
	}
	return nil
}

// Put stores or refreshes a mirrored order
func (m *RedisOrderMirror) Put(ctx context.Context, order MirroredOrder) error {
	if m.client == nil {
		return fmt.Errorf("redis client not available")
	}

	key := orderKey(order.Symbol, order.OrderID)
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, key, data, m.ttl)
	pipe.SAdd(ctx, TrackedOrderListKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store order in Redis: %w", err)
	}
	return nil
}

// Remove deletes a mirrored order
func (m *RedisOrderMirror) Remove(ctx context.Context, symbol, orderID string) error {
	if m.client == nil || orderID == "" {
		return nil
	}

	key := orderKey(symbol, orderID)
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, TrackedOrderListKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove order %s from Redis: %w", orderID, err)
	}
	return nil
}

// Replace swaps the whole mirror for the given orders. Used after recovery.
func (m *RedisOrderMirror) Replace(ctx context.Context, orders []MirroredOrder) error {
	if m.client == nil {
		return fmt.Errorf("redis client not available")
	}

	keys, err := m.client.SMembers(ctx, TrackedOrderListKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get mirrored order keys: %w", err)
	}

	pipe := m.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, TrackedOrderListKey)
	for _, order := range orders {
		data, err := json.Marshal(order)
		if err != nil {
			return fmt.Errorf("failed to marshal order: %w", err)
		}
		key := orderKey(order.Symbol, order.OrderID)
		pipe.Set(ctx, key, data, m.ttl)
		pipe.SAdd(ctx, TrackedOrderListKey, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to replace mirror: %w", err)
	}

	m.logger.Info().Int("orders", len(orders)).Msg("Order mirror replaced")
	return nil
}

// List returns all mirrored orders
func (m *RedisOrderMirror) List(ctx context.Context) ([]MirroredOrder, error) {
	if m.client == nil {
		return nil, fmt.Errorf("redis client not available")
	}

	keys, err := m.client.SMembers(ctx, TrackedOrderListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get mirrored order keys: %w", err)
	}

	var out []MirroredOrder
	for _, key := range keys {
		data, err := m.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// Expired, drop from the set
			m.client.SRem(ctx, TrackedOrderListKey, key)
			continue
		} else if err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Failed to read mirrored order")
			continue
		}

		var order MirroredOrder
		if err := json.Unmarshal([]byte(data), &order); err != nil {
			m.logger.Warn().Err(err).Str("key", key).Msg("Failed to decode mirrored order")
			continue
		}
		out = append(out, order)
	}
	return out, nil
}

// Ping checks the Redis connection
func (m *RedisOrderMirror) Ping(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("redis client not available")
	}
	return m.client.Ping(ctx).Err()
}

func orderKey(symbol, orderID string) string {
	return fmt.Sprintf("%s:%s:%s", TrackedOrderKeyPrefix, symbol, orderID)
}

func actionFor(t events.EventType) mirrorAction {
	switch t {
	case events.EventOrderTracked, events.EventOrderPartialFilled, events.EventOrderReplaced:
		return mirrorUpsert
	case events.EventOrderFilled, events.EventOrderCancelled, events.EventOrderRejected:
		return mirrorRemove
	}
	return mirrorIgnore
}

var statusByEvent = map[events.EventType]string{
	events.EventOrderTracked:       "SUBMITTED",
	events.EventOrderPartialFilled: "PARTIAL_FILLED",
	events.EventOrderReplaced:      "SUBMITTED",
}

func mirroredFromEvent(ev events.Event) (MirroredOrder, bool) {
	order := MirroredOrder{
		OrderID:   ev.String("order_id"),
		Symbol:    ev.String("symbol"),
		Side:      ev.String("side"),
		Quantity:  int64Field(ev.Data, "quantity"),
		Filled:    int64Field(ev.Data, "filled"),
		Price:     float64Field(ev.Data, "price"),
		Status:    statusByEvent[ev.Type],
		UpdatedAt: ev.Timestamp,
	}
	if order.OrderID == "" || order.Symbol == "" {
		return MirroredOrder{}, false
	}
	if order.Status == "SUBMITTED" && order.Filled > 0 {
		order.Status = "PARTIAL_FILLED"
	}
	return order, true
}

func int64Field(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func float64Field(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
