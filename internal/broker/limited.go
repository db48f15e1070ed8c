package broker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"longbridge-quant-bot/internal/metrics"
)

// RetryConfig controls retries of idempotent brokerage reads
type RetryConfig struct {
	MaxRetries      uint64        `json:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
}

// DefaultRetryConfig returns the query retry policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// LimitedBroker passes every call through the rate limiter. Queries are
// retried on temporary failures; order mutations are never retried here,
// the monitor decides what to do on its next tick.
type LimitedBroker struct {
	next    Broker
	limiter *RateLimiter
	retry   RetryConfig
	logger  zerolog.Logger
}

// NewLimitedBroker wraps next with admission control
func NewLimitedBroker(next Broker, limiter *RateLimiter, retry RetryConfig, logger zerolog.Logger) *LimitedBroker {
	return &LimitedBroker{
		next:    next,
		limiter: limiter,
		retry:   retry,
		logger:  logger.With().Str("component", "LimitedBroker").Logger(),
	}
}

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BrokerCalls.WithLabelValues(op, result).Inc()
}

func (b *LimitedBroker) SubmitOrder(ctx context.Context, req SubmitRequest) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	id, err := b.next.SubmitOrder(ctx, req)
	observe("submit", err)
	if err != nil {
		b.logger.Error().Err(err).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Str("type", string(req.OrderType)).
			Int64("quantity", req.Quantity).
			Msg("Submit failed")
	}
	return id, err
}

func (b *LimitedBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return false, err
	}
	ok, err := b.next.CancelOrder(ctx, orderID)
	observe("cancel", err)
	if err != nil {
		b.logger.Warn().Err(err).Str("order_id", orderID).Msg("Cancel failed")
	}
	return ok, err
}

func (b *LimitedBroker) ReplaceOrder(ctx context.Context, orderID string, price float64, quantity int64) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	err := b.next.ReplaceOrder(ctx, orderID, price, quantity)
	observe("replace", err)
	if err != nil {
		b.logger.Warn().Err(err).Str("order_id", orderID).Float64("price", price).Msg("Replace failed")
	}
	return err
}

func (b *LimitedBroker) QueryOrders(ctx context.Context, query OrderQuery) ([]OrderSnapshot, error) {
	var result []OrderSnapshot
	op := func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		snaps, err := b.next.QueryOrders(ctx, query)
		observe("query", err)
		if err != nil {
			if !IsTemporary(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = snaps
		return nil
	}

	notify := func(err error, wait time.Duration) {
		b.logger.Warn().Err(err).Dur("retry_in", wait).Str("symbol", query.Symbol).Msg("Order query failed, retrying")
	}

	if err := backoff.RetryNotify(op, b.newBackOff(ctx), notify); err != nil {
		return nil, err
	}
	return result, nil
}

func (b *LimitedBroker) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if b.retry.InitialInterval > 0 {
		exp.InitialInterval = b.retry.InitialInterval
	}
	if b.retry.MaxInterval > 0 {
		exp.MaxInterval = b.retry.MaxInterval
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, b.retry.MaxRetries), ctx)
}
