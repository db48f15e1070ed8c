package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"longbridge-quant-bot/internal/metrics"
)

// RateLimiterConfig bounds brokerage call admission
type RateLimiterConfig struct {
	MaxCalls    int           `json:"max_calls"`    // calls per rolling window
	Window      time.Duration `json:"window"`       // rolling window length
	MinInterval time.Duration `json:"min_interval"` // minimum spacing between calls
	QueueSize   int           `json:"queue_size"`
}

// DefaultRateLimiterConfig matches the brokerage trade API limits
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxCalls:    30,
		Window:      30 * time.Second,
		MinInterval: 20 * time.Millisecond,
		QueueSize:   256,
	}
}

type admission struct {
	ctx    context.Context
	result chan error
}

// RateLimiter admits brokerage calls one at a time in arrival order. A call
// is admitted when the rolling window has room and the minimum spacing since
// the previous call has passed.
type RateLimiter struct {
	mu    sync.Mutex
	cfg   RateLimiterConfig
	calls []time.Time // admission times inside the window

	spacing *rate.Limiter
	queue   chan admission
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	admitted int64
	delayed  int64
	logger   zerolog.Logger
}

// NewRateLimiter starts the admission dispatcher. Close stops it.
func NewRateLimiter(cfg RateLimiterConfig, logger zerolog.Logger) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = def.MaxCalls
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	r := &RateLimiter{
		cfg:     cfg,
		spacing: rate.NewLimiter(limit, 1),
		queue:   make(chan admission, cfg.QueueSize),
		stop:    make(chan struct{}),
		logger:  logger.With().Str("component", "RateLimiter").Logger(),
	}
	r.wg.Add(1)
	go r.dispatch()
	return r
}

// Wait blocks until the caller is admitted or ctx is done
func (r *RateLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	req := admission{ctx: ctx, result: make(chan error, 1)}

	select {
	case r.queue <- req:
	case <-r.stop:
		return ErrLimiterClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		metrics.RateLimitWait.Observe(time.Since(start).Seconds())
		return err
	case <-r.stop:
		return ErrLimiterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RateLimiter) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case req := <-r.queue:
			if err := req.ctx.Err(); err != nil {
				req.result <- err
				continue
			}
			at, err := r.admit(req.ctx)
			if err == nil {
				// the caller may have given up while it was being admitted
				if ctxErr := req.ctx.Err(); ctxErr != nil {
					r.refund(at)
					err = ctxErr
				}
			}
			req.result <- err
		}
	}
}

// admit runs on the dispatcher goroutine only
func (r *RateLimiter) admit(ctx context.Context) (time.Time, error) {
	if err := r.spacing.Wait(ctx); err != nil {
		return time.Time{}, err
	}

	for {
		now := time.Now()
		r.mu.Lock()
		r.pruneLocked(now)
		if len(r.calls) < r.cfg.MaxCalls {
			r.calls = append(r.calls, now)
			r.admitted++
			r.mu.Unlock()
			return now, nil
		}
		wait := r.calls[0].Add(r.cfg.Window).Sub(now)
		r.delayed++
		r.mu.Unlock()

		r.logger.Debug().Dur("wait", wait).Int("max_calls", r.cfg.MaxCalls).Msg("Call window full, delaying admission")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ctx.Err()
		case <-r.stop:
			timer.Stop()
			return time.Time{}, ErrLimiterClosed
		}
	}
}

// refund gives back the window slot taken at at
func (r *RateLimiter) refund(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if r.calls[i].Equal(at) {
			r.calls = append(r.calls[:i], r.calls[i+1:]...)
			r.admitted--
			return
		}
	}
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.cfg.Window)
	i := 0
	for i < len(r.calls) && !r.calls[i].After(cutoff) {
		i++
	}
	r.calls = r.calls[i:]
}

// Close stops the dispatcher; queued and later callers get ErrLimiterClosed
func (r *RateLimiter) Close() {
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
	})
}

// GetStatus returns the current limiter state
func (r *RateLimiter) GetStatus() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(time.Now())
	return map[string]interface{}{
		"calls_in_window": len(r.calls),
		"max_calls":       r.cfg.MaxCalls,
		"window_seconds":  r.cfg.Window.Seconds(),
		"min_interval_ms": r.cfg.MinInterval.Milliseconds(),
		"queued":          len(r.queue),
		"admitted_total":  r.admitted,
		"delayed_total":   r.delayed,
	}
}
