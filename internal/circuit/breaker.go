// Package circuit halts order execution when brokerage actions keep failing
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"longbridge-quant-bot/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Execution gate held closed
	StateHalfOpen BreakerState = "half_open" // Gate reopened, next tick decides
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled                bool `json:"enabled"`
	MaxConsecutiveFailures int  `json:"max_consecutive_failures"` // ticks in a row with a failed action
	MaxFailuresPerHour     int  `json:"max_failures_per_hour"`
	CooldownMinutes        int  `json:"cooldown_minutes"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MaxConsecutiveFailures: 3,
		MaxFailuresPerHour:     20,
		CooldownMinutes:        10,
	}
}

// Gate is the execution gate the breaker drives
type Gate interface {
	Open()
	Close()
	IsOpen() bool
}

// Breaker counts failed brokerage actions per tick and closes the execution
// gate when they pile up. After the cooldown it reopens the gate, but only
// if it was the one that closed it.
type Breaker struct {
	config Config
	gate   Gate
	bus    *events.EventBus
	logger zerolog.Logger
	now    func() time.Time

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	hourlyFailures      int
	hourlyResetTime     time.Time
	lastTripTime        time.Time
	tripReason          string
	closedGate          bool
}

// New creates a breaker. bus may be nil.
func New(cfg Config, gate Gate, bus *events.EventBus, logger zerolog.Logger) *Breaker {
	now := time.Now()
	return &Breaker{
		config:          cfg,
		gate:            gate,
		bus:             bus,
		logger:          logger.With().Str("component", "CircuitBreaker").Logger(),
		now:             time.Now,
		state:           StateClosed,
		hourlyResetTime: now.Add(time.Hour),
	}
}

// SetClock replaces the time source
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.hourlyResetTime = now().Add(time.Hour)
}

// Record feeds the number of failed actions of one tick
func (b *Breaker) Record(failures int) {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.resetCountersIfNeeded(now)

	if b.state == StateOpen {
		cooldown := time.Duration(b.config.CooldownMinutes) * time.Minute
		if now.Sub(b.lastTripTime) < cooldown {
			return
		}
		b.state = StateHalfOpen
		if b.closedGate && !b.gate.IsOpen() {
			b.gate.Open()
			b.publishGate(true, "cooldown elapsed")
		}
		b.closedGate = false
		b.logger.Info().Str("reason", b.tripReason).Msg("Cooldown elapsed, breaker half-open")
		return
	}

	if failures <= 0 {
		b.consecutiveFailures = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.tripReason = ""
			b.logger.Info().Msg("Clean tick after cooldown, breaker closed")
		}
		return
	}

	b.consecutiveFailures++
	b.hourlyFailures += failures

	switch {
	case b.state == StateHalfOpen:
		b.trip(now, "failure while half-open")
	case b.consecutiveFailures >= b.config.MaxConsecutiveFailures:
		b.trip(now, fmt.Sprintf("consecutive failing ticks: %d", b.consecutiveFailures))
	case b.hourlyFailures >= b.config.MaxFailuresPerHour:
		b.trip(now, fmt.Sprintf("hourly failures: %d", b.hourlyFailures))
	}
}

func (b *Breaker) trip(now time.Time, reason string) {
	b.state = StateOpen
	b.lastTripTime = now
	b.tripReason = reason
	b.closedGate = b.gate.IsOpen()
	if b.closedGate {
		b.gate.Close()
		b.publishGate(false, reason)
	}
	b.logger.Error().
		Str("reason", reason).
		Int("hourly_failures", b.hourlyFailures).
		Bool("closed_gate", b.closedGate).
		Msg("Circuit breaker tripped")
}

func (b *Breaker) publishGate(open bool, reason string) {
	b.bus.Publish(events.Event{
		Type: events.EventGateChanged,
		Data: map[string]interface{}{"open": open, "source": "circuit", "reason": reason},
	})
}

func (b *Breaker) resetCountersIfNeeded(now time.Time) {
	if now.After(b.hourlyResetTime) {
		b.hourlyFailures = 0
		b.hourlyResetTime = now.Add(time.Hour)
	}
}

// ForceReset closes the breaker, e.g. after an operator reopened the gate
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.tripReason = ""
	b.closedGate = false
}

// GetState returns current breaker state
func (b *Breaker) GetState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetStats returns current statistics
func (b *Breaker) GetStats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]interface{}{
		"enabled":              b.config.Enabled,
		"state":                string(b.state),
		"consecutive_failures": b.consecutiveFailures,
		"hourly_failures":      b.hourlyFailures,
		"trip_reason":          b.tripReason,
		"last_trip_time":       b.lastTripTime,
	}
}
