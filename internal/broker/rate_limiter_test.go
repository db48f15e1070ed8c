package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxCalls: 2, Window: 200 * time.Millisecond}, zerolog.Nop())
	defer rl.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("Wait %d failed: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("Expected third call to wait for the window, elapsed %v", elapsed)
	}
	if got := rl.GetStatus()["delayed_total"].(int64); got == 0 {
		t.Error("Expected at least one delayed admission")
	}
}

func TestRateLimiterMinInterval(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxCalls: 100, Window: time.Second, MinInterval: 50 * time.Millisecond}, zerolog.Nop())
	defer rl.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Expected calls spaced by 50ms, elapsed %v", elapsed)
	}
}

func TestRateLimiterIsFIFO(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxCalls: 1, Window: 60 * time.Millisecond}, zerolog.Nop())
	defer rl.Close()

	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	for _, name := range []string{"A", "B", "C"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := rl.Wait(context.Background()); err != nil {
				t.Errorf("Wait %s failed: %v", name, err)
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}(name)
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	if len(order) != 3 || order[0] != "A" || order[1] != "B" || order[2] != "C" {
		t.Errorf("Expected admission order [A B C], got %v", order)
	}
}

func TestRateLimiterHonorsContext(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxCalls: 1, Window: 10 * time.Second}, zerolog.Nop())
	defer rl.Close()

	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rl.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

// lateCancelContext reports cancellation from its second Err call on, as if
// the caller gave up while the dispatcher was admitting it
type lateCancelContext struct {
	context.Context
	calls int32
}

func (c *lateCancelContext) Err() error {
	if atomic.AddInt32(&c.calls, 1) > 1 {
		return context.Canceled
	}
	return nil
}

func TestRateLimiterReturnsSlotOfAbandonedCaller(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxCalls: 1, Window: time.Hour}, zerolog.Nop())
	defer rl.Close()

	err := rl.Wait(&lateCancelContext{Context: context.Background()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if got := rl.GetStatus()["calls_in_window"].(int); got != 0 {
		t.Errorf("Expected slot returned, got %d calls in window", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rl.Wait(ctx); err != nil {
		t.Errorf("Expected next caller admitted at once, got %v", err)
	}
}

func TestRateLimiterClosed(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig(), zerolog.Nop())
	rl.Close()
	rl.Close()

	if err := rl.Wait(context.Background()); !errors.Is(err, ErrLimiterClosed) {
		t.Errorf("Expected ErrLimiterClosed, got %v", err)
	}
}
