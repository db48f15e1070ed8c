package engine

import (
	"context"
	"sync"
)

// QuoteSource supplies the latest price per symbol for one tick. Symbols
// without a usable quote are left out of the map.
type QuoteSource interface {
	Quotes(ctx context.Context, symbols []string) (map[string]float64, error)
}

// StaticQuotes is a QuoteSource fed by Set, used in paper mode and tests
type StaticQuotes struct {
	mu     sync.RWMutex
	prices map[string]float64
}

// NewStaticQuotes creates an empty quote table
func NewStaticQuotes() *StaticQuotes {
	return &StaticQuotes{prices: make(map[string]float64)}
}

// Set records the price of symbol. A non-positive price removes it.
func (q *StaticQuotes) Set(symbol string, price float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if price <= 0 {
		delete(q.prices, symbol)
		return
	}
	q.prices[symbol] = price
}

func (q *StaticQuotes) Quotes(ctx context.Context, symbols []string) (map[string]float64, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := q.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}
