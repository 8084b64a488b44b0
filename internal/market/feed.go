package market

import (
	"context"
	"errors"
	"sync"

	"nfo-seller-bot/internal/strategy"
)

// ErrNoMark means the feed has no price for the instrument yet.
var ErrNoMark = errors.New("no mark price available")

// PriceFeed supplies the latest traded price for an option contract.
type PriceFeed interface {
	Mark(ctx context.Context, inst strategy.Instrument) (float64, error)
}

// StaticFeed serves fixed marks from memory. Used for paper trading
// fallbacks and tests.
type StaticFeed struct {
	mu    sync.RWMutex
	marks map[string]float64
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{marks: make(map[string]float64)}
}

func (f *StaticFeed) SetMark(inst strategy.Instrument, price float64) {
	f.mu.Lock()
	f.marks[inst.String()] = price
	f.mu.Unlock()
}

func (f *StaticFeed) Mark(ctx context.Context, inst strategy.Instrument) (float64, error) {
	f.mu.RLock()
	price, ok := f.marks[inst.String()]
	f.mu.RUnlock()
	if !ok {
		return 0, ErrNoMark
	}
	return price, nil
}
