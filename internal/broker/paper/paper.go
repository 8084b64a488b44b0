package paper

import (
	"context"
	"sync"
	"time"

	"nfo-seller-bot/internal/broker"
	"nfo-seller-bot/internal/market"
	"nfo-seller-bot/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const venueName = "paper"

// Broker simulates instant fills at the feed's mark price. Used when
// the operator runs in PAPER mode: the whole execution path stays
// identical, only the venue is synthetic.
type Broker struct {
	feed market.PriceFeed
	log  *zap.Logger

	mu     sync.Mutex
	orders map[string]broker.OrderResult
	book   map[string]int
}

func New(feed market.PriceFeed, log *zap.Logger) *Broker {
	return &Broker{
		feed:   feed,
		log:    log,
		orders: make(map[string]broker.OrderResult),
		book:   make(map[string]int),
	}
}

func (b *Broker) Venue() string { return venueName }

func (b *Broker) Authenticate(ctx context.Context) (broker.Session, error) {
	now := time.Now()
	return broker.Session{Venue: venueName, Token: "paper", IssuedAt: now, ExpiresAt: now.Add(24 * time.Hour)}, nil
}

func (b *Broker) Probe(ctx context.Context) error { return nil }

func (b *Broker) PlaceOrder(ctx context.Context, leg strategy.Leg) (broker.OrderResult, error) {
	price, err := b.feed.Mark(ctx, leg.Instrument)
	if err != nil {
		// no feed price yet: fill at zero, keeps paper flow alive
		b.log.Debug("paper fill without mark", zap.String("instrument", leg.Instrument.String()))
		price = 0
	}
	result := broker.OrderResult{
		OrderID:   uuid.NewString(),
		Status:    broker.StatusComplete,
		FillPrice: price,
	}
	qty := leg.Quantity
	if leg.Side == strategy.Sell {
		qty = -qty
	}
	b.mu.Lock()
	b.orders[result.OrderID] = result
	b.book[leg.Instrument.String()] += qty
	b.mu.Unlock()
	return result, nil
}

func (b *Broker) OrderStatus(ctx context.Context, orderID string) (broker.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if result, ok := b.orders[orderID]; ok {
		return result, nil
	}
	return broker.OrderResult{}, broker.NewError(venueName, broker.KindRejected, "unknown order "+orderID)
}

func (b *Broker) Positions(ctx context.Context) ([]broker.VenuePosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make([]broker.VenuePosition, 0, len(b.book))
	for symbol, qty := range b.book {
		if qty == 0 {
			continue
		}
		positions = append(positions, broker.VenuePosition{Symbol: symbol, Quantity: qty})
	}
	return positions, nil
}

func (b *Broker) CloseLeg(ctx context.Context, leg strategy.Leg) (broker.OrderResult, error) {
	closing := leg
	if leg.Side == strategy.Buy {
		closing.Side = strategy.Sell
	} else {
		closing.Side = strategy.Buy
	}
	return b.PlaceOrder(ctx, closing)
}
