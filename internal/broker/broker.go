package broker

import (
	"context"
	"time"

	"nfo-seller-bot/internal/strategy"
)

type OrderStatus string

const (
	StatusPlaced   OrderStatus = "PLACED"
	StatusComplete OrderStatus = "COMPLETE"
	StatusRejected OrderStatus = "REJECTED"
)

type OrderResult struct {
	OrderID   string
	Status    OrderStatus
	FillPrice float64
}

type VenuePosition struct {
	Symbol   string
	Quantity int
	AvgPrice float64
}

// Session is the authenticated state for one venue. Refresh is
// serialized per venue inside each adapter.
type Session struct {
	Venue     string
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (s Session) Valid(now time.Time) bool {
	return s.Token != "" && now.Before(s.ExpiresAt)
}

// Broker is the uniform capability surface implemented once per venue.
type Broker interface {
	Venue() string
	// Authenticate establishes or refreshes the venue session.
	Authenticate(ctx context.Context) (Session, error)
	// Probe verifies the current session with a cheap authenticated
	// call, refreshing it first when stale.
	Probe(ctx context.Context) error
	PlaceOrder(ctx context.Context, leg strategy.Leg) (OrderResult, error)
	OrderStatus(ctx context.Context, orderID string) (OrderResult, error)
	Positions(ctx context.Context) ([]VenuePosition, error)
	// CloseLeg submits the opposite-side order for a previously
	// opened leg.
	CloseLeg(ctx context.Context, leg strategy.Leg) (OrderResult, error)
}
