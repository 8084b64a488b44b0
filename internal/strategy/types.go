package strategy

import (
	"fmt"
	"time"
)

type OptionKind string

const (
	Call OptionKind = "CE"
	Put  OptionKind = "PE"
)

type Side string

const (
	Buy  Side = "B"
	Sell Side = "S"
)

// Role orders legs into execution phases: hedge buys must be fully
// filled before any premium-selling leg is submitted.
type Role string

const (
	RoleHedgeBuy Role = "HEDGE_BUY"
	RoleMainSell Role = "MAIN_SELL"
)

// Instrument identifies one option contract independent of any venue's
// symbol convention.
type Instrument struct {
	Underlying string     `json:"underlying"`
	Expiry     time.Time  `json:"expiry"`
	Strike     int        `json:"strike"`
	Kind       OptionKind `json:"kind"`
}

func (i Instrument) String() string {
	return fmt.Sprintf("%s %s %d%s", i.Underlying, i.Expiry.Format("02-Jan-2006"), i.Strike, i.Kind)
}

type Leg struct {
	Role       Role       `json:"role"`
	Instrument Instrument `json:"instrument"`
	Side       Side       `json:"side"`
	Quantity   int        `json:"quantity"`
	Venue      string     `json:"venue"`
}

// LegSet is immutable once generated for a job's current attempt.
type LegSet struct {
	Underlying string    `json:"underlying"`
	Expiry     time.Time `json:"expiry"`
	NetPremium float64   `json:"net_premium"`
	Target     float64   `json:"target"`
	StopLoss   float64   `json:"stop_loss"`
	LotSize    int       `json:"lot_size"`
	Lots       int       `json:"lots"`
	Legs       []Leg     `json:"legs"`
}

// HedgeLegs returns the protective phase in submission order.
func (s LegSet) HedgeLegs() []Leg {
	return s.byRole(RoleHedgeBuy)
}

// MainLegs returns the exposure phase in submission order.
func (s LegSet) MainLegs() []Leg {
	return s.byRole(RoleMainSell)
}

func (s LegSet) byRole(role Role) []Leg {
	var legs []Leg
	for _, leg := range s.Legs {
		if leg.Role == role {
			legs = append(legs, leg)
		}
	}
	return legs
}

// LotSizeFor returns the exchange lot size per index. NIFTY trades 75
// per lot, BANKNIFTY 35.
func LotSizeFor(underlying string) int {
	if underlying == "BANKNIFTY" {
		return 35
	}
	return 75
}
