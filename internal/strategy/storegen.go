package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nfo-seller-bot/internal/state"
)

const legSetPrefix = "strategy:legset:"

// StoreGenerator reads an operator-seeded leg set template from the
// store. Strike derivation itself lives outside this process; an
// analytics job (or the operator) writes the day's template under
// strategy:legset:<underlying> and this generator hands it to the
// scheduler.
type StoreGenerator struct {
	store state.Store
}

func NewStoreGenerator(store state.Store) *StoreGenerator {
	return &StoreGenerator{store: store}
}

func (g *StoreGenerator) Generate(ctx context.Context, underlying string, asOf time.Time) (LegSet, error) {
	raw, ok, err := g.store.Get(ctx, legSetPrefix+underlying)
	if err != nil {
		return LegSet{}, err
	}
	if !ok {
		return LegSet{}, fmt.Errorf("no leg set seeded for %s", underlying)
	}
	var legs LegSet
	if err := json.Unmarshal([]byte(raw), &legs); err != nil {
		return LegSet{}, fmt.Errorf("decode leg set for %s: %w", underlying, err)
	}
	if len(legs.MainLegs()) == 0 {
		return LegSet{}, fmt.Errorf("leg set for %s has no main legs", underlying)
	}
	if legs.Expiry.Before(asOf) {
		return LegSet{}, fmt.Errorf("leg set for %s expired %s", underlying, legs.Expiry.Format("02-Jan-2006"))
	}
	if legs.Underlying == "" {
		legs.Underlying = underlying
	}
	if legs.LotSize == 0 {
		legs.LotSize = LotSizeFor(underlying)
	}
	if legs.Lots == 0 {
		legs.Lots = 1
	}
	return legs, nil
}

// SeedLegSet persists a leg set template for the generator to serve.
func SeedLegSet(ctx context.Context, store state.Store, legs LegSet) error {
	if legs.Underlying == "" {
		return fmt.Errorf("leg set underlying is required")
	}
	data, err := json.Marshal(legs)
	if err != nil {
		return err
	}
	return store.Set(ctx, legSetPrefix+legs.Underlying, string(data))
}
