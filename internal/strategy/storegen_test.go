package strategy

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (s *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memStore) Close() error { return nil }

func sampleLegSet(expiry time.Time) LegSet {
	return LegSet{
		Underlying: "NIFTY",
		Expiry:     expiry,
		NetPremium: 120,
		Target:     3000,
		StopLoss:   -2000,
		Legs: []Leg{
			{Role: RoleHedgeBuy, Instrument: Instrument{Underlying: "NIFTY", Expiry: expiry, Strike: 25200, Kind: Call}, Side: Buy, Quantity: 75, Venue: "flattrade"},
			{Role: RoleMainSell, Instrument: Instrument{Underlying: "NIFTY", Expiry: expiry, Strike: 24700, Kind: Call}, Side: Sell, Quantity: 75, Venue: "flattrade"},
		},
	}
}

func TestStoreGeneratorServesSeededLegSet(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	asOf := time.Date(2025, time.August, 27, 9, 15, 0, 0, time.UTC)
	expiry := asOf.AddDate(0, 0, 7)

	if err := SeedLegSet(ctx, store, sampleLegSet(expiry)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	legs, err := NewStoreGenerator(store).Generate(ctx, "NIFTY", asOf)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(legs.HedgeLegs()) != 1 || len(legs.MainLegs()) != 1 {
		t.Fatalf("roles wrong: %+v", legs.Legs)
	}
	if legs.LotSize != 75 || legs.Lots != 1 {
		t.Fatalf("sizing defaults not applied: lot_size=%d lots=%d", legs.LotSize, legs.Lots)
	}
}

func TestStoreGeneratorMissingSeed(t *testing.T) {
	_, err := NewStoreGenerator(newMemStore()).Generate(context.Background(), "NIFTY", time.Now())
	if err == nil {
		t.Fatal("expected error for unseeded underlying")
	}
}

func TestStoreGeneratorRejectsExpiredSet(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	asOf := time.Date(2025, time.August, 27, 9, 15, 0, 0, time.UTC)

	if err := SeedLegSet(ctx, store, sampleLegSet(asOf.AddDate(0, 0, -1))); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := NewStoreGenerator(store).Generate(ctx, "NIFTY", asOf); err == nil {
		t.Fatal("expected error for stale expiry")
	}
}

func TestStoreGeneratorRejectsEmptyMains(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	asOf := time.Date(2025, time.August, 27, 9, 15, 0, 0, time.UTC)
	legs := sampleLegSet(asOf.AddDate(0, 0, 7))
	legs.Legs = legs.Legs[:1]

	if err := SeedLegSet(ctx, store, legs); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := NewStoreGenerator(store).Generate(ctx, "NIFTY", asOf); err == nil {
		t.Fatal("expected error for leg set without main legs")
	}
}
