package position

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"nfo-seller-bot/internal/settings"
	"nfo-seller-bot/internal/strategy"

	"go.uber.org/zap"
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
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) Close() error { return nil }

func samplePosition(id string) *Position {
	expiry := time.Date(2025, time.September, 2, 0, 0, 0, 0, time.UTC)
	return &Position{
		ID:           id,
		JobID:        "job-" + id,
		Mode:         settings.ModeLive,
		Status:       StatusOpen,
		EntryPremium: 120,
		Target:       3000,
		StopLoss:     -2000,
		LotSize:      75,
		Lots:         1,
		Legs: []FilledLeg{
			{Leg: strategy.Leg{Role: strategy.RoleMainSell, Instrument: strategy.Instrument{Underlying: "NIFTY", Expiry: expiry, Strike: 24700, Kind: strategy.Call}, Side: strategy.Sell, Quantity: 75}, Venue: "flattrade", OrderID: "o1", FillPrice: 140},
			{Leg: strategy.Leg{Role: strategy.RoleHedgeBuy, Instrument: strategy.Instrument{Underlying: "NIFTY", Expiry: expiry, Strike: 25200, Kind: strategy.Call}, Side: strategy.Buy, Quantity: 75}, Venue: "flattrade", OrderID: "o2", FillPrice: 20},
		},
		OpenedAt: time.Now(),
	}
}

func TestBookAddGetUpdate(t *testing.T) {
	book := NewBook(newMemStore(), zap.NewNop())
	ctx := context.Background()
	if err := book.Add(ctx, samplePosition("p1")); err != nil {
		t.Fatalf("add: %v", err)
	}

	pos, ok := book.Get("p1")
	if !ok {
		t.Fatal("position missing")
	}
	if len(pos.MainLegs()) != 1 || len(pos.HedgeLegs()) != 1 {
		t.Fatalf("role split wrong: %+v", pos.Legs)
	}

	if err := book.Update(ctx, "p1", func(p *Position) {
		p.PnL = 1500
		if p.PnL > p.MaxProfit {
			p.MaxProfit = p.PnL
		}
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	pos, _ = book.Get("p1")
	if pos.PnL != 1500 || pos.MaxProfit != 1500 {
		t.Fatalf("update not applied: %+v", pos)
	}
}

func TestBookArchiveIsOneShot(t *testing.T) {
	store := newMemStore()
	book := NewBook(store, zap.NewNop())
	ctx := context.Background()
	if err := book.Add(ctx, samplePosition("p1")); err != nil {
		t.Fatalf("add: %v", err)
	}

	closedAt := time.Now()
	archived, ok, err := book.Archive(ctx, "p1", StatusClosed, "TARGET", closedAt)
	if err != nil || !ok {
		t.Fatalf("archive: ok=%v err=%v", ok, err)
	}
	if archived.Status != StatusClosed || archived.CloseReason != "TARGET" {
		t.Fatalf("archived fields wrong: %+v", archived)
	}

	if _, ok, _ := book.Archive(ctx, "p1", StatusClosed, "TARGET", closedAt); ok {
		t.Fatal("second archive must be a no-op")
	}
	if _, ok := book.Get("p1"); ok {
		t.Fatal("archived position still open")
	}
	if _, ok, _ := store.Get(ctx, "position:open:p1"); ok {
		t.Fatal("open key not deleted")
	}
	if _, ok, _ := store.Get(ctx, "position:closed:p1"); !ok {
		t.Fatal("archive key missing")
	}
}

func TestBookRestore(t *testing.T) {
	store := newMemStore()
	book := NewBook(store, zap.NewNop())
	ctx := context.Background()
	book.Add(ctx, samplePosition("p1"))
	book.Add(ctx, samplePosition("p2"))
	book.Archive(ctx, "p2", StatusClosed, "MANUAL", time.Now())

	reloaded := NewBook(store, zap.NewNop())
	if err := reloaded.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	open := reloaded.Open()
	if len(open) != 1 || open[0].ID != "p1" {
		t.Fatalf("expected only p1 restored, got %+v", open)
	}
}

func TestAlertBookkeeping(t *testing.T) {
	pos := samplePosition("p1")
	if pos.AlertedToday("TARGET_NEAR", "2025-08-27") {
		t.Fatal("fresh position must not be marked")
	}
	pos.MarkAlerted("TARGET_NEAR", "2025-08-27")
	if !pos.AlertedToday("TARGET_NEAR", "2025-08-27") {
		t.Fatal("mark not recorded")
	}
	if pos.AlertedToday("TARGET_NEAR", "2025-08-28") {
		t.Fatal("next day must reset")
	}
	if pos.AlertedToday("STOP_NEAR", "2025-08-27") {
		t.Fatal("kinds are independent")
	}
}
