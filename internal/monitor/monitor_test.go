package monitor

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nfo-seller-bot/internal/broker"
	"nfo-seller-bot/internal/config"
	"nfo-seller-bot/internal/market"
	"nfo-seller-bot/internal/metrics"
	"nfo-seller-bot/internal/position"
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

type fixedSettings struct {
	snap settings.Snapshot
}

func (f fixedSettings) Load(ctx context.Context) (settings.Snapshot, error) {
	return f.snap, nil
}

type countingRecorder struct {
	snapshots int32
	closes    int32
}

func (r *countingRecorder) RecordSnapshot(pos position.Position) {
	atomic.AddInt32(&r.snapshots, 1)
}

func (r *countingRecorder) RecordClose(pos position.Position) {
	atomic.AddInt32(&r.closes, 1)
}

type closeBroker struct {
	mu       sync.Mutex
	closed   []strategy.Leg
	closeErr error
}

func (b *closeBroker) Venue() string { return "mock" }

func (b *closeBroker) Authenticate(ctx context.Context) (broker.Session, error) {
	return broker.Session{Venue: "mock", Token: "t", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (b *closeBroker) Probe(ctx context.Context) error { return nil }

func (b *closeBroker) PlaceOrder(ctx context.Context, leg strategy.Leg) (broker.OrderResult, error) {
	return broker.OrderResult{OrderID: "oid"}, nil
}

func (b *closeBroker) OrderStatus(ctx context.Context, orderID string) (broker.OrderResult, error) {
	return broker.OrderResult{OrderID: orderID, Status: broker.StatusComplete}, nil
}

func (b *closeBroker) Positions(ctx context.Context) ([]broker.VenuePosition, error) {
	return nil, nil
}

func (b *closeBroker) CloseLeg(ctx context.Context, leg strategy.Leg) (broker.OrderResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, leg)
	if b.closeErr != nil {
		return broker.OrderResult{}, b.closeErr
	}
	return broker.OrderResult{OrderID: "close"}, nil
}

type singleSource struct {
	b broker.Broker
}

func (s singleSource) ForVenue(ctx context.Context, venue string) (broker.Broker, error) {
	return s.b, nil
}

func testInstruments() (strategy.Instrument, strategy.Instrument) {
	expiry := time.Date(2025, time.August, 28, 0, 0, 0, 0, time.UTC)
	main := strategy.Instrument{Underlying: "NIFTY", Expiry: expiry, Strike: 24700, Kind: strategy.Call}
	hedge := strategy.Instrument{Underlying: "NIFTY", Expiry: expiry, Strike: 25200, Kind: strategy.Call}
	return main, hedge
}

func testPosition(mode settings.Mode) *position.Position {
	main, hedge := testInstruments()
	return &position.Position{
		ID:           "pos1",
		JobID:        "job1",
		Mode:         mode,
		Status:       position.StatusOpen,
		EntryPremium: 100,
		Target:       3000,
		StopLoss:     -2000,
		LotSize:      75,
		Lots:         1,
		Legs: []position.FilledLeg{
			{Leg: strategy.Leg{Role: strategy.RoleMainSell, Instrument: main, Side: strategy.Sell, Quantity: 75}, Venue: "mock", OrderID: "o1", FillPrice: 120},
			{Leg: strategy.Leg{Role: strategy.RoleHedgeBuy, Instrument: hedge, Side: strategy.Buy, Quantity: 75}, Venue: "mock", OrderID: "o2", FillPrice: 20},
		},
		OpenedAt: time.Now(),
	}
}

type fixture struct {
	monitor       *Monitor
	book          *position.Book
	store         *memStore
	feed          *market.StaticFeed
	recorder      *countingRecorder
	broker        *closeBroker
	proximityHits *int32
}

func newFixture(t *testing.T, mode settings.Mode, snap settings.Snapshot) *fixture {
	t.Helper()
	store := newMemStore()
	log := zap.NewNop()
	book := position.NewBook(store, log)
	feed := market.NewStaticFeed()
	recorder := &countingRecorder{}
	b := &closeBroker{}
	hours, err := market.NewHours(config.MarketConfig{OpenTime: "09:15", CloseTime: "15:30", Timezone: "Asia/Kolkata"})
	if err != nil {
		t.Fatalf("hours: %v", err)
	}

	var proximityHits int32
	m := metrics.NewNoop()
	m.ProximityAlerts = counterFunc(func() { atomic.AddInt32(&proximityHits, 1) })

	mon := New(book, feed, singleSource{b}, nil, fixedSettings{snap}, hours, m, store, recorder, Options{
		PollInterval:  30 * time.Second,
		ProximityBand: 500,
	}, log)
	// fixed weekday mid-session instant so the gate is open
	ist := hours.Location()
	mon.now = func() time.Time { return time.Date(2025, time.August, 27, 11, 0, 0, 0, ist) }

	if err := book.Add(context.Background(), testPosition(mode)); err != nil {
		t.Fatalf("add position: %v", err)
	}
	return &fixture{monitor: mon, book: book, store: store, feed: feed, recorder: recorder, broker: b, proximityHits: &proximityHits}
}

type counterFunc func()

func (f counterFunc) Inc() { f() }

func tradingSnap() settings.Snapshot {
	snap := settings.Defaults()
	snap.Enabled = true
	return snap
}

func TestPnLComputation(t *testing.T) {
	f := newFixture(t, settings.ModePaper, tradingSnap())
	main, hedge := testInstruments()
	// current net premium 50 - 10 = 40, entry 100: pnl (100-40)*75
	f.feed.SetMark(main, 50)
	f.feed.SetMark(hedge, 10)

	pos, _ := f.book.Get("pos1")
	pnl, err := f.monitor.pnl(context.Background(), pos)
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	if pnl != 4500 {
		t.Fatalf("pnl = %v, want 4500", pnl)
	}
}

func TestTargetBreachClosesExactlyOnce(t *testing.T) {
	f := newFixture(t, settings.ModePaper, tradingSnap())
	main, hedge := testInstruments()
	f.feed.SetMark(main, 50)
	f.feed.SetMark(hedge, 10)

	f.monitor.Tick(context.Background())
	if got := len(f.book.Open()); got != 0 {
		t.Fatalf("expected position archived, %d still open", got)
	}
	if n := atomic.LoadInt32(&f.recorder.closes); n != 1 {
		t.Fatalf("expected 1 recorded close, got %d", n)
	}

	// marks still above target; a second tick must be a no-op
	f.monitor.Tick(context.Background())
	if n := atomic.LoadInt32(&f.recorder.closes); n != 1 {
		t.Fatalf("second breach must not re-close, got %d closes", n)
	}
}

func TestStopLossBreachCloses(t *testing.T) {
	f := newFixture(t, settings.ModePaper, tradingSnap())
	main, hedge := testInstruments()
	// current net premium 140: pnl (100-140)*75 = -3000 <= -2000
	f.feed.SetMark(main, 150)
	f.feed.SetMark(hedge, 10)

	f.monitor.Tick(context.Background())
	if got := len(f.book.Open()); got != 0 {
		t.Fatal("expected stop-loss square-off")
	}
}

func TestPaperCloseSkipsVenues(t *testing.T) {
	f := newFixture(t, settings.ModePaper, tradingSnap())
	main, hedge := testInstruments()
	f.feed.SetMark(main, 50)
	f.feed.SetMark(hedge, 10)

	f.monitor.Tick(context.Background())
	if len(f.broker.closed) != 0 {
		t.Fatalf("paper close must not touch venues, got %d close orders", len(f.broker.closed))
	}
}

func TestLiveCloseSquaresOffEveryLeg(t *testing.T) {
	f := newFixture(t, settings.ModeLive, tradingSnap())
	main, hedge := testInstruments()
	f.feed.SetMark(main, 50)
	f.feed.SetMark(hedge, 10)

	f.monitor.Tick(context.Background())
	if len(f.broker.closed) != 2 {
		t.Fatalf("expected 2 close orders, got %d", len(f.broker.closed))
	}
	pos, _, _ := archived(f, "pos1")
	if pos.Status != position.StatusClosed {
		t.Fatalf("status = %s, want CLOSED", pos.Status)
	}
}

func TestLiveCloseFailureFlagsPartialExposure(t *testing.T) {
	f := newFixture(t, settings.ModeLive, tradingSnap())
	f.broker.closeErr = broker.NewError("mock", broker.KindRejected, "market closed")
	main, hedge := testInstruments()
	f.feed.SetMark(main, 50)
	f.feed.SetMark(hedge, 10)

	f.monitor.Tick(context.Background())
	if got := len(f.book.Open()); got != 0 {
		t.Fatal("expected position moved out of open set")
	}
	pos, ok, _ := archived(f, "pos1")
	if !ok {
		t.Fatal("expected archived position")
	}
	if pos.Status != position.StatusPartialExposure {
		t.Fatalf("status = %s, want PARTIAL_EXPOSURE", pos.Status)
	}
}

func TestProximityAlertFiresOncePerDay(t *testing.T) {
	f := newFixture(t, settings.ModePaper, tradingSnap())
	main, hedge := testInstruments()
	// pnl (100-65)*75 = 2625, within 500 of the 3000 target
	f.feed.SetMark(main, 70)
	f.feed.SetMark(hedge, 5)

	f.monitor.Tick(context.Background())
	f.monitor.Tick(context.Background())
	if n := atomic.LoadInt32(f.proximityHits); n != 1 {
		t.Fatalf("expected 1 proximity alert, got %d", n)
	}
	if got := len(f.book.Open()); got != 1 {
		t.Fatal("proximity must not close the position")
	}
}

func TestForceClose(t *testing.T) {
	f := newFixture(t, settings.ModePaper, tradingSnap())

	if err := f.monitor.ForceClose(context.Background(), "pos1"); err != nil {
		t.Fatalf("force close: %v", err)
	}
	if got := len(f.book.Open()); got != 0 {
		t.Fatal("expected manual square-off")
	}
	if err := f.monitor.ForceClose(context.Background(), "pos1"); err == nil {
		t.Fatal("second force close must fail")
	}
}

func archived(f *fixture, id string) (position.Position, bool, error) {
	raw, ok, err := f.store.Get(context.Background(), "position:closed:"+id)
	if err != nil || !ok {
		return position.Position{}, ok, err
	}
	var pos position.Position
	if err := json.Unmarshal([]byte(raw), &pos); err != nil {
		return position.Position{}, false, err
	}
	return pos, true, nil
}
