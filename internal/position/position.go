package position

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nfo-seller-bot/internal/settings"
	"nfo-seller-bot/internal/state"
	"nfo-seller-bot/internal/strategy"

	"go.uber.org/zap"
)

type Status string

const (
	StatusOpen            Status = "OPEN"
	StatusClosed          Status = "CLOSED"
	StatusPartialExposure Status = "PARTIAL_EXPOSURE"
)

const (
	openPrefix    = "position:open:"
	archivePrefix = "position:closed:"
)

// FilledLeg is one executed leg with its venue order id and fill.
type FilledLeg struct {
	Leg       strategy.Leg `json:"leg"`
	Venue     string       `json:"venue"`
	OrderID   string       `json:"order_id"`
	FillPrice float64      `json:"fill_price"`
}

// Position is a fully opened leg set under management. EntryPremium is
// the net credit at entry: sell fills minus hedge fills, per share.
type Position struct {
	ID           string            `json:"id"`
	JobID        string            `json:"job_id"`
	Strategy     string            `json:"strategy"`
	Mode         settings.Mode     `json:"mode"`
	Status       Status            `json:"status"`
	Legs         []FilledLeg       `json:"legs"`
	EntryPremium float64           `json:"entry_premium"`
	Target       float64           `json:"target"`
	StopLoss     float64           `json:"stop_loss"`
	LotSize      int               `json:"lot_size"`
	Lots         int               `json:"lots"`
	PnL          float64           `json:"pnl"`
	MaxProfit    float64           `json:"max_profit"`
	MaxDrawdown  float64           `json:"max_drawdown"`
	OpenedAt     time.Time         `json:"opened_at"`
	ClosedAt     time.Time         `json:"closed_at,omitempty"`
	CloseReason  string            `json:"close_reason,omitempty"`
	LastAlertDay map[string]string `json:"last_alert_day,omitempty"`
}

func (p *Position) MainLegs() []FilledLeg {
	return p.byRole(strategy.RoleMainSell)
}

func (p *Position) HedgeLegs() []FilledLeg {
	return p.byRole(strategy.RoleHedgeBuy)
}

func (p *Position) byRole(role strategy.Role) []FilledLeg {
	out := make([]FilledLeg, 0, len(p.Legs))
	for _, leg := range p.Legs {
		if leg.Leg.Role == role {
			out = append(out, leg)
		}
	}
	return out
}

// AlertedToday reports whether a proximity alert of this kind already
// fired for the position on the given day.
func (p *Position) AlertedToday(kind string, day string) bool {
	return p.LastAlertDay[kind] == day
}

func (p *Position) MarkAlerted(kind string, day string) {
	if p.LastAlertDay == nil {
		p.LastAlertDay = make(map[string]string)
	}
	p.LastAlertDay[kind] = day
}

// Book is the store-backed ledger of positions. Open positions live
// under one key prefix, archived ones under another, both as JSON.
type Book struct {
	store state.Store
	log   *zap.Logger

	mu   sync.Mutex
	open map[string]*Position
}

func NewBook(store state.Store, log *zap.Logger) *Book {
	return &Book{store: store, log: log, open: make(map[string]*Position)}
}

// Restore loads open positions from the store. Called once at startup.
func (b *Book) Restore(ctx context.Context) error {
	keys, err := b.store.Keys(ctx, openPrefix)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		raw, ok, err := b.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("restore positions: %w", err)
		}
		if !ok {
			continue
		}
		var pos Position
		if err := json.Unmarshal([]byte(raw), &pos); err != nil {
			b.log.Warn("skipping undecodable position", zap.String("key", key), zap.Error(err))
			continue
		}
		b.open[pos.ID] = &pos
	}
	if len(b.open) > 0 {
		b.log.Info("restored open positions", zap.Int("count", len(b.open)))
	}
	return nil
}

// Add registers a freshly opened position and persists it.
func (b *Book) Add(ctx context.Context, pos *Position) error {
	b.mu.Lock()
	b.open[pos.ID] = pos
	b.mu.Unlock()
	return b.persist(ctx, pos)
}

// Get returns a copy of one open position.
func (b *Book) Get(id string) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.open[id]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Open returns copies of all open positions.
func (b *Book) Open() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.open))
	for _, pos := range b.open {
		out = append(out, *pos)
	}
	return out
}

// Update applies fn to one open position under the book lock and
// persists the result. fn runs at most once; a missing id is not an
// error so monitor passes racing a close stay idempotent.
func (b *Book) Update(ctx context.Context, id string, fn func(*Position)) error {
	b.mu.Lock()
	pos, ok := b.open[id]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	fn(pos)
	snapshot := *pos
	b.mu.Unlock()
	return b.persist(ctx, &snapshot)
}

// Archive moves a position out of the open set. The open-set delete
// and archive write happen under the lock so a position is never
// closable twice.
func (b *Book) Archive(ctx context.Context, id string, status Status, reason string, closedAt time.Time) (Position, bool, error) {
	b.mu.Lock()
	pos, ok := b.open[id]
	if !ok {
		b.mu.Unlock()
		return Position{}, false, nil
	}
	delete(b.open, id)
	pos.Status = status
	pos.CloseReason = reason
	pos.ClosedAt = closedAt
	snapshot := *pos
	b.mu.Unlock()

	data, err := json.Marshal(&snapshot)
	if err != nil {
		return Position{}, false, fmt.Errorf("encode position: %w", err)
	}
	if err := b.store.Set(ctx, archivePrefix+id, string(data)); err != nil {
		return Position{}, false, fmt.Errorf("archive position: %w", err)
	}
	if err := b.store.Delete(ctx, openPrefix+id); err != nil {
		return Position{}, false, fmt.Errorf("archive position: %w", err)
	}
	return snapshot, true, nil
}

func (b *Book) persist(ctx context.Context, pos *Position) error {
	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	if err := b.store.Set(ctx, openPrefix+pos.ID, string(data)); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	return nil
}
