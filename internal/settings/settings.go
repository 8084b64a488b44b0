package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"nfo-seller-bot/internal/state"
)

// Mode selects between simulated and real order flow.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeLive  Mode = "LIVE"
)

const storeKey = "settings:autotrade"

// Snapshot is one immutable read of the auto-trade settings. The
// scheduler reloads a fresh snapshot every tick so operator changes
// take effect without a restart.
type Snapshot struct {
	Enabled                 bool     `json:"enabled"`
	Mode                    Mode     `json:"mode"`
	EnabledStrategies       []string `json:"enabled_strategies"`
	PositionSizeMultiplier  float64  `json:"position_size_multiplier"`
	MaxPositionsPerStrategy int      `json:"max_positions_per_strategy"`
	RespectMarketHours      bool     `json:"respect_market_hours"`
	AfterHoursNotify        bool     `json:"after_hours_notify"`
	AfterHoursTracking      bool     `json:"after_hours_tracking"`
}

func Defaults() Snapshot {
	return Snapshot{
		Enabled:                 false,
		Mode:                    ModePaper,
		PositionSizeMultiplier:  1.0,
		MaxPositionsPerStrategy: 1,
		RespectMarketHours:      true,
		AfterHoursNotify:        false,
		AfterHoursTracking:      true,
	}
}

func (s Snapshot) StrategyEnabled(name string) bool {
	if len(s.EnabledStrategies) == 0 {
		return true
	}
	for _, enabled := range s.EnabledStrategies {
		if enabled == name {
			return true
		}
	}
	return false
}

// Provider reads and writes the settings snapshot through the store.
type Provider struct {
	store state.Store
}

func NewProvider(store state.Store) *Provider {
	return &Provider{store: store}
}

// Load returns the persisted snapshot, or defaults when none was ever
// saved.
func (p *Provider) Load(ctx context.Context) (Snapshot, error) {
	raw, ok, err := p.store.Get(ctx, storeKey)
	if err != nil {
		return Defaults(), fmt.Errorf("load settings: %w", err)
	}
	if !ok {
		return Defaults(), nil
	}
	snap := Defaults()
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Defaults(), fmt.Errorf("decode settings: %w", err)
	}
	if snap.Mode != ModeLive {
		snap.Mode = ModePaper
	}
	return snap, nil
}

func (p *Provider) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := p.store.Set(ctx, storeKey, string(data)); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}
