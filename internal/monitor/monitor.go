package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nfo-seller-bot/internal/alerts"
	"nfo-seller-bot/internal/broker"
	"nfo-seller-bot/internal/market"
	"nfo-seller-bot/internal/metrics"
	"nfo-seller-bot/internal/position"
	"nfo-seller-bot/internal/settings"
	"nfo-seller-bot/internal/state"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// BrokerSource resolves a leg's venue to a broker for square-off.
type BrokerSource interface {
	ForVenue(ctx context.Context, venue string) (broker.Broker, error)
}

// Recorder receives position telemetry for long-term storage.
// Implementations must not block.
type Recorder interface {
	RecordSnapshot(pos position.Position)
	RecordClose(pos position.Position)
}

// SettingsSource yields the current settings snapshot.
type SettingsSource interface {
	Load(ctx context.Context) (settings.Snapshot, error)
}

const (
	CloseReasonTarget   = "TARGET"
	CloseReasonStopLoss = "STOP_LOSS"
	CloseReasonManual   = "MANUAL"

	alertKindTargetNear = "TARGET_NEAR"
	alertKindStopNear   = "STOP_NEAR"
)

// Monitor polls open positions, maintains live P&L, and squares off
// when the target or stop-loss is breached. Runs as its own periodic
// task, decoupled from the scheduler.
type Monitor struct {
	book     *position.Book
	feed     market.PriceFeed
	brokers  BrokerSource
	notifier *alerts.Notifier
	settings SettingsSource
	hours    *market.Hours
	metrics  *metrics.Metrics
	store    state.Store
	recorder Recorder
	log      *zap.Logger

	pollInterval  time.Duration
	proximityBand float64
	now           func() time.Time

	mu      sync.Mutex
	closing map[string]struct{}
}

type Options struct {
	PollInterval  time.Duration
	ProximityBand float64
}

func New(book *position.Book, feed market.PriceFeed, brokers BrokerSource, notifier *alerts.Notifier, settingsSource SettingsSource, hours *market.Hours, m *metrics.Metrics, store state.Store, recorder Recorder, opts Options, log *zap.Logger) *Monitor {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Monitor{
		book:          book,
		feed:          feed,
		brokers:       brokers,
		notifier:      notifier,
		settings:      settingsSource,
		hours:         hours,
		metrics:       m,
		store:         store,
		recorder:      recorder,
		log:           log,
		pollInterval:  opts.PollInterval,
		proximityBand: opts.ProximityBand,
		now:           time.Now,
		closing:       make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick evaluates every open position once.
func (m *Monitor) Tick(ctx context.Context) {
	snap, err := m.settings.Load(ctx)
	if err != nil {
		m.log.Warn("settings load failed", zap.Error(err))
		snap = settings.Defaults()
	}
	now := m.now()
	open := m.hours.IsOpen(now)
	if !open && snap.RespectMarketHours && !snap.AfterHoursTracking {
		return
	}
	for _, pos := range m.book.Open() {
		m.evaluate(ctx, pos, snap, now, open)
	}
}

func (m *Monitor) evaluate(ctx context.Context, pos position.Position, snap settings.Snapshot, now time.Time, marketOpen bool) {
	pnl, err := m.pnl(ctx, pos)
	if err != nil {
		m.log.Warn("pnl unavailable", zap.String("position", pos.ID), zap.Error(err))
		return
	}
	updated := pos
	if err := m.book.Update(ctx, pos.ID, func(p *position.Position) {
		p.PnL = pnl
		if pnl > p.MaxProfit {
			p.MaxProfit = pnl
		}
		if pnl < p.MaxDrawdown {
			p.MaxDrawdown = pnl
		}
		updated = *p
	}); err != nil {
		m.log.Warn("position update failed", zap.String("position", pos.ID), zap.Error(err))
	}
	if m.recorder != nil {
		m.recorder.RecordSnapshot(updated)
	}

	switch {
	case pnl >= pos.Target:
		m.close(ctx, updated, CloseReasonTarget, snap, marketOpen)
		return
	case pnl <= pos.StopLoss:
		m.close(ctx, updated, CloseReasonStopLoss, snap, marketOpen)
		return
	}
	m.checkProximity(ctx, updated, pnl, snap, now, marketOpen)
}

// pnl computes the live mark-to-market for a short-premium position:
// entry credit minus the cost of buying the structure back now, scaled
// by contract size.
func (m *Monitor) pnl(ctx context.Context, pos position.Position) (float64, error) {
	var current float64
	for _, leg := range pos.MainLegs() {
		mark, err := m.feed.Mark(ctx, leg.Leg.Instrument)
		if err != nil {
			return 0, fmt.Errorf("mark %s: %w", leg.Leg.Instrument, err)
		}
		current += mark
	}
	for _, leg := range pos.HedgeLegs() {
		mark, err := m.feed.Mark(ctx, leg.Leg.Instrument)
		if err != nil {
			return 0, fmt.Errorf("mark %s: %w", leg.Leg.Instrument, err)
		}
		current -= mark
	}
	return (pos.EntryPremium - current) * float64(pos.LotSize) * float64(pos.Lots), nil
}

func (m *Monitor) checkProximity(ctx context.Context, pos position.Position, pnl float64, snap settings.Snapshot, now time.Time, marketOpen bool) {
	if m.proximityBand <= 0 {
		return
	}
	day := now.In(m.hours.Location()).Format("2006-01-02")
	if gap := pos.Target - pnl; gap > 0 && gap <= m.proximityBand && !pos.AlertedToday(alertKindTargetNear, day) {
		m.markAlerted(ctx, pos.ID, alertKindTargetNear, day)
		m.metrics.ProximityAlerts.Inc()
		m.notify(alerts.EventProximity, fmt.Sprintf("position %s within %.0f of target (pnl %.2f)", pos.ID, m.proximityBand, pnl), snap, marketOpen)
	}
	if gap := pnl - pos.StopLoss; gap > 0 && gap <= m.proximityBand && !pos.AlertedToday(alertKindStopNear, day) {
		m.markAlerted(ctx, pos.ID, alertKindStopNear, day)
		m.metrics.ProximityAlerts.Inc()
		m.notify(alerts.EventProximity, fmt.Sprintf("position %s within %.0f of stop-loss (pnl %.2f)", pos.ID, m.proximityBand, pnl), snap, marketOpen)
	}
}

func (m *Monitor) markAlerted(ctx context.Context, id, kind, day string) {
	if err := m.book.Update(ctx, id, func(p *position.Position) {
		p.MarkAlerted(kind, day)
	}); err != nil {
		m.log.Warn("alert bookkeeping failed", zap.String("position", id), zap.Error(err))
	}
}

// ForceClose squares off one position on demand.
func (m *Monitor) ForceClose(ctx context.Context, id string) error {
	pos, ok := m.book.Get(id)
	if !ok {
		return fmt.Errorf("position %s not open", id)
	}
	snap, err := m.settings.Load(ctx)
	if err != nil {
		snap = settings.Defaults()
	}
	m.close(ctx, pos, CloseReasonManual, snap, m.hours.IsOpen(m.now()))
	return nil
}

// close squares off every leg exactly once. The claim set makes a
// second breach of the same threshold a no-op even while the first
// close is still in flight.
func (m *Monitor) close(ctx context.Context, pos position.Position, reason string, snap settings.Snapshot, marketOpen bool) {
	m.mu.Lock()
	if _, busy := m.closing[pos.ID]; busy {
		m.mu.Unlock()
		return
	}
	m.closing[pos.ID] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.closing, pos.ID)
		m.mu.Unlock()
	}()

	var closeErr error
	if pos.Mode == settings.ModeLive {
		closeErr = m.closeLegs(ctx, pos)
	}

	status := position.StatusClosed
	event := alerts.EventPositionClosed
	if closeErr != nil {
		status = position.StatusPartialExposure
		event = alerts.EventPartialExposure
		m.metrics.PartialExposures.Inc()
	}
	archived, ok, err := m.book.Archive(ctx, pos.ID, status, reason, m.now())
	if err != nil {
		m.log.Error("archive failed", zap.String("position", pos.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	m.metrics.PositionsClosed.Inc()
	if m.recorder != nil {
		m.recorder.RecordClose(archived)
	}
	m.logAction(ctx, archived, reason, closeErr)

	if closeErr != nil {
		m.notify(event, fmt.Sprintf("position %s square-off incomplete (%s): %v, manual intervention required", pos.ID, reason, closeErr), snap, marketOpen)
		return
	}
	m.notify(event, fmt.Sprintf("position %s closed (%s), pnl %.2f", pos.ID, reason, archived.PnL), snap, marketOpen)
	m.log.Info("position closed",
		zap.String("position", pos.ID),
		zap.String("reason", reason),
		zap.Float64("pnl", archived.PnL))
}

func (m *Monitor) closeLegs(ctx context.Context, pos position.Position) error {
	var errs error
	for _, leg := range pos.Legs {
		b, err := m.brokers.ForVenue(ctx, leg.Venue)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, err := b.CloseLeg(ctx, leg.Leg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", leg.Leg.Instrument, err))
		}
	}
	return errs
}

func (m *Monitor) notify(event alerts.Event, message string, snap settings.Snapshot, marketOpen bool) {
	if m.notifier == nil {
		return
	}
	if !marketOpen && snap.RespectMarketHours {
		if !snap.AfterHoursNotify {
			return
		}
		m.notifier.NotifySilent(event, message)
		return
	}
	m.notifier.Notify(event, message)
}

func (m *Monitor) logAction(ctx context.Context, pos position.Position, reason string, closeErr error) {
	entry := state.ExecutionLogEntry{
		Time:     m.now(),
		Action:   "SQUARE_OFF",
		JobID:    pos.JobID,
		Position: pos.ID,
		Details: map[string]string{
			"reason": reason,
			"pnl":    fmt.Sprintf("%.2f", pos.PnL),
		},
	}
	if closeErr != nil {
		entry.Action = "SQUARE_OFF_PARTIAL"
		entry.Details["error"] = closeErr.Error()
	}
	if err := state.AppendExecutionLog(ctx, m.store, entry); err != nil {
		m.log.Warn("execution log append failed", zap.Error(err))
	}
}
