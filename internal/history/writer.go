package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"nfo-seller-bot/internal/config"
	"nfo-seller-bot/internal/position"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Event is one execution-log row for long-term storage. The kv store
// keeps a capped rolling log; this sink keeps everything.
type Event struct {
	Time     time.Time
	Action   string
	JobID    string
	Position string
	Details  string
}

// Snapshot is one P&L observation for an open position.
type Snapshot struct {
	Time        time.Time
	PositionID  string
	JobID       string
	Strategy    string
	Mode        string
	PnL         float64
	MaxProfit   float64
	MaxDrawdown float64
}

// Writer persists execution events and position P&L to Postgres
// asynchronously. Enqueue never blocks; rows are dropped when the
// queue is full.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	events    chan Event
	snapshots chan Snapshot
	started   atomic.Bool
	dropEvt   atomic.Uint64
	dropSnap  atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		events:    make(chan Event, queueSize),
		snapshots: make(chan Snapshot, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueEvent(event Event) {
	if w == nil {
		return
	}
	select {
	case w.events <- event:
		return
	default:
		if w.dropEvt.Add(1) == 1 && w.log != nil {
			w.log.Warn("history event queue full")
		}
	}
}

// RecordSnapshot implements the monitor's Recorder.
func (w *Writer) RecordSnapshot(pos position.Position) {
	if w == nil {
		return
	}
	snap := Snapshot{
		Time:        time.Now(),
		PositionID:  pos.ID,
		JobID:       pos.JobID,
		Strategy:    pos.Strategy,
		Mode:        string(pos.Mode),
		PnL:         pos.PnL,
		MaxProfit:   pos.MaxProfit,
		MaxDrawdown: pos.MaxDrawdown,
	}
	select {
	case w.snapshots <- snap:
		return
	default:
		if w.dropSnap.Add(1) == 1 && w.log != nil {
			w.log.Warn("history snapshot queue full")
		}
	}
}

// RecordClose implements the monitor's Recorder. Realized P&L lands
// in the event stream with the close reason.
func (w *Writer) RecordClose(pos position.Position) {
	if w == nil {
		return
	}
	w.EnqueueEvent(Event{
		Time:     time.Now(),
		Action:   "POSITION_" + string(pos.Status),
		JobID:    pos.JobID,
		Position: pos.ID,
		Details:  fmt.Sprintf("reason=%s pnl=%.2f", pos.CloseReason, pos.PnL),
	})
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-w.events:
			w.writeEvent(ctx, event)
		case snap := <-w.snapshots:
			w.writeSnapshot(ctx, snap)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		action TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		position_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT ''
	)`, w.table("execution_events"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		position_id TEXT NOT NULL,
		job_id TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT '',
		mode TEXT NOT NULL,
		pnl DOUBLE PRECISION NOT NULL,
		max_profit DOUBLE PRECISION NOT NULL,
		max_drawdown DOUBLE PRECISION NOT NULL
	)`, w.table("position_pnl"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("execution_events"))); err != nil && w.log != nil {
		w.log.Warn("execution_events hypertable create failed", zap.Error(err))
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("position_pnl"))); err != nil && w.log != nil {
		w.log.Warn("position_pnl hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) writeEvent(ctx context.Context, event Event) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, action, job_id, position_id, details) VALUES ($1,$2,$3,$4,$5)`, w.table("execution_events"))
	if _, err := w.db.ExecContext(ctx, query, event.Time, event.Action, event.JobID, event.Position, event.Details); err != nil && w.log != nil {
		w.log.Warn("history event insert failed", zap.Error(err))
	}
}

func (w *Writer) writeSnapshot(ctx context.Context, snap Snapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, position_id, job_id, strategy, mode, pnl, max_profit, max_drawdown
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("position_pnl"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.PositionID,
		snap.JobID,
		snap.Strategy,
		snap.Mode,
		snap.PnL,
		snap.MaxProfit,
		snap.MaxDrawdown,
	); err != nil && w.log != nil {
		w.log.Warn("history snapshot insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
