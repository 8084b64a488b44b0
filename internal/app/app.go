package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nfo-seller-bot/internal/alerts"
	"nfo-seller-bot/internal/broker"
	"nfo-seller-bot/internal/broker/angelone"
	"nfo-seller-bot/internal/broker/flattrade"
	"nfo-seller-bot/internal/broker/paper"
	"nfo-seller-bot/internal/config"
	"nfo-seller-bot/internal/exec"
	"nfo-seller-bot/internal/history"
	"nfo-seller-bot/internal/market"
	"nfo-seller-bot/internal/metrics"
	"nfo-seller-bot/internal/monitor"
	"nfo-seller-bot/internal/position"
	"nfo-seller-bot/internal/ratelimit"
	"nfo-seller-bot/internal/schedule"
	"nfo-seller-bot/internal/settings"
	"nfo-seller-bot/internal/state/sqlite"
	"nfo-seller-bot/internal/strategy"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App wires the scheduler, executor, monitor and their collaborators
// and runs them as independent tasks.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     *sqlite.Store
	book      *position.Book
	selector  *broker.Selector
	feed      *market.WSFeed
	scheduler *schedule.Scheduler
	monitor   *monitor.Monitor
	notifier  *alerts.Notifier
	prom      *metrics.Prometheus
	history   *history.Writer
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	hours, err := market.NewHours(cfg.Market)
	if err != nil {
		return nil, err
	}

	limiters := ratelimit.NewRegistry()
	brokers, err := buildBrokers(cfg, limiters, log)
	if err != nil {
		return nil, err
	}
	selector := broker.NewSelector(cfg.Brokers.Order, brokers...)

	feed := market.NewWSFeed(cfg.Feed, flattrade.Symbol, log)
	paperBroker := paper.New(feed, log)
	paperSelector := broker.NewSelector([]string{paperBroker.Venue()}, paperBroker)

	prom := metrics.NewPrometheus()
	telegram := alerts.NewTelegram(cfg.Telegram, log)
	notifier := alerts.NewNotifier(telegram, log)

	historyWriter, err := history.New(cfg.History, log)
	if err != nil {
		return nil, err
	}

	book := position.NewBook(store, log)
	settingsProvider := settings.NewProvider(store)
	generator := strategy.NewStoreGenerator(store)
	executor := exec.New(selector, store, prom.Metrics, log).WithPaper(paperSelector)

	scheduler := schedule.New(store, generator, executor, selector, book, settingsProvider, hours, notifier, prom.Metrics, schedule.Options{
		TickInterval:  cfg.Scheduler.TickInterval,
		PreGenAdvance: cfg.Scheduler.PreGenAdvance,
		WarmupAdvance: cfg.Scheduler.WarmupAdvance,
		ExpireGrace:   cfg.Scheduler.ExpireGrace,
	}, log)

	var recorder monitor.Recorder
	if historyWriter != nil {
		recorder = historyWriter
	}
	mon := monitor.New(book, feed, selector, notifier, settingsProvider, hours, prom.Metrics, store, recorder, monitor.Options{
		PollInterval:  cfg.Monitor.PollInterval,
		ProximityBand: cfg.Monitor.ProximityBand,
	}, log)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		book:      book,
		selector:  selector,
		feed:      feed,
		scheduler: scheduler,
		monitor:   mon,
		notifier:  notifier,
		prom:      prom,
		history:   historyWriter,
	}, nil
}

func buildBrokers(cfg *config.Config, limiters *ratelimit.Registry, log *zap.Logger) ([]broker.Broker, error) {
	var brokers []broker.Broker
	if cfg.Brokers.Flattrade.Enabled {
		creds := flattrade.Credentials{
			UserID:    strings.TrimSpace(os.Getenv("FLATTRADE_USER_ID")),
			APIKey:    strings.TrimSpace(os.Getenv("FLATTRADE_API_KEY")),
			APISecret: strings.TrimSpace(os.Getenv("FLATTRADE_API_SECRET")),
			Token:     strings.TrimSpace(os.Getenv("FLATTRADE_TOKEN")),
		}
		if creds.UserID == "" {
			return nil, errors.New("FLATTRADE_USER_ID is required when flattrade is enabled")
		}
		limiter := limiters.For("flattrade", cfg.Brokers.Flattrade.RateLimit, cfg.Brokers.Flattrade.RateWindow)
		brokers = append(brokers, flattrade.New(cfg.Brokers.Flattrade, creds, limiter, log))
	}
	if cfg.Brokers.AngelOne.Enabled {
		creds := angelone.Credentials{
			ClientID: strings.TrimSpace(os.Getenv("ANGELONE_CLIENT_ID")),
			APIKey:   strings.TrimSpace(os.Getenv("ANGELONE_API_KEY")),
			PIN:      strings.TrimSpace(os.Getenv("ANGELONE_PIN")),
			Token:    strings.TrimSpace(os.Getenv("ANGELONE_TOKEN")),
		}
		if creds.ClientID == "" {
			return nil, errors.New("ANGELONE_CLIENT_ID is required when angelone is enabled")
		}
		limiter := limiters.For("angelone", cfg.Brokers.AngelOne.RateLimit, cfg.Brokers.AngelOne.RateWindow)
		brokers = append(brokers, angelone.New(cfg.Brokers.AngelOne, creds, limiter, log))
	}
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker must be enabled")
	}
	return brokers, nil
}

// Run restores persisted state and drives all periodic tasks until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	defer a.history.Close()

	if err := a.book.Restore(ctx); err != nil {
		return err
	}
	for _, b := range a.selector.All() {
		if _, err := b.Authenticate(ctx); err != nil {
			a.log.Warn("startup authentication failed", zap.String("venue", b.Venue()), zap.Error(err))
		}
	}
	if err := a.scheduler.Restore(ctx); err != nil {
		return err
	}
	a.history.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return a.monitor.Run(gctx)
	})
	if a.cfg.Feed.URL != "" {
		g.Go(func() error {
			return a.feed.Run(gctx)
		})
	}
	if a.cfg.Metrics.Enabled {
		g.Go(func() error {
			return a.serveMetrics(gctx)
		})
	}
	a.log.Info("bot running",
		zap.Duration("tick", a.cfg.Scheduler.TickInterval),
		zap.Duration("monitor_poll", a.cfg.Monitor.PollInterval))
	return g.Wait()
}

// RegisterSchedule adds a daily trigger.
func (a *App) RegisterSchedule(ctx context.Context, spec schedule.Spec) (string, error) {
	return a.scheduler.RegisterSchedule(ctx, spec)
}

// CancelSchedule removes a trigger unless it is mid-execution.
func (a *App) CancelSchedule(ctx context.Context, jobID string) error {
	return a.scheduler.CancelSchedule(ctx, jobID)
}

// GetStatus reports one job's phase and readiness.
func (a *App) GetStatus(jobID string) (schedule.Status, error) {
	return a.scheduler.GetStatus(jobID)
}

// GetOpenPositions lists positions under management.
func (a *App) GetOpenPositions() []position.Position {
	return a.book.Open()
}

// ForceClose squares off one open position on demand.
func (a *App) ForceClose(ctx context.Context, positionID string) error {
	return a.monitor.ForceClose(ctx, positionID)
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Listen, Handler: mux}
	done := make(chan error, 1)
	go func() {
		done <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-done:
		return err
	}
}
