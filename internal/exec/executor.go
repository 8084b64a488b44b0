package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nfo-seller-bot/internal/broker"
	"nfo-seller-bot/internal/metrics"
	"nfo-seller-bot/internal/position"
	"nfo-seller-bot/internal/settings"
	"nfo-seller-bot/internal/state"
	"nfo-seller-bot/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BrokerSource resolves a leg's venue to a broker. Satisfied by
// broker.Selector.
type BrokerSource interface {
	ForVenue(ctx context.Context, venue string) (broker.Broker, error)
}

// Request is one execution attempt for a job's cached leg set.
type Request struct {
	JobID    string
	Strategy string
	Mode     settings.Mode
	Legs     strategy.LegSet
}

// PartialExposureError records legs whose compensating close failed.
// Terminal: the caller must escalate, never retry.
type PartialExposureError struct {
	JobID string
	Legs  []strategy.Leg
	Err   error
}

func (e *PartialExposureError) Error() string {
	return fmt.Sprintf("job %s: partial exposure on %d leg(s): %v", e.JobID, len(e.Legs), e.Err)
}

func (e *PartialExposureError) Unwrap() error { return e.Err }

type legOutcome struct {
	leg    strategy.Leg
	venue  string
	result broker.OrderResult
	err    error
}

// Executor places a leg set in two ordered phases: every hedge leg
// must fill before any main leg is submitted. A failed main phase
// unwinds the opened hedges with compensating closes.
type Executor struct {
	brokers BrokerSource
	paper   BrokerSource
	store   state.Store
	metrics *metrics.Metrics
	log     *zap.Logger

	maxAttempts int
	baseBackoff time.Duration

	mu    sync.Mutex
	cache map[string]string
}

func New(brokers BrokerSource, store state.Store, m *metrics.Metrics, log *zap.Logger) *Executor {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Executor{
		brokers:     brokers,
		store:       store,
		metrics:     m,
		log:         log,
		maxAttempts: 5,
		baseBackoff: 200 * time.Millisecond,
		cache:       make(map[string]string),
	}
}

// WithPaper routes PAPER mode requests to a simulated venue instead
// of the live brokers.
func (e *Executor) WithPaper(paper BrokerSource) *Executor {
	e.paper = paper
	return e
}

func (e *Executor) source(mode settings.Mode) BrokerSource {
	if mode == settings.ModePaper && e.paper != nil {
		return e.paper
	}
	return e.brokers
}

// Execute runs both phases and returns the opened position. On any
// phase failure it returns an error after attempting one compensating
// close per opened hedge leg; a failed compensation surfaces as
// *PartialExposureError.
func (e *Executor) Execute(ctx context.Context, req Request) (*position.Position, error) {
	hedges := req.Legs.HedgeLegs()
	mains := req.Legs.MainLegs()
	if len(mains) == 0 {
		return nil, fmt.Errorf("job %s: leg set has no main legs", req.JobID)
	}

	src := e.source(req.Mode)
	hedgeOutcomes := e.runPhase(ctx, src, req.JobID, hedges)
	if err := phaseError(hedgeOutcomes); err != nil {
		return nil, e.unwind(ctx, src, req.JobID, opened(hedgeOutcomes), fmt.Errorf("hedge phase: %w", err))
	}

	mainOutcomes := e.runPhase(ctx, src, req.JobID, mains)
	if err := phaseError(mainOutcomes); err != nil {
		return nil, e.unwind(ctx, src, req.JobID, opened(hedgeOutcomes), fmt.Errorf("main phase: %w", err))
	}

	pos := e.buildPosition(req, hedgeOutcomes, mainOutcomes)
	e.metrics.PositionsOpened.Inc()
	e.logAction(ctx, state.ExecutionLogEntry{
		Time:     time.Now(),
		Action:   "POSITION_OPENED",
		JobID:    req.JobID,
		Position: pos.ID,
		Details:  map[string]string{"entry_premium": fmt.Sprintf("%.2f", pos.EntryPremium)},
	})
	return pos, nil
}

// runPhase submits every leg concurrently and waits for one outcome
// per leg. Outcomes are collected, never short-circuited: the
// compensation decision needs the full picture.
func (e *Executor) runPhase(ctx context.Context, src BrokerSource, jobID string, legs []strategy.Leg) []legOutcome {
	outcomes := make([]legOutcome, len(legs))
	var g errgroup.Group
	for i, leg := range legs {
		i, leg := i, leg
		g.Go(func() error {
			venue, result, err := e.placeLeg(ctx, src, jobID, leg)
			outcomes[i] = legOutcome{leg: leg, venue: venue, result: result, err: err}
			return nil
		})
	}
	g.Wait()
	return outcomes
}

func (e *Executor) placeLeg(ctx context.Context, src BrokerSource, jobID string, leg strategy.Leg) (string, broker.OrderResult, error) {
	b, err := src.ForVenue(ctx, leg.Venue)
	if err != nil {
		return "", broker.OrderResult{}, err
	}
	cacheKey := clientOrderKey(jobID, leg)
	if orderID, ok := e.cachedOrder(ctx, cacheKey); ok {
		e.log.Info("reusing placed order", zap.String("job", jobID), zap.String("order", orderID))
		return b.Venue(), e.confirmFill(ctx, b, broker.OrderResult{OrderID: orderID, Status: broker.StatusPlaced}), nil
	}
	result, err := e.placeWithRetry(ctx, b, leg)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return b.Venue(), broker.OrderResult{}, err
	}
	e.metrics.OrdersPlaced.Inc()
	e.rememberOrder(ctx, cacheKey, result.OrderID)
	return b.Venue(), e.confirmFill(ctx, b, result), nil
}

func (e *Executor) placeWithRetry(ctx context.Context, b broker.Broker, leg strategy.Leg) (broker.OrderResult, error) {
	backoff := e.baseBackoff
	authRetried := false
	for attempt := 0; ; attempt++ {
		result, err := b.PlaceOrder(ctx, leg)
		if err == nil {
			if result.OrderID == "" {
				return broker.OrderResult{}, fmt.Errorf("%s: empty order id", b.Venue())
			}
			return result, nil
		}
		if broker.IsRejected(err) {
			return broker.OrderResult{}, err
		}
		if broker.IsAuth(err) && !authRetried {
			authRetried = true
			if _, authErr := b.Authenticate(ctx); authErr != nil {
				return broker.OrderResult{}, fmt.Errorf("session refresh: %w", authErr)
			}
			continue
		}
		if attempt >= e.maxAttempts-1 {
			return broker.OrderResult{}, fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return broker.OrderResult{}, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

// confirmFill fetches the fill price once, best-effort. A market order
// on these venues fills near-instantly or gets rejected outright.
func (e *Executor) confirmFill(ctx context.Context, b broker.Broker, placed broker.OrderResult) broker.OrderResult {
	status, err := b.OrderStatus(ctx, placed.OrderID)
	if err != nil {
		e.log.Warn("fill confirmation failed", zap.String("order", placed.OrderID), zap.Error(err))
		return placed
	}
	return status
}

// unwind issues one compensating close per opened hedge leg, then
// wraps the phase error. A compensation failure upgrades the result to
// PartialExposureError carrying the still-open legs.
func (e *Executor) unwind(ctx context.Context, src BrokerSource, jobID string, openedHedges []legOutcome, phaseErr error) error {
	if len(openedHedges) == 0 {
		return phaseErr
	}
	var exposed []strategy.Leg
	var closeErrs error
	for _, outcome := range openedHedges {
		e.metrics.CompensationsIssued.Inc()
		if err := e.closeWithRetry(ctx, src, outcome.leg); err != nil {
			e.metrics.CompensationsFailed.Inc()
			exposed = append(exposed, outcome.leg)
			closeErrs = multierr.Append(closeErrs, err)
			continue
		}
		e.logAction(ctx, state.ExecutionLogEntry{
			Time:    time.Now(),
			Action:  "COMPENSATING_CLOSE",
			JobID:   jobID,
			Details: map[string]string{"instrument": outcome.leg.Instrument.String(), "order": outcome.result.OrderID},
		})
	}
	if len(exposed) > 0 {
		e.metrics.PartialExposures.Inc()
		e.logAction(ctx, state.ExecutionLogEntry{
			Time:    time.Now(),
			Action:  "PARTIAL_EXPOSURE",
			JobID:   jobID,
			Details: map[string]string{"open_legs": fmt.Sprintf("%d", len(exposed))},
		})
		return &PartialExposureError{JobID: jobID, Legs: exposed, Err: multierr.Append(phaseErr, closeErrs)}
	}
	return phaseErr
}

func (e *Executor) closeWithRetry(ctx context.Context, src BrokerSource, leg strategy.Leg) error {
	b, err := src.ForVenue(ctx, leg.Venue)
	if err != nil {
		return err
	}
	backoff := e.baseBackoff
	authRetried := false
	for attempt := 0; ; attempt++ {
		_, err := b.CloseLeg(ctx, leg)
		if err == nil {
			return nil
		}
		if broker.IsRejected(err) {
			return err
		}
		if broker.IsAuth(err) && !authRetried {
			authRetried = true
			if _, authErr := b.Authenticate(ctx); authErr != nil {
				return fmt.Errorf("session refresh: %w", authErr)
			}
			continue
		}
		if attempt >= e.maxAttempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (e *Executor) buildPosition(req Request, hedgeOutcomes, mainOutcomes []legOutcome) *position.Position {
	legs := make([]position.FilledLeg, 0, len(hedgeOutcomes)+len(mainOutcomes))
	var hedgePremium, mainPremium float64
	for _, outcome := range hedgeOutcomes {
		legs = append(legs, position.FilledLeg{
			Leg:       outcome.leg,
			Venue:     outcome.venue,
			OrderID:   outcome.result.OrderID,
			FillPrice: outcome.result.FillPrice,
		})
		hedgePremium += outcome.result.FillPrice
	}
	for _, outcome := range mainOutcomes {
		legs = append(legs, position.FilledLeg{
			Leg:       outcome.leg,
			Venue:     outcome.venue,
			OrderID:   outcome.result.OrderID,
			FillPrice: outcome.result.FillPrice,
		})
		mainPremium += outcome.result.FillPrice
	}
	entry := mainPremium - hedgePremium
	if entry == 0 {
		entry = req.Legs.NetPremium
	}
	return &position.Position{
		ID:           uuid.NewString(),
		JobID:        req.JobID,
		Strategy:     req.Strategy,
		Mode:         req.Mode,
		Status:       position.StatusOpen,
		Legs:         legs,
		EntryPremium: entry,
		Target:       req.Legs.Target,
		StopLoss:     req.Legs.StopLoss,
		LotSize:      req.Legs.LotSize,
		Lots:         req.Legs.Lots,
		OpenedAt:     time.Now(),
	}
}

func (e *Executor) cachedOrder(ctx context.Context, key string) (string, bool) {
	e.mu.Lock()
	if orderID, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return orderID, true
	}
	e.mu.Unlock()
	if e.store == nil {
		return "", false
	}
	orderID, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return "", false
	}
	e.mu.Lock()
	e.cache[key] = orderID
	e.mu.Unlock()
	return orderID, true
}

func (e *Executor) rememberOrder(ctx context.Context, key, orderID string) {
	e.mu.Lock()
	e.cache[key] = orderID
	e.mu.Unlock()
	if e.store == nil {
		return
	}
	if err := e.store.Set(ctx, key, orderID); err != nil {
		e.log.Warn("failed to persist order id", zap.Error(err))
	}
}

func (e *Executor) logAction(ctx context.Context, entry state.ExecutionLogEntry) {
	if err := state.AppendExecutionLog(ctx, e.store, entry); err != nil {
		e.log.Warn("execution log append failed", zap.Error(err))
	}
}

func clientOrderKey(jobID string, leg strategy.Leg) string {
	return fmt.Sprintf("cloid:%s:%s:%s:%s", jobID, leg.Role, leg.Side, leg.Instrument)
}

func phaseError(outcomes []legOutcome) error {
	var err error
	for _, outcome := range outcomes {
		if outcome.err != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", outcome.leg.Instrument, outcome.err))
		}
	}
	return err
}

func opened(outcomes []legOutcome) []legOutcome {
	var filled []legOutcome
	for _, outcome := range outcomes {
		if outcome.err == nil {
			filled = append(filled, outcome)
		}
	}
	return filled
}
