package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"nfo-seller-bot/internal/alerts"
	"nfo-seller-bot/internal/broker"
	"nfo-seller-bot/internal/exec"
	"nfo-seller-bot/internal/market"
	"nfo-seller-bot/internal/metrics"
	"nfo-seller-bot/internal/position"
	"nfo-seller-bot/internal/settings"
	"nfo-seller-bot/internal/state"
	"nfo-seller-bot/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotCancelable = errors.New("job is executing and cannot be cancelled")
	ErrUnknownJob    = errors.New("unknown job")
)

const specPrefix = "schedule:"

// Executor runs one execution attempt for a job's leg set.
type Executor interface {
	Execute(ctx context.Context, req exec.Request) (*position.Position, error)
}

// Warmer validates venue sessions ahead of the trigger. Satisfied by
// broker.Selector.
type Warmer interface {
	Pick(ctx context.Context) (broker.Broker, error)
}

// SettingsSource yields the current settings snapshot, reloaded every
// tick.
type SettingsSource interface {
	Load(ctx context.Context) (settings.Snapshot, error)
}

// Notifier delivers operator alerts. Satisfied by alerts.Notifier.
type Notifier interface {
	Notify(event alerts.Event, message string)
}

type Options struct {
	TickInterval  time.Duration
	PreGenAdvance time.Duration
	WarmupAdvance time.Duration
	ExpireGrace   time.Duration
}

// Scheduler drives all jobs through their phases from a single timer
// loop. Blocking work (generation, probes, execution) always runs on
// worker goroutines so the tick cadence never slips.
type Scheduler struct {
	store     state.Store
	generator strategy.Generator
	executor  Executor
	warmer    Warmer
	book      *position.Book
	settings  SettingsSource
	hours     *market.Hours
	notifier  Notifier
	metrics   *metrics.Metrics
	log       *zap.Logger

	opts Options
	now  func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

func New(store state.Store, generator strategy.Generator, executor Executor, warmer Warmer, book *position.Book, settingsSource SettingsSource, hours *market.Hours, notifier Notifier, m *metrics.Metrics, opts Options, log *zap.Logger) *Scheduler {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Scheduler{
		store:     store,
		generator: generator,
		executor:  executor,
		warmer:    warmer,
		book:      book,
		settings:  settingsSource,
		hours:     hours,
		notifier:  notifier,
		metrics:   m,
		log:       log,
		opts:      opts,
		now:       time.Now,
		jobs:      make(map[string]*Job),
	}
}

// Restore reloads persisted schedule specs. Called once at startup.
func (s *Scheduler) Restore(ctx context.Context) error {
	keys, err := s.store.Keys(ctx, specPrefix)
	if err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	}
	for _, key := range keys {
		raw, ok, err := s.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("restore schedules: %w", err)
		}
		if !ok {
			continue
		}
		var spec Spec
		if err := json.Unmarshal([]byte(raw), &spec); err != nil {
			s.log.Warn("skipping undecodable schedule", zap.String("key", key), zap.Error(err))
			continue
		}
		job, err := s.buildJob(spec)
		if err != nil {
			s.log.Warn("skipping unschedulable spec", zap.String("id", spec.ID), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.jobs[spec.ID] = job
		s.mu.Unlock()
	}
	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()
	if count > 0 {
		s.log.Info("restored schedules", zap.Int("count", count))
	}
	return nil
}

// RegisterSchedule validates, persists and activates a trigger spec.
func (s *Scheduler) RegisterSchedule(ctx context.Context, spec Spec) (string, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Underlying == "" {
		return "", errors.New("schedule underlying is required")
	}
	job, err := s.buildJob(spec)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, specPrefix+spec.ID, string(data)); err != nil {
		return "", fmt.Errorf("persist schedule: %w", err)
	}
	s.mu.Lock()
	s.jobs[spec.ID] = job
	s.mu.Unlock()
	s.log.Info("schedule registered",
		zap.String("id", spec.ID),
		zap.String("underlying", spec.Underlying),
		zap.Time("trigger", job.triggerTime()))
	return spec.ID, nil
}

// CancelSchedule removes a job. Fails with ErrNotCancelable once the
// job is executing; in-flight legs run to completion.
func (s *Scheduler) CancelSchedule(ctx context.Context, jobID string) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownJob
	}
	if job.currentPhase() == PhaseExecuting {
		s.mu.Unlock()
		return ErrNotCancelable
	}
	delete(s.jobs, jobID)
	s.mu.Unlock()
	if err := s.store.Delete(ctx, specPrefix+jobID); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	s.log.Info("schedule cancelled", zap.String("id", jobID))
	return nil
}

// GetStatus reports a job's phase, trigger and readiness flags.
func (s *Scheduler) GetStatus(jobID string) (Status, error) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return Status{}, ErrUnknownJob
	}
	return job.status(), nil
}

// Run drives the tick loop until ctx is cancelled, then waits for any
// in-flight workers.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every job against the three thresholds once.
func (s *Scheduler) Tick(ctx context.Context) {
	snap, err := s.settings.Load(ctx)
	if err != nil {
		s.log.Warn("settings load failed", zap.Error(err))
		snap = settings.Defaults()
	}
	now := s.now()
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()
	for _, job := range jobs {
		s.evaluate(ctx, job, snap, now)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, job *Job, snap settings.Snapshot, now time.Time) {
	if job.currentPhase().Terminal() {
		s.maybeRearm(job, now)
		return
	}
	if !snap.Enabled || !snap.StrategyEnabled(job.spec.Strategy) {
		return
	}
	trigger := job.triggerTime()

	if now.After(trigger.Add(s.opts.ExpireGrace)) {
		if job.advance(PhaseExpired, now) {
			s.metrics.JobsExpired.Inc()
			s.notify(alerts.EventJobExpired, fmt.Sprintf("job %s missed its %s trigger", job.spec.ID, trigger.Format("15:04:05")))
		}
		return
	}

	switch {
	case !now.Before(trigger):
		s.dispatch(ctx, job, snap, now)
	case !now.Before(trigger.Add(-s.opts.WarmupAdvance)):
		if job.currentPhase() == PhasePending {
			// pre-generation threshold was missed too; catch up
			s.preGenerate(job, now)
			return
		}
		s.warmUp(job, now)
	case !now.Before(trigger.Add(-s.opts.PreGenAdvance)):
		s.preGenerate(job, now)
	}
}

// preGenerate computes the leg set ahead of the trigger on a worker.
// A failure leaves the job in PRE_GENERATING; the dispatch path falls
// back to inline generation if time remains.
func (s *Scheduler) preGenerate(job *Job, now time.Time) {
	if !job.advance(PhasePreGenerating, now) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		genCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		legs, err := s.generator.Generate(genCtx, job.spec.Underlying, job.triggerTime())
		if err != nil {
			job.setError(strategy.GenerationError(job.spec.Underlying, err))
			s.notify(alerts.EventGenerationFail, fmt.Sprintf("job %s pre-generation failed: %v, will retry at trigger", job.spec.ID, err))
			s.log.Warn("pre-generation failed", zap.String("job", job.spec.ID), zap.Error(err))
			return
		}
		job.setLegs(legs)
		if job.advance(PhaseReady, s.now()) {
			s.log.Info("leg set cached", zap.String("job", job.spec.ID), zap.Int("legs", len(legs.Legs)))
		}
	}()
}

// warmUp probes venue sessions on a worker so the dispatch at T finds
// everything authenticated. A failed probe steps the job back to READY
// and every following tick probes again until T.
func (s *Scheduler) warmUp(job *Job, now time.Time) {
	if !job.advance(PhaseWarmingUp, now) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		warmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.warmer.Pick(warmCtx); err != nil {
			job.setError(err)
			job.retryWarmup()
			s.log.Warn("warmup probe failed", zap.String("job", job.spec.ID), zap.Error(err))
			return
		}
		job.setWarmed()
		if job.advance(PhaseArmed, s.now()) {
			s.metrics.JobsArmed.Inc()
			s.notify(alerts.EventJobArmed, fmt.Sprintf("job %s armed for %s", job.spec.ID, job.triggerTime().Format("15:04:05")))
			s.log.Info("job armed", zap.String("job", job.spec.ID))
		}
	}()
}

// dispatch moves the job to EXECUTING exactly once and runs the
// attempt on a worker. Jobs that missed earlier thresholds generate
// inline here.
func (s *Scheduler) dispatch(ctx context.Context, job *Job, snap settings.Snapshot, now time.Time) {
	if job.currentPhase() == PhasePending {
		job.advance(PhasePreGenerating, now)
	}
	if !job.advance(PhaseExecuting, now) {
		return
	}
	if limit := snap.MaxPositionsPerStrategy; limit > 0 && s.openPositions(job.spec.Strategy) >= limit {
		s.fail(job, now, fmt.Errorf("max positions per strategy (%d) reached", limit))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		execCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.runAttempt(execCtx, job, snap)
	}()
}

func (s *Scheduler) runAttempt(ctx context.Context, job *Job, snap settings.Snapshot) {
	legs, ok := job.cachedLegs()
	if !ok {
		generated, err := s.generator.Generate(ctx, job.spec.Underlying, job.triggerTime())
		if err != nil {
			s.fail(job, s.now(), strategy.GenerationError(job.spec.Underlying, err))
			return
		}
		job.setLegs(generated)
		legs = generated
	}
	legs = scaleLegs(legs, snap.PositionSizeMultiplier)

	pos, err := s.executor.Execute(ctx, exec.Request{
		JobID:    job.spec.ID,
		Strategy: job.spec.Strategy,
		Mode:     snap.Mode,
		Legs:     legs,
	})
	if err != nil {
		s.fail(job, s.now(), err)
		return
	}
	if err := s.book.Add(ctx, pos); err != nil {
		s.log.Error("position registration failed", zap.String("job", job.spec.ID), zap.Error(err))
	}
	if job.advance(PhaseExecuted, s.now()) {
		s.metrics.JobsExecuted.Inc()
		s.notify(alerts.EventJobExecuted, fmt.Sprintf("job %s executed, position %s, entry premium %.2f", job.spec.ID, pos.ID, pos.EntryPremium))
	}
}

func (s *Scheduler) fail(job *Job, now time.Time, err error) {
	job.setError(err)
	if !job.advance(PhaseFailed, now) {
		return
	}
	s.metrics.JobsFailed.Inc()
	var pe *exec.PartialExposureError
	if errors.As(err, &pe) {
		s.notify(alerts.EventPartialExposure, fmt.Sprintf("job %s: %v", job.spec.ID, err))
		return
	}
	s.notify(alerts.EventJobFailed, fmt.Sprintf("job %s failed: %v", job.spec.ID, err))
}

func (s *Scheduler) openPositions(strategyName string) int {
	if s.book == nil {
		return 0
	}
	count := 0
	for _, pos := range s.book.Open() {
		if pos.Strategy == strategyName {
			count++
		}
	}
	return count
}

// maybeRearm resets a finished job once its next trigger day arrives.
func (s *Scheduler) maybeRearm(job *Job, now time.Time) {
	trigger := job.triggerTime()
	local := now.In(s.hours.Location())
	if local.Year() == trigger.Year() && local.YearDay() == trigger.YearDay() {
		return
	}
	next, err := nextTrigger(job.spec, local, s.hours.Location())
	if err != nil {
		return
	}
	if job.rearm(next) {
		s.log.Info("job re-armed", zap.String("id", job.spec.ID), zap.Time("trigger", next))
	}
}

func (s *Scheduler) buildJob(spec Spec) (*Job, error) {
	trigger, err := nextTrigger(spec, s.now().In(s.hours.Location()), s.hours.Location())
	if err != nil {
		return nil, err
	}
	return newJob(spec, trigger), nil
}

func (s *Scheduler) notify(event alerts.Event, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(event, message)
}

// nextTrigger resolves the next allowed weekday at the spec's clock
// time, starting from "from" (inclusive if the instant has not yet
// passed).
func nextTrigger(spec Spec, from time.Time, loc *time.Location) (time.Time, error) {
	clock, err := time.Parse("15:04:05", spec.TriggerAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse trigger time %q: %w", spec.TriggerAt, err)
	}
	for day := 0; day < 14; day++ {
		candidate := time.Date(from.Year(), from.Month(), from.Day()+day, clock.Hour(), clock.Minute(), clock.Second(), 0, loc)
		if !spec.ActiveOn(candidate.Weekday()) {
			continue
		}
		if day == 0 && candidate.Before(from) {
			continue
		}
		return candidate, nil
	}
	return time.Time{}, fmt.Errorf("no active weekday for schedule %s", spec.ID)
}

// scaleLegs applies the operator's size multiplier to lots and leg
// quantities. Never scales below one lot.
func scaleLegs(legs strategy.LegSet, multiplier float64) strategy.LegSet {
	if multiplier <= 0 || multiplier == 1 {
		return legs
	}
	scaled := legs
	oldLots := max(legs.Lots, 1)
	newLots := int(math.Max(1, math.Round(float64(oldLots)*multiplier)))
	factor := float64(newLots) / float64(oldLots)
	scaled.Lots = newLots
	scaled.Legs = make([]strategy.Leg, len(legs.Legs))
	for i, leg := range legs.Legs {
		leg.Quantity = int(math.Max(1, math.Round(float64(leg.Quantity)*factor)))
		scaled.Legs[i] = leg
	}
	return scaled
}
