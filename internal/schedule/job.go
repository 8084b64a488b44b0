package schedule

import (
	"sync"
	"time"

	"nfo-seller-bot/internal/strategy"
)

// Phase is a job's position in its execution lifecycle. Transitions
// only move forward; EXECUTED, FAILED and EXPIRED are terminal for the
// day.
type Phase string

const (
	PhasePending       Phase = "PENDING"
	PhasePreGenerating Phase = "PRE_GENERATING"
	PhaseReady         Phase = "READY"
	PhaseWarmingUp     Phase = "WARMING_UP"
	PhaseArmed         Phase = "ARMED"
	PhaseExecuting     Phase = "EXECUTING"
	PhaseExecuted      Phase = "EXECUTED"
	PhaseFailed        Phase = "FAILED"
	PhaseExpired       Phase = "EXPIRED"
)

func (p Phase) Terminal() bool {
	return p == PhaseExecuted || p == PhaseFailed || p == PhaseExpired
}

// Spec is the declarative trigger definition for one daily job.
type Spec struct {
	ID         string         `json:"id"`
	Strategy   string         `json:"strategy"`
	Underlying string         `json:"underlying"`
	TriggerAt  string         `json:"trigger_at"` // "15:04:00" exchange-local clock
	Weekdays   []time.Weekday `json:"weekdays,omitempty"`
}

// ActiveOn reports whether the spec fires on the given weekday.
// Saturdays and Sundays never fire; an empty list means every weekday.
func (s Spec) ActiveOn(day time.Weekday) bool {
	if day == time.Saturday || day == time.Sunday {
		return false
	}
	if len(s.Weekdays) == 0 {
		return true
	}
	for _, d := range s.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// Status is the externally visible view of a job.
type Status struct {
	JobID      string              `json:"job_id"`
	Phase      Phase               `json:"phase"`
	Trigger    time.Time           `json:"trigger"`
	LegsReady  bool                `json:"legs_ready"`
	Warmed     bool                `json:"warmed"`
	LastError  string              `json:"last_error,omitempty"`
	Timestamps map[Phase]time.Time `json:"timestamps"`
}

// Job is one registered schedule with its current attempt's state.
// All fields behind the mutex; phase moves through canAdvance only.
type Job struct {
	mu         sync.Mutex
	spec       Spec
	phase      Phase
	trigger    time.Time
	legs       strategy.LegSet
	legsReady  bool
	warmed     bool
	lastErr    error
	timestamps map[Phase]time.Time
}

func newJob(spec Spec, trigger time.Time) *Job {
	return &Job{
		spec:       spec,
		phase:      PhasePending,
		trigger:    trigger,
		timestamps: map[Phase]time.Time{PhasePending: trigger},
	}
}

func canAdvance(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseExpired || to == PhaseFailed {
		return from != PhaseExecuting || to == PhaseFailed
	}
	switch from {
	case PhasePending:
		return to == PhasePreGenerating
	case PhasePreGenerating:
		return to == PhaseReady || to == PhaseExecuting
	case PhaseReady:
		return to == PhaseWarmingUp || to == PhaseExecuting
	case PhaseWarmingUp:
		return to == PhaseArmed || to == PhaseExecuting
	case PhaseArmed:
		return to == PhaseExecuting
	case PhaseExecuting:
		return to == PhaseExecuted
	}
	return false
}

// advance attempts a forward transition, recording its timestamp.
// Returns false when the move is not legal from the current phase,
// which is what makes threshold crossings and dispatch one-shot.
func (j *Job) advance(to Phase, at time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canAdvance(j.phase, to) {
		return false
	}
	j.phase = to
	j.timestamps[to] = at
	return true
}

func (j *Job) currentPhase() Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}

func (j *Job) setLegs(legs strategy.LegSet) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.legs = legs
	j.legsReady = true
	j.lastErr = nil
}

func (j *Job) cachedLegs() (strategy.LegSet, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.legs, j.legsReady
}

func (j *Job) setWarmed() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.warmed = true
}

func (j *Job) setError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastErr = err
}

// retryWarmup steps the job back to READY after a failed session
// probe so the next tick probes again. The legs stay cached.
func (j *Job) retryWarmup() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phase != PhaseWarmingUp {
		return false
	}
	j.phase = PhaseReady
	return true
}

func (j *Job) triggerTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.trigger
}

// rearm resets the job for its next trigger day. Only legal from a
// terminal phase: the current attempt is over.
func (j *Job) rearm(trigger time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.phase.Terminal() {
		return false
	}
	j.phase = PhasePending
	j.trigger = trigger
	j.legs = strategy.LegSet{}
	j.legsReady = false
	j.warmed = false
	j.lastErr = nil
	j.timestamps = map[Phase]time.Time{PhasePending: trigger}
	return true
}

func (j *Job) status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	stamps := make(map[Phase]time.Time, len(j.timestamps))
	for phase, at := range j.timestamps {
		stamps[phase] = at
	}
	status := Status{
		JobID:      j.spec.ID,
		Phase:      j.phase,
		Trigger:    j.trigger,
		LegsReady:  j.legsReady,
		Warmed:     j.warmed,
		Timestamps: stamps,
	}
	if j.lastErr != nil {
		status.LastError = j.lastErr.Error()
	}
	return status
}
