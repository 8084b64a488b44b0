package schedule

import (
	"testing"
	"time"
)

func TestPhaseTransitionsAreForwardOnly(t *testing.T) {
	forward := []Phase{PhasePreGenerating, PhaseReady, PhaseWarmingUp, PhaseArmed, PhaseExecuting, PhaseExecuted}
	job := newJob(Spec{ID: "j"}, time.Now())
	for _, next := range forward {
		if !job.advance(next, time.Now()) {
			t.Fatalf("expected advance to %s from %s", next, job.currentPhase())
		}
	}
	// terminal: nothing moves anymore
	for _, next := range []Phase{PhasePending, PhaseExecuting, PhaseFailed, PhaseExpired} {
		if job.advance(next, time.Now()) {
			t.Fatalf("advance to %s allowed from terminal phase", next)
		}
	}
}

func TestNoBackwardTransition(t *testing.T) {
	job := newJob(Spec{ID: "j"}, time.Now())
	job.advance(PhasePreGenerating, time.Now())
	job.advance(PhaseReady, time.Now())
	if job.advance(PhasePreGenerating, time.Now()) {
		t.Fatal("backward transition allowed")
	}
	if job.advance(PhasePending, time.Now()) {
		t.Fatal("reset outside rearm allowed")
	}
}

func TestExecutingDispatchIsOneShot(t *testing.T) {
	job := newJob(Spec{ID: "j"}, time.Now())
	job.advance(PhasePreGenerating, time.Now())
	job.advance(PhaseReady, time.Now())
	job.advance(PhaseWarmingUp, time.Now())
	job.advance(PhaseArmed, time.Now())
	if !job.advance(PhaseExecuting, time.Now()) {
		t.Fatal("first dispatch refused")
	}
	if job.advance(PhaseExecuting, time.Now()) {
		t.Fatal("second dispatch allowed")
	}
}

func TestExpireOnlyBeforeExecuting(t *testing.T) {
	job := newJob(Spec{ID: "j"}, time.Now())
	job.advance(PhasePreGenerating, time.Now())
	if !job.advance(PhaseExpired, time.Now()) {
		t.Fatal("expected expiry from pre-generating")
	}

	job = newJob(Spec{ID: "j"}, time.Now())
	job.advance(PhasePreGenerating, time.Now())
	job.advance(PhaseExecuting, time.Now())
	if job.advance(PhaseExpired, time.Now()) {
		t.Fatal("expiry allowed during execution")
	}
	if !job.advance(PhaseFailed, time.Now()) {
		t.Fatal("expected failure from executing")
	}
}

func TestRearmOnlyFromTerminal(t *testing.T) {
	job := newJob(Spec{ID: "j"}, time.Now())
	if job.rearm(time.Now().Add(24 * time.Hour)) {
		t.Fatal("rearm allowed mid-flight")
	}
	job.advance(PhasePreGenerating, time.Now())
	job.advance(PhaseExpired, time.Now())
	next := time.Now().Add(24 * time.Hour)
	if !job.rearm(next) {
		t.Fatal("rearm refused from terminal phase")
	}
	if job.currentPhase() != PhasePending {
		t.Fatalf("phase after rearm = %s", job.currentPhase())
	}
	if !job.triggerTime().Equal(next) {
		t.Fatal("trigger not reset")
	}
}

func TestSpecActiveOn(t *testing.T) {
	spec := Spec{}
	if spec.ActiveOn(time.Saturday) || spec.ActiveOn(time.Sunday) {
		t.Fatal("weekends must never fire")
	}
	if !spec.ActiveOn(time.Wednesday) {
		t.Fatal("empty weekday list means every weekday")
	}
	spec.Weekdays = []time.Weekday{time.Tuesday, time.Thursday}
	if spec.ActiveOn(time.Wednesday) {
		t.Fatal("wednesday not in list")
	}
	if !spec.ActiveOn(time.Thursday) {
		t.Fatal("thursday in list")
	}
}
