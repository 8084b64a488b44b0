package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is a sliding-window admission gate: at most limit calls may
// begin within any rolling window. Wait blocks the caller until the
// oldest recorded call ages out of the window.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	stamps []time.Time
}

func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Wait blocks until a call slot is available, then records the call.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.stamps) < l.limit {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.stamps[0].Add(l.window).Sub(now)
		l.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(l.stamps) && !l.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[idx:]...)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Registry hands out one shared limiter per venue so concurrent legs
// submitting to the same venue contend on the same window.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

func (r *Registry) For(venue string, limit int, window time.Duration) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok := r.limiters[venue]; ok {
		return lim
	}
	lim := New(limit, window)
	r.limiters[venue] = lim
	return lim
}
