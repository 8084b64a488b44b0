package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrNoBroker = errors.New("no authenticated broker available")

// Selector resolves legs to brokers with ordered fallback: the first
// venue in the configured order whose session probes healthy wins.
type Selector struct {
	mu      sync.RWMutex
	order   []string
	brokers map[string]Broker
}

func NewSelector(order []string, brokers ...Broker) *Selector {
	byVenue := make(map[string]Broker, len(brokers))
	for _, b := range brokers {
		byVenue[b.Venue()] = b
	}
	return &Selector{order: append([]string(nil), order...), brokers: byVenue}
}

// ForVenue returns the broker for an explicit venue, or falls back to
// Pick when the venue is unset or unknown.
func (s *Selector) ForVenue(ctx context.Context, venue string) (Broker, error) {
	s.mu.RLock()
	b, ok := s.brokers[venue]
	s.mu.RUnlock()
	if ok {
		return b, nil
	}
	return s.Pick(ctx)
}

// Pick probes venues in fallback order and returns the first healthy
// one.
func (s *Selector) Pick(ctx context.Context) (Broker, error) {
	s.mu.RLock()
	order := append([]string(nil), s.order...)
	brokers := make(map[string]Broker, len(s.brokers))
	for venue, b := range s.brokers {
		brokers[venue] = b
	}
	s.mu.RUnlock()

	var lastErr error
	for _, venue := range order {
		b, ok := brokers[venue]
		if !ok {
			continue
		}
		if err := b.Probe(ctx); err != nil {
			lastErr = err
			continue
		}
		return b, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBroker, lastErr)
	}
	return nil, ErrNoBroker
}

// All returns the registered brokers in fallback order.
func (s *Selector) All() []Broker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Broker, 0, len(s.brokers))
	for _, venue := range s.order {
		if b, ok := s.brokers[venue]; ok {
			out = append(out, b)
		}
	}
	return out
}
