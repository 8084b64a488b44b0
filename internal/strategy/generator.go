package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrGeneration marks a failed strike derivation. The scheduler treats
// it as recoverable until the trigger time has passed.
var ErrGeneration = errors.New("strategy generation failed")

// Generator derives the leg set for an instrument ahead of execution.
// Implementations live outside the core (option-chain analytics).
type Generator interface {
	Generate(ctx context.Context, underlying string, asOf time.Time) (LegSet, error)
}

func GenerationError(underlying string, err error) error {
	return fmt.Errorf("generate %s: %v: %w", underlying, err, ErrGeneration)
}
