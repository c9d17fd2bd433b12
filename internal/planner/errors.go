package planner

import (
	"errors"
	"fmt"

	"wellness-planner/internal/plan"
)

var (
	// ErrInsufficientEnergy is matched by every *InsufficientEnergyError.
	ErrInsufficientEnergy = errors.New("insufficient energy")
	// ErrGenerationFailed is matched by every *GenerationError.
	ErrGenerationFailed = errors.New("plan generation failed")
	// ErrNoPlanForToday is returned by refinement when today has no plan yet.
	ErrNoPlanForToday = errors.New("no plan for today")
	// ErrNotToday is returned by refinement for any date other than today.
	ErrNotToday = errors.New("only today's plan can be refined")
	// ErrPlanNotFound is returned by user actions on a date without a plan.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrItemNotFound is returned by user actions naming an unknown item.
	ErrItemNotFound = plan.ErrItemNotFound
	// ErrUpgradeUnavailable is returned when the requested generator is not configured.
	ErrUpgradeUnavailable = errors.New("generator not configured")
	// ErrInvalidDate is returned for malformed date keys.
	ErrInvalidDate = errors.New("invalid date key")
)

// InsufficientEnergyError is returned before any generation starts when the
// ledger cannot cover the cost.
type InsufficientEnergyError struct {
	Cost    int
	Balance int
}

func (e *InsufficientEnergyError) Error() string {
	return fmt.Sprintf("insufficient energy: need %d, have %d", e.Cost, e.Balance)
}

func (e *InsufficientEnergyError) Is(target error) bool {
	return target == ErrInsufficientEnergy
}

// GenerationError wraps a generator failure or malformed output for a tier.
type GenerationError struct {
	Tier string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation failed: %v", e.Tier, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGenerationFailed
}
