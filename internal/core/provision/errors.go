package provision

import (
	"errors"
	"fmt"
)

var (
	// ErrProfileUnresolved is returned when a plan is requested without a resolved host profile.
	ErrProfileUnresolved = errors.New("host profile must be resolved before planning")

	// ErrUnsupportedArch is returned when no orchestration tool release exists for the CPU architecture.
	ErrUnsupportedArch = errors.New("unsupported architecture")

	// ErrInvalidTemplateInput is returned when an artifact cannot be rendered from its inputs.
	ErrInvalidTemplateInput = errors.New("invalid artifact input")
)

// BestEffortError records a step failure that was logged and swallowed.
type BestEffortError struct {
	Step string
	Err  error
}

func (e *BestEffortError) Error() string {
	return fmt.Sprintf("best-effort step %s failed: %v", e.Step, e.Err)
}

func (e *BestEffortError) Unwrap() error {
	return e.Err
}

// StepError wraps the failure of a fatal step.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
