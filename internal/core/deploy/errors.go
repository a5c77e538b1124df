package deploy

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrInvalidTransition is returned on an illegal state machine move.
	ErrInvalidTransition = errors.New("invalid deployment state transition")

	// ErrMissingArtifact is the sentinel behind MissingArtifactError.
	ErrMissingArtifact = errors.New("missing required files")

	// ErrInvalidStack is the sentinel behind InvalidStackError.
	ErrInvalidStack = errors.New("invalid stack definition")

	// ErrUnhealthy is returned when the health probe never succeeds.
	ErrUnhealthy = errors.New("health check failed")
)

// MissingArtifactError lists required files absent from the application directory.
type MissingArtifactError struct {
	Dir     string
	Missing []string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("missing required files in %s: %s", e.Dir, strings.Join(e.Missing, ", "))
}

func (e *MissingArtifactError) Unwrap() error {
	return ErrMissingArtifact
}

// InvalidStackError wraps a stack definition that failed to load.
type InvalidStackError struct {
	Err error
}

func (e *InvalidStackError) Error() string {
	return fmt.Sprintf("%s: %v", ErrInvalidStack, e.Err)
}

func (e *InvalidStackError) Unwrap() []error {
	return []error{ErrInvalidStack, e.Err}
}

// UnhealthyError reports the last probe outcome.
type UnhealthyError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *UnhealthyError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("health check %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("health check %s failed after %d attempt(s): status %d", e.URL, e.Attempts, e.StatusCode)
	default:
		return fmt.Sprintf("health check %s failed after %d attempt(s)", e.URL, e.Attempts)
	}
}

func (e *UnhealthyError) Unwrap() error {
	return ErrUnhealthy
}

// MissingArtifacts returns the required files for which exists reports false.
// Order follows required.
func MissingArtifacts(required []string, exists func(name string) bool) []string {
	var missing []string
	for _, name := range required {
		if !exists(name) {
			missing = append(missing, name)
		}
	}
	return missing
}
