// Package deploy models a single deployment attempt and its state machine.
// This is part of the Functional Core - no I/O, transitions are pure checks.
package deploy

import (
	"fmt"
	"time"
)

// =============================================================================
// States
// =============================================================================

// State is a Deployment Runner state.
type State string

const (
	StateIdle             State = "idle"
	StatePreflightChecked State = "preflight_checked"
	StateImagesPulled     State = "images_pulled"
	StateOldStackStopped  State = "old_stack_stopped"
	StateNewStackStarted  State = "new_stack_started"
	StateProbed           State = "probed"
	StateSucceeded        State = "succeeded"
	StateFailedUnhealthy  State = "failed_unhealthy"
	StateFailedCommand    State = "failed_command"
	StateFailedPreflight  State = "failed_preflight"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailedUnhealthy, StateFailedCommand, StateFailedPreflight:
		return true
	}
	return false
}

// IsFailure reports whether the state is a terminal failure.
func (s State) IsFailure() bool {
	return s.IsTerminal() && s != StateSucceeded
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateIdle:             {StatePreflightChecked, StateFailedPreflight},
	StatePreflightChecked: {StateImagesPulled, StateFailedCommand},
	StateImagesPulled:     {StateOldStackStopped, StateFailedCommand},
	StateOldStackStopped:  {StateNewStackStarted, StateFailedCommand},
	StateNewStackStarted:  {StateProbed, StateFailedCommand},
	StateProbed:           {StateSucceeded, StateFailedUnhealthy},
}

// CanTransitionTo reports whether to is a legal successor of s.
func (s State) CanTransitionTo(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// Attempt
// =============================================================================

// Container is one container observed on the host.
type Container struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Service  string `json:"service"`
	Image    string `json:"image"`
	State    string `json:"state"`
	Health   string `json:"health,omitempty"`
	Restarts int    `json:"restarts,omitempty"`
}

// HealthResult is the outcome of the health probe.
type HealthResult struct {
	Healthy    bool          `json:"healthy"`
	URL        string        `json:"url"`
	StatusCode int           `json:"status_code,omitempty"`
	Attempts   int           `json:"attempts"`
	Elapsed    time.Duration `json:"elapsed"`
	Error      string        `json:"error,omitempty"`
}

// Attempt is one Deployment Runner invocation.
type Attempt struct {
	ID              string        `json:"id"`
	Project         string        `json:"project"`
	Dir             string        `json:"dir"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at,omitempty"`
	State           State         `json:"state"`
	History         []State       `json:"history"`
	Images          []string      `json:"images,omitempty"`
	PriorContainers []Container   `json:"prior_containers,omitempty"`
	Health          *HealthResult `json:"health,omitempty"`
	FailedStep      string        `json:"failed_step,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// NewAttempt starts an attempt in the Idle state.
func NewAttempt(id, dir string, now time.Time) *Attempt {
	return &Attempt{
		ID:        id,
		Dir:       dir,
		StartedAt: now,
		State:     StateIdle,
		History:   []State{StateIdle},
	}
}

// Transition moves the attempt to the next state, refusing illegal moves.
func (a *Attempt) Transition(to State) error {
	if !a.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.State, to)
	}
	a.State = to
	a.History = append(a.History, to)
	return nil
}

// Fail moves the attempt to a terminal failure state and records the cause.
func (a *Attempt) Fail(to State, step string, cause error, now time.Time) error {
	if err := a.Transition(to); err != nil {
		return err
	}
	a.FailedStep = step
	if cause != nil {
		a.Error = cause.Error()
	}
	a.FinishedAt = now
	return nil
}

// Finish records the completion time of a successful attempt.
func (a *Attempt) Finish(now time.Time) {
	a.FinishedAt = now
}

// Duration returns how long the attempt ran.
func (a *Attempt) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// Succeeded reports whether the attempt ended successfully.
func (a *Attempt) Succeeded() bool {
	return a.State == StateSucceeded
}
