package deploy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAttempt_HappyPath(t *testing.T) {
	a := NewAttempt("a-1", "/home/ubuntu/app", testNow)
	assert.Equal(t, StateIdle, a.State)

	for _, s := range []State{
		StatePreflightChecked,
		StateImagesPulled,
		StateOldStackStopped,
		StateNewStackStarted,
		StateProbed,
		StateSucceeded,
	} {
		require.NoError(t, a.Transition(s))
	}
	a.Finish(testNow.Add(30 * time.Second))

	assert.True(t, a.Succeeded())
	assert.Equal(t, 30*time.Second, a.Duration())
	assert.Equal(t, []State{
		StateIdle, StatePreflightChecked, StateImagesPulled, StateOldStackStopped,
		StateNewStackStarted, StateProbed, StateSucceeded,
	}, a.History)
}

func TestAttempt_RejectsSkippingStates(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{StateIdle, StateImagesPulled},
		{StatePreflightChecked, StateNewStackStarted},
		{StateImagesPulled, StateProbed},
		{StateNewStackStarted, StateSucceeded},
		{StateProbed, StateFailedCommand},
		{StateSucceeded, StateIdle},
		{StateFailedCommand, StateProbed},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			a := &Attempt{State: tt.from}
			err := a.Transition(tt.to)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tt.from, a.State)
		})
	}
}

func TestAttempt_FailedCommandFromEveryPreProbeState(t *testing.T) {
	for _, from := range []State{StatePreflightChecked, StateImagesPulled, StateOldStackStopped, StateNewStackStarted} {
		a := &Attempt{State: from}
		cause := errors.New("exit status 1")
		require.NoError(t, a.Fail(StateFailedCommand, "pull", cause, testNow))

		assert.Equal(t, StateFailedCommand, a.State)
		assert.Equal(t, "pull", a.FailedStep)
		assert.Equal(t, "exit status 1", a.Error)
		assert.True(t, a.State.IsFailure())
	}
}

func TestAttempt_FailedPreflightOnlyFromIdle(t *testing.T) {
	a := NewAttempt("a-2", "/x", testNow)
	require.NoError(t, a.Fail(StateFailedPreflight, "preflight", nil, testNow))
	assert.Equal(t, StateFailedPreflight, a.State)
	assert.Empty(t, a.Error)

	b := &Attempt{State: StatePreflightChecked}
	assert.ErrorIs(t, b.Fail(StateFailedPreflight, "preflight", nil, testNow), ErrInvalidTransition)
}

func TestState_Terminal(t *testing.T) {
	assert.True(t, StateSucceeded.IsTerminal())
	assert.False(t, StateSucceeded.IsFailure())
	assert.True(t, StateFailedUnhealthy.IsFailure())
	assert.False(t, StateProbed.IsTerminal())
	assert.False(t, StateIdle.IsTerminal())
}

func TestAttempt_DurationUnfinished(t *testing.T) {
	a := NewAttempt("a-3", "/x", testNow)
	assert.Zero(t, a.Duration())
}

// =============================================================================
// Error Tests
// =============================================================================

func TestMissingArtifacts(t *testing.T) {
	present := map[string]bool{"docker-compose.yml": true, ".env": true}
	missing := MissingArtifacts(
		[]string{"docker-compose.yml", "docker-compose.prod.yml", ".env"},
		func(name string) bool { return present[name] },
	)
	assert.Equal(t, []string{"docker-compose.prod.yml"}, missing)
}

func TestMissingArtifactError(t *testing.T) {
	err := &MissingArtifactError{Dir: "/app", Missing: []string{"docker-compose.prod.yml", ".env"}}

	assert.Equal(t, "missing required files in /app: docker-compose.prod.yml, .env", err.Error())
	assert.ErrorIs(t, err, ErrMissingArtifact)
}

func TestInvalidStackError(t *testing.T) {
	inner := errors.New("services.web: bad")
	err := &InvalidStackError{Err: inner}

	assert.ErrorIs(t, err, ErrInvalidStack)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "services.web: bad")
}

func TestUnhealthyError(t *testing.T) {
	tests := []struct {
		name string
		err  *UnhealthyError
		want string
	}{
		{"status", &UnhealthyError{URL: "http://x/health", StatusCode: 503, Attempts: 4}, "health check http://x/health failed after 4 attempt(s): status 503"},
		{"cause", &UnhealthyError{URL: "http://x/health", Attempts: 1, Err: errors.New("refused")}, "health check http://x/health failed after 1 attempt(s): refused"},
		{"bare", &UnhealthyError{URL: "http://x/health"}, "health check http://x/health failed after 0 attempt(s)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.ErrorIs(t, tt.err, ErrUnhealthy)
		})
	}
}
