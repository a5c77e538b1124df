package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/artpar/hostctl/internal/core/deploy"
)

// =============================================================================
// ContainerStatus Tests
// =============================================================================

func TestContainerStatus(t *testing.T) {
	tests := []struct {
		name     string
		c        deploy.Container
		expected Status
	}{
		{"running no healthcheck", deploy.Container{State: "running"}, StatusHealthy},
		{"running healthy", deploy.Container{State: "running", Health: "healthy"}, StatusHealthy},
		{"running unhealthy", deploy.Container{State: "running", Health: "unhealthy"}, StatusUnhealthy},
		{"running starting", deploy.Container{State: "running", Health: "starting"}, StatusDegraded},
		{"flapping", deploy.Container{State: "running", Restarts: 4}, StatusDegraded},
		{"few restarts", deploy.Container{State: "running", Restarts: 3}, StatusHealthy},
		{"exited", deploy.Container{State: "exited"}, StatusUnhealthy},
		{"restarting", deploy.Container{State: "restarting"}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ContainerStatus(tt.c))
		})
	}
}

// =============================================================================
// Aggregate Tests
// =============================================================================

func TestAggregate(t *testing.T) {
	healthy := deploy.Container{Name: "web", State: "running"}
	down := deploy.Container{Name: "db", State: "exited"}
	starting := deploy.Container{Name: "cache", State: "running", Health: "starting"}

	tests := []struct {
		name       string
		containers []deploy.Container
		expected   Status
	}{
		{"empty", nil, StatusUnknown},
		{"all healthy", []deploy.Container{healthy, healthy}, StatusHealthy},
		{"one down", []deploy.Container{healthy, down}, StatusDegraded},
		{"all down", []deploy.Container{down, down}, StatusUnhealthy},
		{"one starting", []deploy.Container{healthy, starting}, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Aggregate(tt.containers))
		})
	}
}

// =============================================================================
// Summary Tests
// =============================================================================

func TestSummarize(t *testing.T) {
	s := Summarize([]deploy.Container{
		{Name: "app-web-1", Service: "web", Image: "acme/web:1", State: "running", Health: "unhealthy", Restarts: 2},
		{Name: "app-db-1", Service: "db", Image: "postgres:16", State: "running"},
	})

	assert.Equal(t, StatusDegraded, s.Overall)
	assert.Equal(t, 2, s.Services)
	assert.Equal(t, []string{"app-web-1"}, s.Failing)
	assert.Equal(t, []string{
		"app-db-1 (db) postgres:16: running -> healthy",
		"app-web-1 (web) acme/web:1: running/unhealthy restarts=2 -> unhealthy",
	}, s.Lines)
	assert.Equal(t,
		"stack status: degraded (2 container(s))\n"+
			"  app-db-1 (db) postgres:16: running -> healthy\n"+
			"  app-web-1 (web) acme/web:1: running/unhealthy restarts=2 -> unhealthy\n",
		s.String())
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Equal(t, StatusUnknown, s.Overall)
	assert.Equal(t, "stack status: unknown (0 container(s))\n", s.String())
}

func TestContainerLine_NameEqualsService(t *testing.T) {
	line := ContainerLine(deploy.Container{Name: "web", Service: "web", State: "exited"}, StatusUnhealthy)
	assert.Equal(t, "web: exited -> unhealthy", line)
}
