// Package monitoring summarizes container state for failure reports.
// This package contains NO I/O.
package monitoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/hostctl/internal/core/deploy"
)

// Status is the health of one container or of the whole stack.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// restartThreshold is the restart count above which a running container is degraded.
const restartThreshold = 3

// =============================================================================
// Health Aggregation (Pure Functions)
// =============================================================================

// ContainerStatus maps the runtime's view of a container to a Status.
//
// state is the container state (running, exited, restarting, ...), health the
// runtime health check result if the image defines one (healthy, unhealthy,
// starting, or empty).
func ContainerStatus(c deploy.Container) Status {
	if c.State != "running" {
		return StatusUnhealthy
	}
	if c.Health == "unhealthy" {
		return StatusUnhealthy
	}
	if c.Restarts > restartThreshold {
		return StatusDegraded
	}
	if c.Health == "starting" {
		return StatusDegraded
	}
	return StatusHealthy
}

// Aggregate determines overall stack health from container statuses.
func Aggregate(containers []deploy.Container) Status {
	if len(containers) == 0 {
		return StatusUnknown
	}

	unhealthy := 0
	degraded := 0
	for _, c := range containers {
		switch ContainerStatus(c) {
		case StatusUnhealthy:
			unhealthy++
		case StatusDegraded:
			degraded++
		}
	}

	if unhealthy == len(containers) {
		return StatusUnhealthy
	}
	if unhealthy > 0 || degraded > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// =============================================================================
// Report Formatting
// =============================================================================

// Summary is a printable digest of the stack after a failed deployment.
type Summary struct {
	Overall  Status
	Lines    []string
	Failing  []string
	Services int
}

// Summarize builds a Summary, one line per container sorted by name.
func Summarize(containers []deploy.Container) Summary {
	sorted := make([]deploy.Container, len(containers))
	copy(sorted, containers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	s := Summary{Overall: Aggregate(sorted), Services: len(sorted)}
	for _, c := range sorted {
		status := ContainerStatus(c)
		s.Lines = append(s.Lines, ContainerLine(c, status))
		if status != StatusHealthy {
			s.Failing = append(s.Failing, c.Name)
		}
	}
	return s
}

// ContainerLine renders one container as "name (service) image: state[/health] [restarts=N] -> status".
func ContainerLine(c deploy.Container, status Status) string {
	var b strings.Builder
	b.WriteString(c.Name)
	if c.Service != "" && c.Service != c.Name {
		fmt.Fprintf(&b, " (%s)", c.Service)
	}
	if c.Image != "" {
		fmt.Fprintf(&b, " %s", c.Image)
	}
	fmt.Fprintf(&b, ": %s", c.State)
	if c.Health != "" {
		fmt.Fprintf(&b, "/%s", c.Health)
	}
	if c.Restarts > 0 {
		fmt.Fprintf(&b, " restarts=%d", c.Restarts)
	}
	fmt.Fprintf(&b, " -> %s", status)
	return b.String()
}

// String renders the summary as a block suitable for the operator's terminal.
func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stack status: %s (%d container(s))\n", s.Overall, s.Services)
	for _, line := range s.Lines {
		fmt.Fprintf(&b, "  %s\n", line)
	}
	return b.String()
}
