package webhook

import "github.com/artpar/hostctl/internal/core/deploy"

// ErrorResponse is the error response format.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is the liveness response.
type HealthResponse struct {
	Status string `json:"status"`
}

// DeployResponse reports one webhook-triggered deployment.
type DeployResponse struct {
	Attempt *deploy.Attempt `json:"attempt"`
	Error   string          `json:"error,omitempty"`
}

// ListDeploymentsResponse is the journal listing.
type ListDeploymentsResponse struct {
	Deployments []deploy.Attempt `json:"deployments"`
	Limit       int              `json:"limit"`
	Offset      int              `json:"offset"`
}
