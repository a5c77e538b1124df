package store

import (
	"context"

	"github.com/artpar/hostctl/internal/core/deploy"
)

// =============================================================================
// Journal Interface
// =============================================================================

// Journal records deployment attempts.
type Journal interface {
	// RecordAttempt inserts the attempt or replaces a previous record with
	// the same ID.
	RecordAttempt(ctx context.Context, attempt *deploy.Attempt) error
	GetAttempt(ctx context.Context, id string) (*deploy.Attempt, error)
	// ListAttempts returns attempts, newest first.
	ListAttempts(ctx context.Context, opts ListOptions) ([]deploy.Attempt, error)
	Close() error
}

// ListOptions contains pagination options for list operations.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  20,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
