// Package provider resolves the public address of an existing cloud VM.
// This is part of the Imperative Shell - handles I/O with cloud APIs.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrInstanceNotFound is returned when no instance matches the name or ID.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrNoPublicAddress is returned when the instance has no public IPv4 address.
	ErrNoPublicAddress = errors.New("instance has no public address")

	// ErrUnsupportedProvider is returned for an unknown provider name.
	ErrUnsupportedProvider = errors.New("unsupported cloud provider")
)

// Locator looks up a VM address. Implementations never create or modify
// cloud resources.
type Locator interface {
	// Address returns the public IPv4 address of the instance identified
	// by nameOrID.
	Address(ctx context.Context, nameOrID string) (string, error)
}

// Config selects and authenticates a provider.
type Config struct {
	Provider           string
	Region             string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	DigitalOceanToken  string
	HetznerToken       string

	// Endpoint overrides the API base URL.
	Endpoint string
}

// NewLocator creates a Locator for the configured provider.
func NewLocator(cfg Config, logger *slog.Logger) (Locator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Provider {
	case "aws":
		if cfg.AWSAccessKeyID == "" || cfg.AWSSecretAccessKey == "" {
			return nil, errors.New("invalid AWS credentials: access key id and secret are required")
		}
		if cfg.Region == "" {
			return nil, errors.New("invalid AWS configuration: region is required")
		}
		return NewAWSLocator(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.Region, cfg.Endpoint, logger), nil

	case "digitalocean":
		if cfg.DigitalOceanToken == "" {
			return nil, errors.New("invalid DigitalOcean credentials: api token is required")
		}
		return NewDigitalOceanLocator(cfg.DigitalOceanToken, cfg.Endpoint, logger)

	case "hetzner":
		if cfg.HetznerToken == "" {
			return nil, errors.New("invalid Hetzner credentials: api token is required")
		}
		return NewHetznerLocator(cfg.HetznerToken, cfg.Endpoint, logger), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
}
