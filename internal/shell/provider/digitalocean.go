package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/digitalocean/godo"
)

// DigitalOceanLocator implements Locator for DigitalOcean.
type DigitalOceanLocator struct {
	client *godo.Client
	logger *slog.Logger
}

// NewDigitalOceanLocator creates a droplet locator. endpoint may be empty.
func NewDigitalOceanLocator(apiToken, endpoint string, logger *slog.Logger) (*DigitalOceanLocator, error) {
	client := godo.NewFromToken(apiToken)
	if endpoint != "" {
		if err := godo.SetBaseURL(endpoint)(client); err != nil {
			return nil, fmt.Errorf("invalid DigitalOcean endpoint: %w", err)
		}
	}
	return &DigitalOceanLocator{
		client: client,
		logger: logger.With("provider", "digitalocean"),
	}, nil
}

// Address looks the droplet up by numeric ID or by exact name.
func (p *DigitalOceanLocator) Address(ctx context.Context, nameOrID string) (string, error) {
	var droplets []godo.Droplet
	if id, err := strconv.Atoi(nameOrID); err == nil {
		droplet, resp, err := p.client.Droplets.Get(ctx, id)
		if err != nil {
			if resp != nil && resp.StatusCode == 404 {
				return "", fmt.Errorf("%w: %s", ErrInstanceNotFound, nameOrID)
			}
			return "", fmt.Errorf("failed to get droplet: %w", err)
		}
		droplets = append(droplets, *droplet)
	} else {
		droplets, _, err = p.client.Droplets.ListByName(ctx, nameOrID, &godo.ListOptions{PerPage: 20})
		if err != nil {
			return "", fmt.Errorf("failed to list droplets: %w", err)
		}
	}

	if len(droplets) == 0 {
		return "", fmt.Errorf("%w: %s", ErrInstanceNotFound, nameOrID)
	}
	if len(droplets) > 1 {
		p.logger.Warn("several droplets share this name, using the first", "name", nameOrID, "count", len(droplets))
	}

	ip, err := droplets[0].PublicIPv4()
	if err != nil || ip == "" {
		return "", fmt.Errorf("%w: %s", ErrNoPublicAddress, nameOrID)
	}
	p.logger.Debug("resolved droplet", "droplet_id", droplets[0].ID, "address", ip)
	return ip, nil
}
