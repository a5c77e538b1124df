package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// HetznerLocator implements Locator for Hetzner Cloud.
type HetznerLocator struct {
	client *hcloud.Client
	logger *slog.Logger
}

// NewHetznerLocator creates a server locator. endpoint may be empty.
func NewHetznerLocator(apiToken, endpoint string, logger *slog.Logger) *HetznerLocator {
	opts := []hcloud.ClientOption{hcloud.WithToken(apiToken)}
	if endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(endpoint))
	}
	return &HetznerLocator{
		client: hcloud.NewClient(opts...),
		logger: logger.With("provider", "hetzner"),
	}
}

// Address looks the server up by numeric ID or by name.
func (p *HetznerLocator) Address(ctx context.Context, nameOrID string) (string, error) {
	var (
		server *hcloud.Server
		err    error
	)
	if id, convErr := strconv.ParseInt(nameOrID, 10, 64); convErr == nil {
		server, _, err = p.client.Server.GetByID(ctx, id)
	} else {
		server, _, err = p.client.Server.GetByName(ctx, nameOrID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get server: %w", err)
	}
	if server == nil {
		return "", fmt.Errorf("%w: %s", ErrInstanceNotFound, nameOrID)
	}

	ip := server.PublicNet.IPv4.IP
	if ip == nil || ip.IsUnspecified() {
		return "", fmt.Errorf("%w: %s", ErrNoPublicAddress, nameOrID)
	}
	p.logger.Debug("resolved server", "server_id", server.ID, "address", ip.String())
	return ip.String(), nil
}
