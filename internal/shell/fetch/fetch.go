// Package fetch downloads release binaries and install scripts with retries.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrDownloadFailed is returned when a download does not complete.
var ErrDownloadFailed = errors.New("download failed")

// DefaultMaxSize bounds a single download.
const DefaultMaxSize = 256 << 20

// Config configures a Downloader.
type Config struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
	MaxSize      int64
}

// DefaultConfig returns the settings used for provisioning downloads.
func DefaultConfig() Config {
	return Config{
		RetryMax:     4,
		RetryWaitMin: 1 * time.Second,
		RetryWaitMax: 15 * time.Second,
		Timeout:      5 * time.Minute,
		MaxSize:      DefaultMaxSize,
	}
}

// Downloader fetches URLs over HTTP(S).
type Downloader struct {
	client  *retryablehttp.Client
	maxSize int64
}

// New creates a Downloader. A nil logger disables retry logging.
func New(cfg Config, logger *slog.Logger) *Downloader {
	def := DefaultConfig()
	if cfg.RetryWaitMin == 0 {
		cfg.RetryWaitMin = def.RetryWaitMin
	}
	if cfg.RetryWaitMax == 0 {
		cfg.RetryWaitMax = def.RetryWaitMax
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = def.MaxSize
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil
	if logger != nil {
		client.Logger = logger.With("component", "fetch")
	}
	return &Downloader{client: client, maxSize: cfg.MaxSize}
}

// Fetch returns the body of url. Non-2xx responses are errors.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDownloadFailed, url, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: status %d", ErrDownloadFailed, url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDownloadFailed, url, err)
	}
	if int64(len(data)) > d.maxSize {
		return nil, fmt.Errorf("%w: %s: larger than %d bytes", ErrDownloadFailed, url, d.maxSize)
	}
	return data, nil
}
