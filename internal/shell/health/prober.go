// Package health probes the application's health endpoint until it answers
// 2xx or the time budget runs out.
package health

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/artpar/hostctl/internal/core/deploy"
)

// Config bounds the probe.
type Config struct {
	URL            string
	Timeout        time.Duration // total budget
	Interval       time.Duration // first retry delay
	MaxInterval    time.Duration // backoff cap
	RequestTimeout time.Duration // per request
}

// DefaultConfig returns the probe settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		URL:            "http://127.0.0.1:8080/health",
		Timeout:        60 * time.Second,
		Interval:       2 * time.Second,
		MaxInterval:    10 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.MaxInterval < c.Interval {
		c.MaxInterval = c.Interval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	return c
}

// Prober polls the health endpoint with exponential backoff.
type Prober struct {
	config Config
	logger *slog.Logger
}

// NewProber creates a Prober.
func NewProber(config Config, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		config: config.withDefaults(),
		logger: logger.With("component", "health"),
	}
}

// URL returns the probed endpoint.
func (p *Prober) URL() string {
	return p.config.URL
}

// probeState tracks the last attempt across retries.
type probeState struct {
	attempts   int
	lastStatus int
	lastErr    error
}

// Probe returns once the endpoint answers 2xx or the budget is spent. The
// error is a *deploy.UnhealthyError when the endpoint never became healthy.
func (p *Prober) Probe(ctx context.Context) (deploy.HealthResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	state := &probeState{}
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = math.MaxInt32
	client.RetryWaitMin = p.config.Interval
	client.RetryWaitMax = p.config.MaxInterval
	client.HTTPClient.Timeout = p.config.RequestTimeout
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		// A request cut off by the budget keeps the previous outcome.
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		state.attempts++
		state.lastErr = err
		state.lastStatus = 0
		if resp != nil {
			state.lastStatus = resp.StatusCode
		}
		p.logger.Debug("health attempt", "attempt", state.attempts, "status", state.lastStatus, "error", err)
		if err != nil {
			return true, nil
		}
		return !isSuccess(resp.StatusCode), nil
	}

	result := deploy.HealthResult{URL: p.config.URL}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		result.Error = err.Error()
		return result, &deploy.UnhealthyError{URL: p.config.URL, Err: err}
	}

	resp, doErr := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}

	result.Attempts = state.attempts
	result.StatusCode = state.lastStatus
	result.Elapsed = time.Since(start)

	if doErr == nil && resp != nil && isSuccess(resp.StatusCode) {
		result.Healthy = true
		p.logger.Info("health check passed", "url", p.config.URL, "attempts", result.Attempts, "elapsed", result.Elapsed)
		return result, nil
	}

	cause := state.lastErr
	if cause == nil && state.lastStatus == 0 {
		cause = doErr
	}
	if cause != nil {
		result.Error = cause.Error()
	}
	p.logger.Warn("health check failed",
		"url", p.config.URL,
		"attempts", result.Attempts,
		"status", result.StatusCode,
		"error", result.Error,
	)
	return result, &deploy.UnhealthyError{
		URL:        p.config.URL,
		StatusCode: state.lastStatus,
		Attempts:   state.attempts,
		Err:        cause,
	}
}

func isSuccess(code int) bool {
	return code >= 200 && code <= 299
}
