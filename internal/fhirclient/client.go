// Package fhirclient wraps the remote claims-adjudication service. It
// exposes exactly two operations, submit-bundle and fetch-claim, keeps
// no retry logic, and maps every transport or HTTP failure into a
// structured result so the caller owns retry policy.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Environment selects a claims endpoint plus its credential. It is
// resolved once per job and passed down explicitly; nothing in this
// package reads global state.
type Environment struct {
	Name    string
	BaseURL string
	APIKey  string
}

// Result is the outcome of a single remote call. Transport failures
// and non-2xx responses both surface as Success=false with the
// upstream status preserved when one exists (500 otherwise).
type Result struct {
	Success    bool
	StatusCode int
	Body       []byte
	Err        error
}

// RemoteCallError describes a failed remote call for outcome details.
type RemoteCallError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RemoteCallError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s failed with status %d", e.Op, e.StatusCode)
}

// Config holds client settings.
type Config struct {
	// Timeout bounds every request. Defaults to 10s, matching the
	// upstream service's expectations.
	Timeout time.Duration
}

// Client talks to the claims service.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a claims client with a bounded request timeout.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// SubmitBundle posts a claim bundle to the environment's claim/bundle
// endpoint.
func (c *Client) SubmitBundle(ctx context.Context, env Environment, bundle any) Result {
	payload, err := json.Marshal(bundle)
	if err != nil {
		c.logger.Error("Failed to marshal claim bundle", zap.Error(err))
		return Result{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("marshal bundle: %w", err)}
	}

	result := c.do(ctx, env, http.MethodPost, "claim/bundle", payload)
	if result.Success {
		c.logger.Info("Claim bundle submitted",
			zap.String("environment", env.Name),
			zap.Int("status", result.StatusCode))
	} else {
		c.logger.Warn("Claim bundle submission failed",
			zap.String("environment", env.Name),
			zap.Int("status", result.StatusCode),
			zap.Error(result.Err))
	}
	return result
}

// GetClaim fetches a claim resource by id.
func (c *Client) GetClaim(ctx context.Context, env Environment, claimID string) Result {
	result := c.do(ctx, env, http.MethodGet, "claim/"+claimID, nil)
	if !result.Success {
		c.logger.Warn("Claim fetch failed",
			zap.String("environment", env.Name),
			zap.String("claim_id", claimID),
			zap.Int("status", result.StatusCode),
			zap.Error(result.Err))
	}
	return result
}

// HealthCheck probes the environment's health endpoint.
func (c *Client) HealthCheck(ctx context.Context, env Environment) Result {
	return c.do(ctx, env, http.MethodGet, "health", nil)
}

func (c *Client) do(ctx context.Context, env Environment, method, path string, body []byte) Result {
	url := strings.TrimSuffix(env.BaseURL, "/") + "/" + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return Result{StatusCode: http.StatusInternalServerError, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", env.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{
			StatusCode: http.StatusInternalServerError,
			Err:        &RemoteCallError{Op: method + " " + path, StatusCode: http.StatusInternalServerError, Body: err.Error()},
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{
			StatusCode: resp.StatusCode,
			Err:        &RemoteCallError{Op: method + " " + path, StatusCode: resp.StatusCode, Body: err.Error()},
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Err:        &RemoteCallError{Op: method + " " + path, StatusCode: resp.StatusCode, Body: string(respBody)},
		}
	}

	return Result{Success: true, StatusCode: resp.StatusCode, Body: respBody}
}
