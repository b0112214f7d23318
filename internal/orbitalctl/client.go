// Package orbitalctl provides a thin HTTP client the orbitalctl command
// uses to talk to a running Orbital Intake API.
package orbitalctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v1 "github.com/kandev/orbital/pkg/api/v1"
)

// Client communicates with an Orbital Intake API over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client targeting baseURL (e.g. "http://localhost:8080").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitJob submits a new job and returns it as accepted by the server.
func (c *Client) SubmitJob(ctx context.Context, intentLabel string, params map[string]any, maxRetries int) (*v1.Job, error) {
	body, err := json.Marshal(map[string]any{
		"intent_label": intentLabel,
		"params":       params,
		"max_retries":  maxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("orbitalctl: encode request: %w", err)
	}

	var job v1.Job
	if err := c.do(ctx, http.MethodPost, "/jobs", bytes.NewReader(body), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob retrieves one job by id.
func (c *Client) GetJob(ctx context.Context, id string) (*v1.Job, error) {
	var job v1.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists every known job.
func (c *Client) ListJobs(ctx context.Context) ([]*v1.Job, error) {
	var resp struct {
		Jobs []*v1.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// CancelJob requests cooperative cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+id, nil, nil)
}

// RetryJob restarts a failed job.
func (c *Client) RetryJob(ctx context.Context, id string) (*v1.Job, error) {
	var job v1.Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+id+"/retry", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// AuditHistory returns a job's audit trail.
func (c *Client) AuditHistory(ctx context.Context, id string) ([]*v1.AuditEntry, error) {
	var resp struct {
		Entries []*v1.AuditEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id+"/audit", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("orbitalctl: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("orbitalctl: request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("orbitalctl: %s %s returned %d: %v", method, path, resp.StatusCode, apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("orbitalctl: decode response: %w", err)
	}
	return nil
}
