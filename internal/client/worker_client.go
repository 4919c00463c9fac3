package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lecturelab/api/internal/config"
)

// WorkerRunner defines the interface for handing a job to the worker service
type WorkerRunner interface {
	Run(ctx context.Context, jobID string) error
	HealthCheck(ctx context.Context) error
}

// WorkerClient implements WorkerRunner over the worker service HTTP API
type WorkerClient struct {
	httpClient *http.Client
	baseURL    string
	secret     string
}

// NewWorkerClient creates a new worker service client. The dispatch timeout
// bounds the whole hand-off; the worker does the actual processing async.
func NewWorkerClient(cfg *config.WorkerConfig) *WorkerClient {
	return &WorkerClient{
		httpClient: &http.Client{
			Timeout: cfg.DispatchTimeout,
		},
		baseURL: cfg.URL,
		secret:  cfg.Secret,
	}
}

// Run asks the worker service to execute a job
func (c *WorkerClient) Run(ctx context.Context, jobID string) error {
	body := map[string]string{"jobId": jobID}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/worker/run", bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("worker service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// HealthCheck checks if the worker service is available
func (c *WorkerClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("worker service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *WorkerClient) IsConfigured() bool {
	return c.baseURL != ""
}
