// Package studyclient is the Go client for the LectureLab job API. It
// mirrors the wire shapes of the server's DTOs and implements the polling
// protocol that drives a job to completion.
package studyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Job states and stages as carried on the wire.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"

	StageQueued      = "queued"
	StageDispatching = "dispatching"
)

// MediaRef points at a staged blob in the server's object storage.
type MediaRef struct {
	ObjectRef string `json:"objectRef"`
	MimeType  string `json:"mimeType"`
}

// CreateJobRequest is the creation payload.
type CreateJobRequest struct {
	Audio       *MediaRef  `json:"audio,omitempty"`
	Slides      []MediaRef `json:"slides,omitempty"`
	UserContext string     `json:"userContext,omitempty"`
	ModelID     string     `json:"modelId,omitempty"`
	DemoCode    string     `json:"demoCode,omitempty"`
}

// JobError is the stable {code, message} pair attached to a record.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JobSnapshot is the polled view of a job.
type JobSnapshot struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	Attempts  int       `json:"attempts"`
	ResultURL string    `json:"resultUrl,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	Error     *JobError `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobResult is the final artifact of a completed job.
type JobResult struct {
	JobID      string            `json:"jobId"`
	ResultURL  string            `json:"resultUrl"`
	Preview    string            `json:"preview,omitempty"`
	Sections   map[string]string `json:"sections,omitempty"`
	StudyGuide string            `json:"studyGuide,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
}

// APIError is a non-2xx response from the server, unwrapped from the
// {error:{code,message}} envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
}

// Client talks to the LectureLab API on behalf of one caller, identified by
// either an admin bearer token or a demo code.
type Client struct {
	baseURL    string
	httpClient *http.Client
	adminToken string
	demoCode   string

	// Injected so tests can drive the poll loop without real waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

func WithDemoCode(code string) Option {
	return func(c *Client) { c.demoCode = code }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateJob submits a creation request and returns the new job's ID.
func (c *Client) CreateJob(ctx context.Context, req *CreateJobRequest) (string, error) {
	if req.DemoCode == "" {
		req.DemoCode = c.demoCode
	}

	var result struct {
		JobID string `json:"jobId"`
	}
	if err := c.post(ctx, "/api/jobs", req, &result); err != nil {
		return "", err
	}
	return result.JobID, nil
}

// RunJob asks the server to dispatch the job.
func (c *Client) RunJob(ctx context.Context, jobID string) (*JobSnapshot, error) {
	body := map[string]string{}
	if c.demoCode != "" {
		body["demoCode"] = c.demoCode
	}

	var snap JobSnapshot
	if err := c.post(ctx, "/api/jobs/"+url.PathEscape(jobID)+"/run", body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Status fetches the current snapshot of the job.
func (c *Client) Status(ctx context.Context, jobID string) (*JobSnapshot, error) {
	var snap JobSnapshot
	if err := c.get(ctx, "/api/jobs/"+url.PathEscape(jobID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Result fetches the artifact of a completed job.
func (c *Client) Result(ctx context.Context, jobID string) (*JobResult, error) {
	var result JobResult
	if err := c.get(ctx, "/api/jobs/"+url.PathEscape(jobID)+"/result", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// post sends a POST request with JSON body
func (c *Client) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *Client) get(ctx context.Context, endpoint string, result interface{}) error {
	if c.demoCode != "" {
		endpoint += "?demoCode=" + url.QueryEscape(c.demoCode)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
