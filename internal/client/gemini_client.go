package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/lecturelab/api/internal/config"
	"github.com/lecturelab/api/internal/model"
)

// File states reported by the provider
const (
	FileStateProcessing = "processing"
	FileStateReady      = "ready"
	FileStateFailed     = "failed"
)

// FileInfo is the provider-side view of an uploaded file
type FileInfo struct {
	Name  string
	URI   string
	State string
}

// Generator defines the interface for study guide generation operations
type Generator interface {
	UploadFile(ctx context.Context, displayName, mimeType string, data []byte) (model.ProviderFile, error)
	GetFile(ctx context.Context, name string) (FileInfo, error)
	Generate(ctx context.Context, modelID, prompt string, files []model.ProviderFile) (string, error)
	DeleteFile(ctx context.Context, name string) error
	IsConfigured() bool
}

// APIError is a non-2xx response from the Gemini API
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini API error (status %d): %s", e.Status, e.Message)
}

// Overloaded reports whether the error signals provider capacity, which
// callers treat as retryable rather than fatal.
func (e *APIError) Overloaded() bool {
	if e.Status == http.StatusServiceUnavailable || e.Status == 529 {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "overloaded") || strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "resource has been exhausted")
}

// GeminiClient implements Generator for the Gemini API
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewGeminiClient creates a new Gemini API client
func NewGeminiClient(cfg *config.GeminiConfig) *GeminiClient {
	return &GeminiClient{
		httpClient: &http.Client{
			Timeout: cfg.GenerateTimeout,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

type geminiFile struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	State    string `json:"state"`
}

type geminiUploadResponse struct {
	File geminiFile `json:"file"`
}

// UploadFile uploads raw media bytes via the multipart upload endpoint and
// returns the remote handle.
func (c *GeminiClient) UploadFile(ctx context.Context, displayName, mimeType string, data []byte) (model.ProviderFile, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	meta, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return model.ProviderFile{}, fmt.Errorf("failed to build upload metadata: %w", err)
	}
	metaBody := map[string]interface{}{
		"file": map[string]interface{}{"display_name": displayName},
	}
	if err := json.NewEncoder(meta).Encode(metaBody); err != nil {
		return model.ProviderFile{}, fmt.Errorf("failed to encode upload metadata: %w", err)
	}

	part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {mimeType}})
	if err != nil {
		return model.ProviderFile{}, fmt.Errorf("failed to build upload body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return model.ProviderFile{}, fmt.Errorf("failed to write upload body: %w", err)
	}
	if err := w.Close(); err != nil {
		return model.ProviderFile{}, fmt.Errorf("failed to finish upload body: %w", err)
	}

	endpoint := "/upload/v1beta/files?uploadType=multipart"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return model.ProviderFile{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+w.Boundary())

	var result geminiUploadResponse
	if err := c.doRequest(req, &result); err != nil {
		return model.ProviderFile{}, err
	}

	return model.ProviderFile{
		Name:     result.File.Name,
		URI:      result.File.URI,
		MimeType: result.File.MimeType,
	}, nil
}

// GetFile retrieves processing state for an uploaded file. The name is the
// provider handle as returned by UploadFile ("files/...").
func (c *GeminiClient) GetFile(ctx context.Context, name string) (FileInfo, error) {
	var result geminiFile
	if err := c.get(ctx, "/v1beta/"+name, &result); err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Name:  result.Name,
		URI:   result.URI,
		State: mapFileState(result.State),
	}, nil
}

func mapFileState(state string) string {
	switch state {
	case "ACTIVE":
		return FileStateReady
	case "FAILED":
		return FileStateFailed
	default:
		return FileStateProcessing
	}
}

type geminiPart struct {
	Text     string          `json:"text,omitempty"`
	FileData *geminiFileData `json:"fileData,omitempty"`
}

type geminiFileData struct {
	FileURI  string `json:"fileUri"`
	MimeType string `json:"mimeType,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerateRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

// Generate runs one generateContent call with the prompt and the already
// uploaded files attached, returning the concatenated text output.
func (c *GeminiClient) Generate(ctx context.Context, modelID, prompt string, files []model.ProviderFile) (string, error) {
	parts := make([]geminiPart, 0, len(files)+1)
	for _, f := range files {
		parts = append(parts, geminiPart{FileData: &geminiFileData{
			FileURI:  f.URI,
			MimeType: f.MimeType,
		}})
	}
	parts = append(parts, geminiPart{Text: prompt})

	reqBody := geminiGenerateRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
	}

	endpoint := fmt.Sprintf("/v1beta/models/%s:generateContent", modelID)
	var result geminiGenerateResponse
	if err := c.post(ctx, endpoint, reqBody, &result); err != nil {
		return "", err
	}

	if len(result.Candidates) == 0 {
		return "", &APIError{Status: http.StatusBadGateway, Message: "no candidates in response"}
	}

	var sb strings.Builder
	for _, p := range result.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// DeleteFile removes an uploaded file from the provider
func (c *GeminiClient) DeleteFile(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1beta/"+name, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, nil)
}

// post sends a POST request with JSON body
func (c *GeminiClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
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
func (c *GeminiClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// doRequest executes an HTTP request and parses the response
func (c *GeminiClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("x-goog-api-key", c.apiKey)

	log.Printf("[Gemini API] → %s %s", req.Method, req.URL.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Gemini API] ✗ %s %s — request failed: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[Gemini API] ✗ %s %s — failed to read response: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[Gemini API] ← %d %s %s (%d bytes)", resp.StatusCode, req.Method, req.URL.Path, len(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(respBody)
		var ge geminiErrorResponse
		if err := json.Unmarshal(respBody, &ge); err == nil && ge.Error.Message != "" {
			msg = ge.Error.Message
			if ge.Error.Status != "" {
				msg = ge.Error.Status + ": " + msg
			}
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[Gemini API] ✗ unmarshal error for %s %s: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *GeminiClient) IsConfigured() bool {
	return c.apiKey != ""
}
