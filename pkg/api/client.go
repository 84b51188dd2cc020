// Package api provides the HTTP client for the NoteVault workspace API.
// The console reconciler only ever reads job status through it, plus the
// delete/restore pair; all reads are idempotent and safe to repeat.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Client is the NoteVault API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiToken   string
	limiter    *rate.Limiter
}

// Config holds client configuration.
type Config struct {
	BaseURL  string        // e.g., "http://localhost:8640"
	APIToken string        // Bearer token
	Timeout  time.Duration // Per-request timeout

	// Outbound request budget. With many watched ids a single tick can fan
	// out dozens of status fetches; the limiter keeps the console from
	// hammering the API. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8640",
		Timeout:           15 * time.Second,
		RequestsPerSecond: 50,
		Burst:             100,
	}
}

// New creates a new NoteVault client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     30,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RequestsPerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		apiToken: cfg.APIToken,
		limiter:  limiter,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// --- Title generation ---

// TitleStatus is the server-reported state of a title generation job.
type TitleStatus string

const (
	TitleStatusPending    TitleStatus = "pending"
	TitleStatusProcessing TitleStatus = "processing"
	TitleStatusGenerated  TitleStatus = "generated"
	TitleStatusFailed     TitleStatus = "failed"
	TitleStatusUnknown    TitleStatus = "unknown"
	TitleStatusDisabled   TitleStatus = "disabled"
)

// Terminal reports whether further polling of this status is useless.
func (s TitleStatus) Terminal() bool {
	switch s {
	case TitleStatusGenerated, TitleStatusFailed, TitleStatusUnknown, TitleStatusDisabled:
		return true
	}
	return false
}

// TitleResult is the response of the title status endpoint.
type TitleResult struct {
	DocumentID string      `json:"document_id"`
	Status     TitleStatus `json:"status"`
	Title      string      `json:"title,omitempty"`
}

// GetTitleStatus fetches the title generation status for a document.
func (c *Client) GetTitleStatus(ctx context.Context, documentID string) (*TitleResult, error) {
	var resp TitleResult
	url := fmt.Sprintf("/api/v1/documents/%s/title", documentID)
	if err := c.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Documents and workflow runs ---

// RunStatus is the server-reported state of a workflow run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusFinished   RunStatus = "finished"
	RunStatusError      RunStatus = "error"
)

// Terminal reports whether the run has reached a final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusFinished || s == RunStatusError
}

// RunInfo is the workflow run state embedded in a document record. The
// operation id is empty until the server has assigned one.
type RunInfo struct {
	OperationID string    `json:"operation_id,omitempty"`
	Status      RunStatus `json:"status,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Document is a workspace document as returned by the documents endpoints.
type Document struct {
	ID          string      `json:"id"`
	Filename    string      `json:"filename"`
	Title       string      `json:"title,omitempty"`
	TitleStatus TitleStatus `json:"title_status,omitempty"`
	Run         *RunInfo    `json:"run,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// GetDocument fetches a single document, including its embedded run state.
func (c *Client) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	var resp Document
	url := fmt.Sprintf("/api/v1/documents/%s", documentID)
	if err := c.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDocuments fetches the document manifest for the workspace.
func (c *Client) ListDocuments(ctx context.Context) ([]Document, error) {
	var resp struct {
		Documents []Document `json:"documents"`
	}
	if err := c.get(ctx, "/api/v1/documents", &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// Operation is the authoritative record of a workflow run operation.
type Operation struct {
	ID     string    `json:"id"`
	Status RunStatus `json:"status"`
	Result string    `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// GetOperation fetches a workflow operation by id.
func (c *Client) GetOperation(ctx context.Context, operationID string) (*Operation, error) {
	var resp Operation
	url := fmt.Sprintf("/api/v1/operations/%s", operationID)
	if err := c.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Delete / restore ---

// DeleteReceipt confirms a server-side delete. RetainedUntil is the server's
// own retention horizon; the console undo window is shorter and independent.
type DeleteReceipt struct {
	DocumentID    string    `json:"document_id"`
	DeletedAt     time.Time `json:"deleted_at"`
	RetainedUntil time.Time `json:"retained_until,omitempty"`
}

// DeleteDocument deletes a document by id.
func (c *Client) DeleteDocument(ctx context.Context, documentID string) (*DeleteReceipt, error) {
	var resp DeleteReceipt
	url := fmt.Sprintf("/api/v1/documents/%s", documentID)
	if err := c.delete(ctx, url, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RestoreDocument restores a previously deleted document. Fails if the
// document is outside the server retention window or already restored.
func (c *Client) RestoreDocument(ctx context.Context, documentID string) error {
	url := fmt.Sprintf("/api/v1/documents/%s/restore", documentID)
	return c.post(ctx, url, nil, nil)
}

// --- HTTP helpers ---

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(ctx, req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, req, result)
}

func (c *Client) delete(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(ctx, req, result)
}

func (c *Client) do(ctx context.Context, req *http.Request, result interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(errBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
