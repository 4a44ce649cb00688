package kansoku

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kansoku server (e.g. "http://localhost:8080").
	BaseURL string

	// ProjectID scopes every span and label call.
	ProjectID uuid.UUID

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for one project of the kansoku API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	projectID uuid.UUID
	client    *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or ProjectID is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kansoku: BaseURL is required")
	}
	if cfg.ProjectID == uuid.Nil {
		return nil, fmt.Errorf("kansoku: ProjectID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		projectID: cfg.ProjectID,
		client:    httpClient,
	}, nil
}

func (c *Client) projectPath(parts ...string) string {
	return "/v1/projects/" + c.projectID.String() + "/" + strings.Join(parts, "/")
}

// PublishSpan hands a span to the ingestion channel. It returns once the
// broker has accepted the span; storage and evaluation happen later.
// An empty span ProjectID is filled with the client's project.
func (c *Client) PublishSpan(ctx context.Context, span Span) (*PublishResponse, error) {
	if span.ProjectID == uuid.Nil {
		span.ProjectID = c.projectID
	}
	var resp PublishResponse
	if err := c.send(ctx, http.MethodPost, c.projectPath("spans"), span, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutLabel inserts or updates the label labelID. A nil error with
// AnalyticsPending set means the label is stored but its history lags.
func (c *Client) PutLabel(ctx context.Context, labelID uuid.UUID, req PutLabelRequest) (*PutLabelResponse, error) {
	var resp PutLabelResponse
	if err := c.send(ctx, http.MethodPut, c.projectPath("labels", labelID.String()), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSpanLabels returns the current labels of a span.
func (c *Client) ListSpanLabels(ctx context.Context, spanID uuid.UUID) ([]Label, error) {
	var resp []Label
	if err := c.send(ctx, http.MethodGet, c.projectPath("spans", spanID.String(), "labels"), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// LabelHistory returns every recorded write of a label, oldest first.
func (c *Client) LabelHistory(ctx context.Context, labelID uuid.UUID) ([]LabelEvent, error) {
	var resp []LabelEvent
	if err := c.send(ctx, http.MethodGet, c.projectPath("labels", labelID.String(), "history"), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Health returns the server's dependency report. An unhealthy server answers
// 503 with a full report, which is returned without error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kansoku: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kansoku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kansoku: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}
	var health HealthResponse
	if err := decodeEnvelope(body, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) send(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("kansoku: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("kansoku: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kansoku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kansoku: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}
	return decodeEnvelope(bodyBytes, dest)
}

// decodeEnvelope unwraps the server's { "data": ... } envelope into dest.
func decodeEnvelope(body []byte, dest any) error {
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("kansoku: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(body, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
