package ceti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the CETI server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey authenticates requests. Sent as X-API-Key.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with the configured Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Adjudication runs a full
	// adversarial pipeline server-side, so the default is a generous 5 minutes.
	Timeout time.Duration
}

// Client is an HTTP client for the CETI adjudication API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ceti: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("ceti: APIKey is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}, nil
}

// Verify submits a query for adjudication and returns the outcome, GRANTED
// or DENIED. Both outcomes return a nil error; errors are reserved for
// transport and structural failures.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*Response, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ceti: marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("ceti: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)

	var resp Response
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports the server's health. No authentication required.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("ceti: create request: %w", err)
	}

	var health Health
	if err := c.do(req, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ceti: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ceti: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("ceti: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(status int, body []byte) error {
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return &Error{
			StatusCode: status,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
		}
	}
	return &Error{
		StatusCode: status,
		Code:       "UNKNOWN",
		Message:    strings.TrimSpace(string(body)),
	}
}
